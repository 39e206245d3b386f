package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/turbolytics/tap-youtube-analytics/pkg/transform"
)

const EnvPrefix = "TAP_YOUTUBE"

var ErrMissingKey = errors.New("missing required config key")

var required = []string{
	"client_id",
	"client_secret",
	"refresh_token",
	"channel_ids",
	"start_date",
	"user_agent",
}

var defaults = map[string]any{
	"request_timeout":     300,
	"attribution_days":    7,
	"empty_page_limit":    3,
	"max_retries":         5,
	"requests_per_second": 10.0,
	"validate_records":    false,
	"end_date":            "",
	"status_addr":         "",
	"checkpoint_url":      "",
	"target_url":          "",
	"data_url":            "",
	"reporting_url":       "",
	"token_url":           "",
}

type Config struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	UserAgent    string `mapstructure:"user_agent"`

	ChannelIDs any    `mapstructure:"channel_ids"`
	StartDate  string `mapstructure:"start_date"`
	EndDate    string `mapstructure:"end_date"`

	RequestTimeout    int     `mapstructure:"request_timeout"`
	AttributionDays   int     `mapstructure:"attribution_days"`
	EmptyPageLimit    int     `mapstructure:"empty_page_limit"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	ValidateRecords   bool    `mapstructure:"validate_records"`

	StatusAddr    string `mapstructure:"status_addr"`
	CheckpointURL string `mapstructure:"checkpoint_url"`
	TargetURL     string `mapstructure:"target_url"`

	// API base URLs; empty means the public Google endpoints.
	DataURL      string `mapstructure:"data_url"`
	ReportingURL string `mapstructure:"reporting_url"`
	TokenURL     string `mapstructure:"token_url"`
}

// Load reads the config file at path, if any, and overlays TAP_YOUTUBE_*
// environment variables. Every missing required key is reported at once.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range required {
		v.BindEnv(k)
	}
	for k := range defaults {
		v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, k := range []string{"oauth_credentials.refresh_token", "oauth.refresh_token"} {
		if c.RefreshToken != "" {
			break
		}
		c.RefreshToken = v.GetString(k)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var missing []string
	set := map[string]bool{
		"client_id":     c.ClientID != "",
		"client_secret": c.ClientSecret != "",
		"refresh_token": c.RefreshToken != "",
		"channel_ids":   len(c.Channels()) > 0,
		"start_date":    c.StartDate != "",
		"user_agent":    c.UserAgent != "",
	}
	for _, k := range required {
		if !set[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}

	if _, err := c.StartTime(); err != nil {
		return err
	}
	if _, err := c.EndTime(); err != nil {
		return err
	}
	if c.AttributionDays < 0 {
		return fmt.Errorf("attribution_days must not be negative, got %d", c.AttributionDays)
	}
	return nil
}

// Channels returns the configured channel ids. channel_ids may be a
// comma-separated string or a list.
func (c *Config) Channels() []string {
	var raw []string
	switch v := c.ChannelIDs.(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, x := range v {
			raw = append(raw, fmt.Sprint(x))
		}
	}

	out := make([]string, 0, len(raw))
	for _, id := range raw {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (c *Config) StartTime() (time.Time, error) {
	t, err := transform.ParseTimestamp(c.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_date: %w", err)
	}
	return t, nil
}

// EndTime returns the zero time when end_date is unset.
func (c *Config) EndTime() (time.Time, error) {
	if c.EndDate == "" {
		return time.Time{}, nil
	}
	t, err := transform.ParseTimestamp(c.EndDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("end_date: %w", err)
	}
	return t, nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
