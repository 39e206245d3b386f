package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/internal/config"
	"github.com/turbolytics/tap-youtube-analytics/internal/integrations/kafka"
	"github.com/turbolytics/tap-youtube-analytics/internal/server"
	"github.com/turbolytics/tap-youtube-analytics/pkg/metrics"
	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/state"
	"github.com/turbolytics/tap-youtube-analytics/pkg/streams"
	"github.com/turbolytics/tap-youtube-analytics/pkg/tap"
	"github.com/turbolytics/tap-youtube-analytics/pkg/transform"
	"github.com/turbolytics/tap-youtube-analytics/pkg/youtube"
)

func newSyncCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Syncs the streams selected in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), o, cmd.OutOrStdout())
		},
	}
}

func tapConfig(c *config.Config) tap.Config {
	start, _ := c.StartTime()
	end, _ := c.EndTime()
	return tap.Config{
		Channels:        c.Channels(),
		StartDate:       start,
		EndDate:         end,
		AttributionDays: c.AttributionDays,
		EmptyPageLimit:  c.EmptyPageLimit,
	}
}

func newClient(ctx context.Context, c *config.Config, logger *zap.Logger, m *metrics.Metrics) *youtube.Client {
	retry := youtube.DefaultRetryConfig()
	retry.MaxRetries = c.MaxRetries
	return youtube.New(ctx, youtube.Config{
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		RefreshToken:      c.RefreshToken,
		UserAgent:         c.UserAgent,
		Timeout:           c.Timeout(),
		RequestsPerSecond: c.RequestsPerSecond,
		Retry:             retry,
		DataURL:           c.DataURL,
		ReportingURL:      c.ReportingURL,
		TokenURL:          c.TokenURL,
	},
		youtube.WithLogger(logger.Named("youtube")),
		youtube.WithMetrics(m),
	)
}

// openTarget returns stdout or the target addressed by target_url.
func openTarget(ctx context.Context, rawURL string, stdout io.Writer, logger *zap.Logger) (singer.Target, error) {
	if rawURL == "" {
		return singer.NewStreamTarget(bufio.NewWriter(stdout)), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	switch u.Scheme {
	case "kafka":
		logger.Info("initializing kafka target", zap.String("url", u.Redacted()))
		t, err := kafka.NewTarget(u, logger)
		if err != nil {
			return nil, err
		}
		if err := t.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect kafka target: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported target protocol: %s", u.Scheme)
	}
}

// loadState prefers an explicit --state file over the checkpointer.
func loadState(ctx context.Context, path string, cp state.Checkpointer) (*state.State, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return state.Parse(data)
	}
	st, err := cp.Load(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return state.New(), nil
	}
	return st, nil
}

func runSync(ctx context.Context, o *options, stdout io.Writer) (err error) {
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.catalogPath == "" {
		return errors.New("sync requires --catalog")
	}
	cat, err := singer.LoadCatalog(o.catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	cp, err := state.OpenCheckpointer(c.CheckpointURL, logger.Named("checkpoint"))
	if err != nil {
		return err
	}
	st, err := loadState(ctx, o.statePath, cp)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	lookup, err := transform.LoadDimensionLookup()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	target, err := openTarget(ctx, c.TargetURL, stdout, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := target.Close(closeCtx); cerr != nil && err == nil {
			err = fmt.Errorf("close target: %w", cerr)
		}
	}()

	tl := logger.Named("tap")
	t := tap.New(newClient(ctx, c, logger, m), target, tapConfig(c),
		tap.WithLogger(tl),
		tap.WithMetrics(m),
		tap.WithCheckpointer(cp),
		tap.WithLookup(lookup),
		tap.WithTransformer(streams.NewTransformer(
			streams.TransformerWithValidation(c.ValidateRecords),
			streams.TransformerWithLogger(tl),
		)),
	)

	if c.StatusAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var opts []server.Option
		if kt, ok := target.(*kafka.Target); ok {
			opts = append(opts, server.WithTargetStats(func() any { return kt.Stats() }))
		}
		s := server.New(t, reg, logger, opts...)
		go func() {
			if err := s.Start(srvCtx, c.StatusAddr); err != nil {
				logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	logger.Info("starting sync",
		zap.Strings("channels", c.Channels()),
		zap.String("start_date", c.StartDate),
		zap.Int("selected", len(cat.Selected())),
	)
	if err := t.Sync(ctx, cat, st); err != nil {
		return err
	}
	summary := t.Summary()
	logger.Info("finished sync",
		zap.String("run_id", summary.RunID),
		zap.Int("records", summary.Records),
	)
	return nil
}
