// Package youtube is the HTTP client for the YouTube Data and Reporting
// APIs: OAuth2 refresh-token authentication, client-side rate limiting,
// retry of transient failures and typed errors for everything else.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/turbolytics/tap-youtube-analytics/pkg/metrics"
)

const (
	DefaultDataURL      = "https://www.googleapis.com/youtube/v3"
	DefaultReportingURL = "https://youtubereporting.googleapis.com/v1"
	DefaultTokenURL     = "https://oauth2.googleapis.com/token"

	DefaultTimeout = 300 * time.Second
)

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserAgent    string

	// Timeout bounds each request. For report downloads it bounds the wait
	// for response headers only; the body is streamed without a deadline.
	Timeout time.Duration

	RequestsPerSecond float64
	Burst             int

	Retry RetryConfig

	DataURL      string
	ReportingURL string
	TokenURL     string
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHTTPClient replaces the OAuth2 client. The given client is expected to
// authenticate requests itself.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a client. ctx scopes the OAuth2 token source and must outlive
// the client.
func New(ctx context.Context, cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.DataURL == "" {
		cfg.DataURL = DefaultDataURL
	}
	if cfg.ReportingURL == "" {
		cfg.ReportingURL = DefaultReportingURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		base := &http.Client{Timeout: cfg.Timeout}
		tctx := context.WithValue(ctx, oauth2.HTTPClient, base)
		ts := oc.TokenSource(tctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		c.http = oauth2.NewClient(tctx, ts)
	}
	return c
}

func (c *Client) DataURL() string {
	return c.cfg.DataURL
}

func (c *Client) ReportingURL() string {
	return c.cfg.ReportingURL
}

// Get fetches a JSON object. A response without a body yields a nil map.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, endpoint string) (map[string]any, error) {
	u, err := withParams(rawURL, params)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodGet, u, nil, endpoint)
}

// Post sends body as JSON and returns the decoded JSON response.
func (c *Client) Post(ctx context.Context, rawURL string, body any, endpoint string) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, rawURL, data, endpoint)
}

func withParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// transportError classifies a failed round trip. Cancellation of the caller's
// context is returned as is; a per-request timeout or network failure is
// retryable; a rejected token refresh becomes a typed API error.
func (c *Client) transportError(ctx context.Context, endpoint string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusUnauthorized
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return newError(status, endpoint, nil, re.Body)
	}
	return fmt.Errorf("%w: %v", errRequestFailed, err)
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte, endpoint string) (map[string]any, error) {
	var out map[string]any

	err := retry(ctx, c.cfg.Retry, IsRetryable, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := c.newRequest(rctx, method, rawURL, body)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.ObserveRequest(endpoint, 0, time.Since(start))
			return c.transportError(ctx, endpoint, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		c.metrics.ObserveRequest(endpoint, resp.StatusCode, time.Since(start))
		if err != nil {
			return c.transportError(ctx, endpoint, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := newError(resp.StatusCode, endpoint, resp.Header, data)
			c.logger.Warn("request failed",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.String("message", apiErr.Message),
			)
			return apiErr
		}

		out, err = decodeObject(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// GetReport downloads a report artifact and returns an iterator over its CSV
// rows. The caller must Close the iterator.
func (c *Client) GetReport(ctx context.Context, rawURL string, endpoint string) (RowIterator, error) {
	var (
		resp   *http.Response
		cancel context.CancelFunc
	)

	err := retry(ctx, c.cfg.Retry, IsRetryable, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		rctx, rcancel := context.WithCancel(ctx)
		timer := time.AfterFunc(c.cfg.Timeout, rcancel)

		req, err := c.newRequest(rctx, http.MethodGet, rawURL, nil)
		if err != nil {
			timer.Stop()
			rcancel()
			return err
		}
		req.Header.Set("Accept", "text/csv")

		start := time.Now()
		r, err := c.http.Do(req)
		timer.Stop()
		if err != nil {
			rcancel()
			c.metrics.ObserveRequest(endpoint, 0, time.Since(start))
			return c.transportError(ctx, endpoint, err)
		}
		c.metrics.ObserveRequest(endpoint, r.StatusCode, time.Since(start))

		if r.StatusCode < 200 || r.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
			r.Body.Close()
			rcancel()
			return newError(r.StatusCode, endpoint, r.Header, data)
		}

		resp, cancel = r, rcancel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newCSVRows(resp.Body, cancel), nil
}
