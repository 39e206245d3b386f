package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tap-youtube-analytics/pkg/metrics"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	return New(context.Background(), Config{
		UserAgent:    "tap-test",
		Retry:        fastRetry(),
		DataURL:      srv.URL + "/youtube/v3",
		ReportingURL: srv.URL + "/v1",
	}, opts...)
}

func TestClient_OAuthRefreshToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt", r.Form.Get("refresh_token"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/youtube/v3/channels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "tap-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "chan", r.URL.Query().Get("id"))
		w.Write([]byte(`{"items":[{"id":"chan"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(context.Background(), Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		RefreshToken: "rt",
		UserAgent:    "tap-test",
		Retry:        fastRetry(),
		DataURL:      srv.URL + "/youtube/v3",
		TokenURL:     srv.URL + "/token",
	})

	out, err := c.Get(context.Background(), c.DataURL()+"/channels", url.Values{"id": {"chan"}}, "channels")
	require.NoError(t, err)
	items := out["items"].([]any)
	assert.Len(t, items, 1)
}

func TestClient_GetRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"items":[], "pageInfo": {"totalResults": 12}}`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newTestClient(t, srv, WithMetrics(m))

	out, err := c.Get(context.Background(), srv.URL+"/x", nil, "x")
	require.NoError(t, err)
	assert.Equal(t, json.Number("12"), out["pageInfo"].(map[string]any)["totalResults"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("x", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("x", "200")))
}

func TestClient_GetRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Get(context.Background(), srv.URL+"/x", nil, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          ErrBadRequest,
		http.StatusUnauthorized:        ErrUnauthorized,
		http.StatusForbidden:           ErrForbidden,
		http.StatusNotFound:            ErrNotFound,
		http.StatusConflict:            ErrConflict,
		http.StatusUnprocessableEntity: ErrUnprocessable,
	}
	for status, kind := range cases {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(status)
				w.Write([]byte(`{"error": {"code": 1, "message": "nope"}}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.Get(context.Background(), srv.URL+"/x", nil, "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, kind)
			assert.NotErrorIs(t, err, ErrUpstream)
			assert.False(t, IsRetryable(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestClient_IsPermission(t *testing.T) {
	assert.True(t, IsPermission(newError(403, "x", nil, nil)))
	assert.True(t, IsPermission(newError(401, "x", nil, nil)))
	assert.False(t, IsPermission(newError(404, "x", nil, nil)))

	e := newError(403, "x", nil, []byte("not json"))
	assert.Equal(t, "You are missing the following required scopes: read", e.Message)
	assert.Contains(t, e.Error(), "HTTP-error-code: 403")
}

func TestClient_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Get(context.Background(), srv.URL+"/x", nil, "x")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestClient_Post(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "channel_basic_a3", body["reportTypeId"])
		w.Write([]byte(`{"id":"job-1","reportTypeId":"channel_basic_a3"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Post(context.Background(), srv.URL+"/v1/jobs", map[string]string{
		"name":         "channel_basic",
		"reportTypeId": "channel_basic_a3",
	}, "job_create")
	require.NoError(t, err)
	assert.Equal(t, "job-1", out["id"])
}

func TestClient_GetReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("\ufeffdate,channel_id,views\n20230102,chan,10\n\n20230103,chan,11\n"))
		case "/ragged":
			w.Write([]byte("date,channel_id\n20230102,chan\n20230103\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx := context.Background()

	t.Run("rows", func(t *testing.T) {
		it, err := c.GetReport(ctx, srv.URL+"/ok", "report")
		require.NoError(t, err)
		defer it.Close()

		row, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"date": "20230102", "channel_id": "chan", "views": "10"}, row)

		row, err = it.Next()
		require.NoError(t, err)
		assert.Equal(t, "20230103", row["date"])

		_, err = it.Next()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("ragged", func(t *testing.T) {
		it, err := c.GetReport(ctx, srv.URL+"/ragged", "report")
		require.NoError(t, err)
		defer it.Close()

		_, err = it.Next()
		require.NoError(t, err)
		_, err = it.Next()
		require.Error(t, err)
		assert.NotEqual(t, io.EOF, err)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.GetReport(ctx, srv.URL+"/missing", "report")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNewRowIterator_Empty(t *testing.T) {
	it := NewRowIterator(io.NopCloser(strings.NewReader("")))
	_, err := it.Next()
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, it.Close())
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, parseRetryAfter(h))
	assert.Equal(t, time.Duration(0), parseRetryAfter(http.Header{}))
}
