package tap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/state"
	"github.com/turbolytics/tap-youtube-analytics/pkg/youtube"
)

const basicCSV = "date,channel_id,video_id,live_or_on_demand,subscribed_status,country_code,views\n" +
	"20230102,chan,vid,ON_DEMAND,SUBSCRIBED,US,10\n"

type fakeAPI struct {
	srv        *httptest.Server
	forbidJobs bool
	jobCreates int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
	mux.HandleFunc("GET /youtube/v3/channels", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"items":[{"id":"chan","snippet":{"title":"C","publishedAt":"2020-01-01T00:00:00Z"}}]}`)
	})
	mux.HandleFunc("GET /youtube/v3/playlists", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"items":[{"id":"p1","snippet":{"publishedAt":"2021-01-01T00:00:00Z"}}]}`)
	})
	mux.HandleFunc("GET /youtube/v3/playlistItems", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p1", r.URL.Query().Get("playlistId"))
		write(w, `{"items":[{"id":"i1","snippet":{"publishedAt":"2023-01-04T00:00:00Z"}}]}`)
	})
	mux.HandleFunc("GET /v1/reportTypes", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"reportTypes":[{"id":"channel_basic_a3"},{"id":"content_owner_basic_a4"}]}`)
	})
	mux.HandleFunc("GET /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if api.forbidJobs {
			w.WriteHeader(http.StatusForbidden)
			write(w, `{"error":{"code":403,"message":"forbidden"}}`)
			return
		}
		write(w, `{"jobs":[{"id":"job-1","reportTypeId":"channel_basic_a3"}]}`)
	})
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		api.jobCreates++
		write(w, `{"id":"job-2"}`)
	})
	mux.HandleFunc("GET /v1/jobs/job-1/reports", func(w http.ResponseWriter, r *http.Request) {
		write(w, fmt.Sprintf(`{"reports":[{"id":"r1","jobId":"job-1","createTime":"2023-01-03T00:00:00Z","downloadUrl":%q}]}`,
			api.srv.URL+"/download/r1"))
	})
	mux.HandleFunc("GET /download/r1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(basicCSV))
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) client() *youtube.Client {
	return youtube.New(context.Background(), youtube.Config{
		UserAgent:         "tap-test",
		RequestsPerSecond: 1000,
		Burst:             100,
		Retry: youtube.RetryConfig{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     2,
		},
		DataURL:      a.srv.URL + "/youtube/v3",
		ReportingURL: a.srv.URL + "/v1",
	}, youtube.WithHTTPClient(a.srv.Client()))
}

func catalogOf(selected ...string) *singer.Catalog {
	cat := &singer.Catalog{}
	for _, id := range selected {
		cat.Streams = append(cat.Streams, &singer.CatalogEntry{
			Stream:      id,
			TapStreamID: id,
			Metadata: singer.Metadata{
				{Breadcrumb: []string{}, Metadata: map[string]any{"selected": true}},
			},
		})
	}
	return cat
}

func testConfig() Config {
	return Config{
		Channels:  []string{"chan"},
		StartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func fixedClock() time.Time {
	return time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)
}

func decode(t *testing.T, buf *bytes.Buffer) []singer.Message {
	t.Helper()
	var out []singer.Message
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m singer.Message
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestSync(t *testing.T) {
	api := newFakeAPI(t)
	var buf bytes.Buffer
	dir := t.TempDir()
	cp := state.NewFilesystemCheckpointer(filepath.Join(dir, "state.json"), nil)

	tp := New(api.client(), singer.NewStreamTarget(&buf), testConfig(),
		WithCheckpointer(cp),
		WithClock(fixedClock),
	)
	st := state.New()
	err := tp.Sync(context.Background(), catalogOf("channel_basic", "channels", "playlist_items"), st)
	require.NoError(t, err)

	msgs := decode(t, &buf)
	var schemas, records []string
	for _, m := range msgs {
		switch m.Type {
		case singer.MessageTypeSchema:
			schemas = append(schemas, m.Stream)
		case singer.MessageTypeRecord:
			records = append(records, m.Stream)
		}
	}
	assert.Equal(t, []string{"channels", "playlist_items", "channel_basic"}, schemas)
	assert.Equal(t, []string{"channels", "playlist_items", "channel_basic"}, records)

	first := msgs[0]
	require.Equal(t, singer.MessageTypeState, first.Type)
	assert.Equal(t, "channels", first.Value.(map[string]any)["currently_syncing"])

	last := msgs[len(msgs)-1]
	require.Equal(t, singer.MessageTypeState, last.Type)
	assert.NotContains(t, last.Value.(map[string]any), "currently_syncing")

	assert.Equal(t, "2023-01-04T00:00:00Z", st.GetBookmark("playlist_items", "published_at", ""))
	assert.Equal(t, "2023-01-03T00:00:00Z", st.GetBookmark("channel_basic", "create_time", ""))
	assert.Equal(t, 0, api.jobCreates)

	saved, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2023-01-03T00:00:00Z", saved.GetBookmark("channel_basic", "create_time", ""))

	summary := tp.Summary()
	assert.True(t, summary.Completed)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 3, summary.Records)
	assert.Len(t, summary.Streams, 3)

	assert.Contains(t, tp.State()["bookmarks"], "channel_basic")
}

func TestSync_ResumesCurrentlySyncing(t *testing.T) {
	api := newFakeAPI(t)
	var buf bytes.Buffer
	tp := New(api.client(), singer.NewStreamTarget(&buf), testConfig(), WithClock(fixedClock))

	st := state.New()
	st.SetCurrentlySyncing("channel_basic")
	require.NoError(t, tp.Sync(context.Background(), catalogOf("channels", "channel_basic"), st))

	var schemas []string
	for _, m := range decode(t, &buf) {
		if m.Type == singer.MessageTypeSchema {
			schemas = append(schemas, m.Stream)
		}
	}
	assert.Equal(t, []string{"channel_basic", "channels"}, schemas)
	assert.Equal(t, "", st.CurrentlySyncing())
}

func TestSync_FatalErrorKeepsCompletedBookmarks(t *testing.T) {
	api := newFakeAPI(t)
	api.forbidJobs = true
	var buf bytes.Buffer
	cp := state.NewFilesystemCheckpointer(filepath.Join(t.TempDir(), "state.json"), nil)
	tp := New(api.client(), singer.NewStreamTarget(&buf), testConfig(),
		WithCheckpointer(cp),
		WithClock(fixedClock),
	)

	st := state.New()
	err := tp.Sync(context.Background(), catalogOf("playlist_items", "channel_basic"), st)
	require.Error(t, err)
	assert.ErrorIs(t, err, youtube.ErrForbidden)
	assert.Contains(t, err.Error(), "channel_basic")

	saved, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2023-01-04T00:00:00Z", saved.GetBookmark("playlist_items", "published_at", ""))
	assert.Equal(t, "channel_basic", saved.CurrentlySyncing())

	summary := tp.Summary()
	assert.False(t, summary.Completed)
	assert.NotEmpty(t, summary.Error)
}

func TestDiscover(t *testing.T) {
	api := newFakeAPI(t)
	tp := New(api.client(), singer.NewStreamTarget(&bytes.Buffer{}), testConfig())

	cat, err := tp.Discover(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, e := range cat.Streams {
		ids = append(ids, e.TapStreamID)
	}
	assert.Equal(t, []string{"channels", "playlists", "playlist_items", "videos", "channel_basic"}, ids)

	basic := cat.Get("channel_basic")
	inc, _ := basic.Metadata.Get([]string{"properties", "video_id"}, "inclusion")
	assert.Equal(t, "automatic", inc)
	inc, _ = basic.Metadata.Get([]string{"properties", "views"}, "inclusion")
	assert.Equal(t, "available", inc)
	method, _ := basic.Metadata.Get([]string{}, "forced-replication-method")
	assert.Equal(t, "INCREMENTAL", method)

	method, _ = cat.Get("channels").Metadata.Get([]string{}, "forced-replication-method")
	assert.Equal(t, "FULL_TABLE", method)
}

func TestDiscover_ReportTypesUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	client := youtube.New(context.Background(), youtube.Config{
		ReportingURL: srv.URL + "/v1",
	}, youtube.WithHTTPClient(srv.Client()))

	cat, err := New(client, singer.NewStreamTarget(&bytes.Buffer{}), testConfig()).Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Streams, 22)
}

// bufferedTarget holds messages until Flush, like a buffered stdout or an
// asynchronous producer.
type bufferedTarget struct {
	mu        sync.Mutex
	pending   int
	delivered []singer.Message
	queue     []singer.Message
}

func (b *bufferedTarget) Write(ctx context.Context, msg singer.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, msg)
	b.pending++
	return nil
}

func (b *bufferedTarget) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, b.queue...)
	b.queue = nil
	b.pending = 0
	return nil
}

func (b *bufferedTarget) Close(ctx context.Context) error { return b.Flush(ctx) }

func (b *bufferedTarget) unflushed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// strictCheckpointer refuses to save while the target holds unflushed
// messages.
type strictCheckpointer struct {
	state.NoopCheckpointer
	target *bufferedTarget
	saves  int
}

func (c *strictCheckpointer) Save(ctx context.Context, s *state.State) error {
	if n := c.target.unflushed(); n > 0 {
		return fmt.Errorf("checkpoint ahead of target: %d messages unflushed", n)
	}
	c.saves++
	return nil
}

func TestSync_CheckpointFollowsFlush(t *testing.T) {
	api := newFakeAPI(t)
	target := &bufferedTarget{}
	cp := &strictCheckpointer{target: target}
	tp := New(api.client(), target, testConfig(),
		WithCheckpointer(cp),
		WithClock(fixedClock),
	)

	st := state.New()
	require.NoError(t, tp.Sync(context.Background(), catalogOf("channel_basic"), st))
	assert.Equal(t, "2023-01-03T00:00:00Z", st.GetBookmark("channel_basic", "create_time", ""))
	assert.GreaterOrEqual(t, cp.saves, 3)

	var records int
	for _, m := range target.delivered {
		if m.Type == singer.MessageTypeRecord {
			records++
		}
	}
	assert.Equal(t, 1, records)
	assert.Zero(t, target.unflushed())
}

type failingFlushTarget struct {
	bufferedTarget
}

func (f *failingFlushTarget) Flush(ctx context.Context) error {
	return errors.New("2 kafka deliveries failed")
}

func TestSync_FlushErrorStopsCheckpoint(t *testing.T) {
	api := newFakeAPI(t)
	cp := state.NewFilesystemCheckpointer(filepath.Join(t.TempDir(), "state.json"), nil)
	tp := New(api.client(), &failingFlushTarget{}, testConfig(),
		WithCheckpointer(cp),
		WithClock(fixedClock),
	)

	err := tp.Sync(context.Background(), catalogOf("channels"), state.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush target")

	saved, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, saved)
}
