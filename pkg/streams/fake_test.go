package streams

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/state"
	"github.com/turbolytics/tap-youtube-analytics/pkg/youtube"
)

const (
	testDataURL      = "https://data.test/youtube/v3"
	testReportingURL = "https://reporting.test/v1"
)

type request struct {
	path   string
	params url.Values
	body   any
}

// fakeClient routes requests by path relative to the API base URLs.
type fakeClient struct {
	mu     sync.Mutex
	get    func(path string, params url.Values) (map[string]any, error)
	post   func(path string, body any) (map[string]any, error)
	report func(rawURL string) (youtube.RowIterator, error)

	gets      []request
	posts     []request
	downloads []string
}

func relative(rawURL string) string {
	for _, base := range []string{testDataURL, testReportingURL} {
		if strings.HasPrefix(rawURL, base+"/") {
			return strings.TrimPrefix(rawURL, base+"/")
		}
	}
	return rawURL
}

func (f *fakeClient) Get(ctx context.Context, rawURL string, params url.Values, endpoint string) (map[string]any, error) {
	path := relative(rawURL)
	f.mu.Lock()
	f.gets = append(f.gets, request{path: path, params: cloneValues(params)})
	f.mu.Unlock()
	if f.get == nil {
		return nil, nil
	}
	return f.get(path, params)
}

func (f *fakeClient) Post(ctx context.Context, rawURL string, body any, endpoint string) (map[string]any, error) {
	path := relative(rawURL)
	f.mu.Lock()
	f.posts = append(f.posts, request{path: path, body: body})
	f.mu.Unlock()
	if f.post == nil {
		return nil, fmt.Errorf("unexpected POST %s", path)
	}
	return f.post(path, body)
}

func (f *fakeClient) GetReport(ctx context.Context, rawURL string, endpoint string) (youtube.RowIterator, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, rawURL)
	f.mu.Unlock()
	if f.report == nil {
		return nil, fmt.Errorf("unexpected download %s", rawURL)
	}
	return f.report(rawURL)
}

func (f *fakeClient) DataURL() string      { return testDataURL }
func (f *fakeClient) ReportingURL() string { return testReportingURL }

func (f *fakeClient) getsTo(path string) []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []request
	for _, r := range f.gets {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func csvReport(body string) youtube.RowIterator {
	return youtube.NewRowIterator(io.NopCloser(strings.NewReader(body)))
}

type memTarget struct {
	mu       sync.Mutex
	messages []singer.Message
}

func (t *memTarget) Write(ctx context.Context, msg singer.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
	return nil
}

func (t *memTarget) Flush(ctx context.Context) error { return nil }
func (t *memTarget) Close(ctx context.Context) error { return nil }

func (t *memTarget) records(stream string) []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []map[string]any
	for _, m := range t.messages {
		if m.Type == singer.MessageTypeRecord && m.Stream == stream {
			out = append(out, m.Record)
		}
	}
	return out
}

func page(token string, items ...any) map[string]any {
	resp := map[string]any{"items": items}
	if token != "" {
		resp["nextPageToken"] = token
	}
	return resp
}

func item(id, published string) map[string]any {
	return map[string]any{
		"id":      id,
		"snippet": map[string]any{"publishedAt": published},
	}
}

func selectedEntry(id string) *singer.CatalogEntry {
	return &singer.CatalogEntry{
		Stream:      id,
		TapStreamID: id,
		Metadata: singer.Metadata{
			{Breadcrumb: []string{}, Metadata: map[string]any{"selected": true}},
		},
	}
}

func unselectedEntry(id string) *singer.CatalogEntry {
	return &singer.CatalogEntry{Stream: id, TapStreamID: id}
}

func definition(t interface{ Fatalf(string, ...any) }, id string) Definition {
	defs, err := Definitions()
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	for _, d := range defs {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("no definition %q", id)
	return Definition{}
}

func mustTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		panic(err)
	}
	return t
}

func newSyncContext(client *fakeClient, st *state.State, target *memTarget) *SyncContext {
	return &SyncContext{
		Client:    client,
		State:     st,
		Target:    target,
		Channels:  []string{"chan"},
		StartDate: mustTime("2023-01-01T00:00:00Z"),
		Now:       func() time.Time { return mustTime("2023-01-05T00:00:00Z") },
	}
}
