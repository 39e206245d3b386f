package streams

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func drain(t *testing.T, p *Paginator) []string {
	t.Helper()
	var ids []string
	for {
		rec, err := p.Next(context.Background())
		if err == io.EOF {
			return ids
		}
		require.NoError(t, err)
		ids = append(ids, rec["id"].(string))
	}
}

func TestPaginator_FollowsTokens(t *testing.T) {
	client := &fakeClient{
		get: func(path string, params url.Values) (map[string]any, error) {
			switch params.Get("pageToken") {
			case "":
				return page("t1", map[string]any{"id": "a"}, nil, map[string]any{"id": "b"}), nil
			case "t1":
				return page("", map[string]any{"id": "c"}), nil
			}
			return nil, errors.New("unexpected token")
		},
	}

	p := NewPaginator(client, testDataURL+"/things", url.Values{"part": {"id"}}, "items", "things")
	assert.Equal(t, []string{"a", "b", "c"}, drain(t, p))
	assert.Equal(t, 2, p.Pages())

	gets := client.getsTo("things")
	require.Len(t, gets, 2)
	assert.Equal(t, "id", gets[0].params.Get("part"))
	assert.False(t, gets[0].params.Has("pageToken"))
	assert.Equal(t, "t1", gets[1].params.Get("pageToken"))
}

func TestPaginator_LogsPageProgress(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	client := &fakeClient{
		get: func(path string, params url.Values) (map[string]any, error) {
			if params.Get("pageToken") == "" {
				return page("t1", map[string]any{"id": "a"}, map[string]any{"id": "b"}), nil
			}
			return page("", map[string]any{"id": "c"}), nil
		},
	}

	p := NewPaginator(client, testDataURL+"/things", nil, "items", "things",
		PaginatorWithLogger(zap.New(core)),
	)
	drain(t, p)

	entries := logs.FilterMessage("fetched page").AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, map[string]any{"endpoint": "things", "page": int64(1), "from": int64(1), "to": int64(2)}, entries[0].ContextMap())
	assert.Equal(t, int64(3), entries[1].ContextMap()["from"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["to"])
}

func TestPaginator_EmptyPageLimit(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := &fakeClient{
		get: func(path string, params url.Values) (map[string]any, error) {
			return page("again"), nil
		},
	}

	p := NewPaginator(client, testDataURL+"/things", nil, "items", "things",
		PaginatorWithEmptyPageLimit(3),
		PaginatorWithLogger(zap.New(core)),
	)
	assert.Empty(t, drain(t, p))
	assert.Len(t, client.getsTo("things"), 3)
	assert.Equal(t, 1, logs.FilterMessage("stopping pagination after consecutive empty pages").Len())
}

func TestPaginator_EmptyCounterResetsOnData(t *testing.T) {
	responses := []map[string]any{
		page("1"),
		page("2"),
		page("3", map[string]any{"id": "a"}),
		page("4"),
		page("5"),
		page("", map[string]any{"id": "b"}),
	}
	calls := 0
	client := &fakeClient{
		get: func(path string, params url.Values) (map[string]any, error) {
			resp := responses[calls]
			calls++
			return resp, nil
		},
	}

	p := NewPaginator(client, testDataURL+"/things", nil, "items", "things")
	assert.Equal(t, []string{"a", "b"}, drain(t, p))
	assert.Equal(t, 6, calls)
}

func TestPaginator_EmptyBodyTerminates(t *testing.T) {
	for name, resp := range map[string]map[string]any{
		"nil":   nil,
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{
				get: func(path string, params url.Values) (map[string]any, error) {
					return resp, nil
				},
			}
			p := NewPaginator(client, testDataURL+"/things", nil, "items", "things")
			assert.Empty(t, drain(t, p))
			assert.Len(t, client.getsTo("things"), 1)
		})
	}
}

func TestPaginator_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	client := &fakeClient{
		get: func(path string, params url.Values) (map[string]any, error) {
			return nil, boom
		},
	}
	p := NewPaginator(client, testDataURL+"/things", nil, "items", "things")
	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}
