// Package streams is the stream-sync engine: it pages through the YouTube
// APIs, shapes records, emits them to a Singer target and advances the
// per-stream bookmarks.
package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/pkg/metrics"
	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/state"
	"github.com/turbolytics/tap-youtube-analytics/pkg/transform"
	"github.com/turbolytics/tap-youtube-analytics/pkg/youtube"
)

const DefaultAttributionDays = 7

var (
	// ErrIntegrity marks records that break the stream contract: a missing
	// key property, replication key or report dimension.
	ErrIntegrity = errors.New("integrity violation")
	ErrTarget    = errors.New("target write failed")
)

// Client is the API collaborator the engine pages through.
type Client interface {
	Getter
	Post(ctx context.Context, rawURL string, body any, endpoint string) (map[string]any, error)
	GetReport(ctx context.Context, rawURL string, endpoint string) (youtube.RowIterator, error)
	DataURL() string
	ReportingURL() string
}

// SyncContext carries everything one sync run shares between streams.
type SyncContext struct {
	Client      Client
	State       *state.State
	Target      singer.Target
	Transformer *Transformer
	Lookup      *transform.DimensionLookup
	Jobs        *JobRegistry
	Logger      *zap.Logger
	Metrics     *metrics.Metrics

	Channels        []string
	StartDate       time.Time
	EndDate         time.Time
	AttributionDays int
	EmptyPageLimit  int
	Now             func() time.Time

	// Persist is called after every bookmark write.
	Persist func(ctx context.Context) error
}

func (sc *SyncContext) now() time.Time {
	if sc.Now != nil {
		return sc.Now().UTC()
	}
	return time.Now().UTC()
}

func (sc *SyncContext) logger() *zap.Logger {
	if sc.Logger == nil {
		return zap.NewNop()
	}
	return sc.Logger
}

func (sc *SyncContext) attribution() time.Duration {
	days := sc.AttributionDays
	if days <= 0 {
		days = DefaultAttributionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (sc *SyncContext) transformer() *Transformer {
	if sc.Transformer == nil {
		sc.Transformer = NewTransformer()
	}
	return sc.Transformer
}

func (sc *SyncContext) jobs() *JobRegistry {
	if sc.Jobs == nil {
		sc.Jobs = NewJobRegistry()
	}
	return sc.Jobs
}

func (sc *SyncContext) persist(ctx context.Context) error {
	if sc.Persist == nil {
		return nil
	}
	return sc.Persist(ctx)
}

func (sc *SyncContext) paginator(rawURL string, params url.Values, dataKey, endpoint string, logger *zap.Logger) *Paginator {
	return NewPaginator(sc.Client, rawURL, params, dataKey, endpoint,
		PaginatorWithEmptyPageLimit(sc.EmptyPageLimit),
		PaginatorWithLogger(logger),
	)
}

type source interface {
	Next(ctx context.Context) (Record, error)
}

// session is the incremental cursor of one stream for one sync. The
// watermark stays fixed while max tracks the newest replication value seen.
type session struct {
	watermark time.Time
	max       time.Time
	maxRaw    string
}

func (ss *session) observe(t time.Time, raw string) {
	if t.After(ss.max) {
		ss.max = t
		ss.maxRaw = raw
	}
}

type Stream struct {
	Def    Definition
	Entry  *singer.CatalogEntry
	Schema map[string]any

	parent   *Stream
	children []*Stream
	session  *session
	emitted  int
}

// New builds a stream from its definition. The catalog entry's schema wins
// over the built-in one when present.
func New(def Definition, entry *singer.CatalogEntry) (*Stream, error) {
	s := &Stream{Def: def, Entry: entry}
	if entry != nil && len(entry.Schema) > 0 {
		s.Schema = entry.Schema
		return s, nil
	}
	schema, err := SchemaFor(def)
	if err != nil {
		return nil, err
	}
	s.Schema = schema
	return s, nil
}

func (s *Stream) ID() string {
	return s.Def.ID
}

func (s *Stream) IsSelected() bool {
	return s.Entry.IsSelected()
}

func (s *Stream) AddChild(c *Stream) {
	c.parent = s
	s.children = append(s.children, c)
}

func (s *Stream) Children() []*Stream {
	return s.children
}

func (s *Stream) Parent() *Stream {
	return s.parent
}

// Emitted returns the number of records written by the stream so far.
func (s *Stream) Emitted() int {
	return s.emitted
}

func (s *Stream) WriteSchema(ctx context.Context, target singer.Target) error {
	msg := singer.SchemaMessage(s.ID(), s.Schema, s.Def.KeyProperties, s.Def.ReplicationKeys)
	if err := target.Write(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTarget, err)
	}
	return nil
}

// Sync runs the stream's strategy once. A nil parent marks a top-level
// invocation: when it returns, the bookmarks of the stream and all of its
// descendants are written.
func (s *Stream) Sync(ctx context.Context, sc *SyncContext, parent Record) (int, error) {
	var (
		n   int
		err error
	)
	switch s.Def.Kind {
	case FullSnapshot:
		n, err = s.syncFull(ctx, sc, parent)
	case Incremental:
		n, err = s.syncIncremental(ctx, sc, parent)
	case ReportIncremental:
		n, err = s.syncReport(ctx, sc)
	default:
		err = fmt.Errorf("unknown stream kind %s", s.Def.Kind)
	}
	if err != nil {
		if parent == nil {
			s.abandon()
		}
		return n, fmt.Errorf("stream %q: %w", s.ID(), err)
	}
	if parent == nil {
		if err := s.commit(ctx, sc); err != nil {
			return n, fmt.Errorf("stream %q: %w", s.ID(), err)
		}
	}
	return n, nil
}

func (s *Stream) commit(ctx context.Context, sc *SyncContext) error {
	for _, c := range s.children {
		if err := c.commit(ctx, sc); err != nil {
			return err
		}
	}
	sess := s.session
	if sess == nil {
		return nil
	}
	s.session = nil

	stored, err := sc.State.WriteBookmark(s.ID(), s.Def.ReplicationKey(), sess.maxRaw)
	if err != nil {
		return err
	}
	if t, err := transform.ParseTimestamp(stored); err == nil {
		sc.Metrics.Bookmark(s.ID(), t)
	}
	sc.logger().Info("bookmark written",
		zap.String("stream", s.ID()),
		zap.String("key", s.Def.ReplicationKey()),
		zap.String("value", stored),
	)
	return sc.persist(ctx)
}

// abandon drops the open sessions without writing their bookmarks.
func (s *Stream) abandon() {
	for _, c := range s.children {
		c.abandon()
	}
	s.session = nil
}

// begin opens the stream's session, reading the stored watermark once.
func (s *Stream) begin(sc *SyncContext) *session {
	if s.session != nil {
		return s.session
	}
	start := sc.StartDate.UTC()
	raw := sc.State.GetBookmark(s.ID(), s.Def.ReplicationKey(), start.Format(time.RFC3339))
	t, err := transform.ParseTimestamp(raw)
	if err != nil {
		t = sc.now().Add(-sc.attribution())
		sc.logger().Warn("unparsable bookmark, falling back to the attribution window",
			zap.String("stream", s.ID()),
			zap.String("bookmark", raw),
			zap.Time("fallback", t),
		)
		raw = transform.FormatTimestamp(t)
	}
	sess := &session{watermark: t, max: t, maxRaw: raw}
	if start.After(t) {
		sess.watermark = start
	}
	s.session = sess
	return sess
}

func (s *Stream) dataURL(sc *SyncContext, path string) string {
	return strings.TrimRight(sc.Client.DataURL(), "/") + "/" + path
}

// scopes returns the scope-specific request parameters, one entry per
// request sequence.
func (s *Stream) scopes(sc *SyncContext, parent Record) ([]url.Values, error) {
	switch s.Def.Fanout {
	case FanoutChannelList:
		if len(sc.Channels) == 0 {
			return nil, nil
		}
		return []url.Values{{s.Def.ChannelParam: {strings.Join(sc.Channels, ",")}}}, nil
	case FanoutPerChannel:
		out := make([]url.Values, 0, len(sc.Channels))
		for _, ch := range sc.Channels {
			out = append(out, url.Values{s.Def.ChannelParam: {ch}})
		}
		return out, nil
	case FanoutParent:
		if parent == nil {
			return nil, fmt.Errorf("stream requires a %q parent record", s.Def.Parent)
		}
		v, _ := parent[s.Def.ParentField].(string)
		if v == "" {
			return nil, fmt.Errorf("%w: parent record has no %q", ErrIntegrity, s.Def.ParentField)
		}
		return []url.Values{{s.Def.ParentParam: {v}}}, nil
	}
	return []url.Values{{}}, nil
}

func merge(base, extra url.Values) url.Values {
	out := cloneValues(base)
	for k, vs := range extra {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func (s *Stream) prepare(raw Record) (Record, error) {
	rec := transform.DataRecord(raw)
	transform.NormalizeDates(rec)
	for _, k := range s.Def.KeyProperties {
		if v, ok := rec[k]; !ok || v == nil || v == "" {
			return nil, fmt.Errorf("%w: record has no key property %q", ErrIntegrity, k)
		}
	}
	return rec, nil
}

func (s *Stream) replicationValue(rec Record) (time.Time, string, error) {
	key := s.Def.ReplicationKey()
	raw, _ := rec[key].(string)
	if raw == "" {
		return time.Time{}, "", fmt.Errorf("%w: record %v has no replication key %q", ErrIntegrity, rec["id"], key)
	}
	t, err := transform.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: replication key %q: %v", ErrIntegrity, key, err)
	}
	return t, raw, nil
}

func (s *Stream) emit(ctx context.Context, sc *SyncContext, rec Record) error {
	if !s.IsSelected() {
		return nil
	}
	out, err := sc.transformer().Apply(s, rec)
	if err != nil {
		return err
	}
	if err := sc.Target.Write(ctx, singer.RecordMessage(s.ID(), out, sc.now())); err != nil {
		return fmt.Errorf("%w: %w", ErrTarget, err)
	}
	s.emitted++
	sc.Metrics.RecordEmitted(s.ID())
	return nil
}

func (s *Stream) emittedSince(before int) int {
	return s.emitted - before
}

func (s *Stream) syncChildren(ctx context.Context, sc *SyncContext, rec Record) error {
	for _, c := range s.children {
		if _, err := c.Sync(ctx, sc, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) syncFull(ctx context.Context, sc *SyncContext, parent Record) (int, error) {
	logger := sc.logger().With(zap.String("stream", s.ID()))
	scopes, err := s.scopes(sc, parent)
	if err != nil {
		return 0, err
	}
	before := s.emitted
	for _, scope := range scopes {
		p := sc.paginator(s.dataURL(sc, s.Def.Path), merge(s.Def.Params, scope), s.Def.DataKey, s.Def.Endpoint, logger)
		for {
			raw, err := p.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return s.emittedSince(before), err
			}
			rec, err := s.prepare(raw)
			if err != nil {
				return s.emittedSince(before), err
			}
			if err := s.emit(ctx, sc, rec); err != nil {
				return s.emittedSince(before), err
			}
			if err := s.syncChildren(ctx, sc, rec); err != nil {
				return s.emittedSince(before), err
			}
		}
	}
	return s.emittedSince(before), nil
}

func (s *Stream) syncIncremental(ctx context.Context, sc *SyncContext, parent Record) (int, error) {
	logger := sc.logger().With(zap.String("stream", s.ID()))
	sess := s.begin(sc)
	scopes, err := s.scopes(sc, parent)
	if err != nil {
		return 0, err
	}

	before := s.emitted
	for _, scope := range scopes {
		var src source
		if s.Def.Search != nil {
			src = &searchSource{stream: s, sc: sc, scope: scope, watermark: sess.watermark, logger: logger}
		} else {
			params := merge(s.Def.Params, scope)
			if s.Def.SinceParam != "" {
				params.Set(s.Def.SinceParam, sess.watermark.Format(time.RFC3339))
			}
			src = sc.paginator(s.dataURL(sc, s.Def.Path), params, s.Def.DataKey, s.Def.Endpoint, logger)
		}

		for {
			raw, err := src.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return s.emittedSince(before), err
			}
			rec, err := s.prepare(raw)
			if err != nil {
				return s.emittedSince(before), err
			}
			ts, tsRaw, err := s.replicationValue(rec)
			if err != nil {
				return s.emittedSince(before), err
			}
			if ts.Before(sess.watermark) {
				logger.Debug("stopping at record older than the bookmark",
					zap.Any("id", rec["id"]),
					zap.String("replication_value", tsRaw),
				)
				break
			}
			if err := s.emit(ctx, sc, rec); err != nil {
				return s.emittedSince(before), err
			}
			sess.observe(ts, tsRaw)
			if err := s.syncChildren(ctx, sc, rec); err != nil {
				return s.emittedSince(before), err
			}
		}
	}
	return s.emittedSince(before), nil
}

// searchSource discovers ids through the search endpoint, newest first,
// then hydrates them in batches.
type searchSource struct {
	stream    *Stream
	sc        *SyncContext
	scope     url.Values
	watermark time.Time
	logger    *zap.Logger

	collected bool
	ids       []string
	next      int
	current   *Paginator
}

func (src *searchSource) Next(ctx context.Context) (Record, error) {
	if !src.collected {
		if err := src.collect(ctx); err != nil {
			return nil, err
		}
		src.collected = true
	}
	search := src.stream.Def.Search
	for {
		if src.current != nil {
			rec, err := src.current.Next(ctx)
			if err == io.EOF {
				src.current = nil
				continue
			}
			return rec, err
		}
		if src.next >= len(src.ids) {
			return nil, io.EOF
		}
		size := search.BatchSize
		if size <= 0 {
			size = 50
		}
		end := min(src.next+size, len(src.ids))
		params := cloneValues(search.DetailParams)
		params.Set("id", strings.Join(src.ids[src.next:end], ","))
		src.next = end

		def := src.stream.Def
		src.current = src.sc.paginator(src.stream.dataURL(src.sc, def.Path), params, def.DataKey, def.Endpoint, src.logger)
	}
}

func (src *searchSource) collect(ctx context.Context) error {
	def := src.stream.Def
	search := def.Search
	params := merge(search.Params, src.scope)
	if def.SinceParam != "" {
		params.Set(def.SinceParam, src.watermark.Format(time.RFC3339))
	}

	p := src.sc.paginator(src.stream.dataURL(src.sc, search.Path), params, def.DataKey, search.Endpoint, src.logger)
	seen := map[string]struct{}{}
	for {
		item, err := p.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		id, _ := lookupPath(item, search.IDField).(string)
		published, _ := lookupPath(item, search.TimeField).(string)
		if id == "" || published == "" {
			continue
		}
		t, err := transform.ParseTimestamp(published)
		if err != nil {
			src.logger.Warn("skipping search result with unparsable time",
				zap.String("id", id),
				zap.String("value", published),
			)
			continue
		}
		if t.Before(src.watermark) {
			break
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		src.ids = append(src.ids, id)
	}
	src.logger.Debug("collected ids from search",
		zap.Any("scope", src.scope),
		zap.Int("ids", len(src.ids)),
	)
	return nil
}

func lookupPath(rec map[string]any, path []string) any {
	var cur any = rec
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}
