// Package tap orchestrates a sync: it picks the selected streams from the
// catalog, runs them in order and persists state between them.
package tap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/pkg/metrics"
	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/state"
	"github.com/turbolytics/tap-youtube-analytics/pkg/streams"
	"github.com/turbolytics/tap-youtube-analytics/pkg/transform"
)

type Config struct {
	Channels        []string
	StartDate       time.Time
	EndDate         time.Time
	AttributionDays int
	EmptyPageLimit  int
}

type Tap struct {
	client       streams.Client
	target       singer.Target
	cfg          Config
	checkpointer state.Checkpointer
	transformer  *streams.Transformer
	lookup       *transform.DimensionLookup
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu      sync.RWMutex
	state   *state.State
	summary Summary
}

type Option func(*Tap)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tap) {
		t.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tap) {
		t.metrics = m
	}
}

func WithCheckpointer(c state.Checkpointer) Option {
	return func(t *Tap) {
		t.checkpointer = c
	}
}

func WithTransformer(tr *streams.Transformer) Option {
	return func(t *Tap) {
		t.transformer = tr
	}
}

func WithLookup(l *transform.DimensionLookup) Option {
	return func(t *Tap) {
		t.lookup = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tap) {
		t.now = now
	}
}

func New(client streams.Client, target singer.Target, cfg Config, opts ...Option) *Tap {
	t := &Tap{
		client:       client,
		target:       target,
		cfg:          cfg,
		checkpointer: &state.NoopCheckpointer{},
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.transformer == nil {
		t.transformer = streams.NewTransformer(streams.TransformerWithLogger(t.logger))
	}
	return t
}

// Summary returns a copy of the current or last run summary.
func (t *Tap) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary.clone()
}

// State returns the bookmark document of the current or last run, or nil
// before the first sync.
func (t *Tap) State() map[string]any {
	t.mu.RLock()
	st := t.state
	t.mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.Snapshot()
}

func (t *Tap) persist(ctx context.Context, st *state.State) error {
	if err := t.target.Write(ctx, singer.StateMessage(st.Snapshot())); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	// the checkpoint must not get ahead of what the target has taken
	if err := t.target.Flush(ctx); err != nil {
		return fmt.Errorf("flush target: %w", err)
	}
	if err := t.checkpointer.Save(ctx, st); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// plan builds the stream trees to run, in registry order and rotated so the
// interrupted stream, if any, runs first. Parents of selected children are
// included even when unselected.
func (t *Tap) plan(cat *singer.Catalog, currentlySyncing string) ([]*streams.Stream, error) {
	defs, err := streams.Definitions()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]streams.Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	for _, e := range cat.Selected() {
		if _, ok := byID[e.TapStreamID]; !ok {
			t.logger.Warn("ignoring unknown selected stream", zap.String("stream", e.TapStreamID))
		}
	}

	nodes := map[string]*streams.Stream{}
	node := func(id string) (*streams.Stream, error) {
		if s, ok := nodes[id]; ok {
			return s, nil
		}
		def, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown stream %q", id)
		}
		s, err := streams.New(def, cat.Get(id))
		if err != nil {
			return nil, err
		}
		nodes[id] = s
		return s, nil
	}

	for _, def := range defs {
		if !cat.Get(def.ID).IsSelected() {
			continue
		}
		s, err := node(def.ID)
		if err != nil {
			return nil, err
		}
		if def.Parent != "" {
			p, err := node(def.Parent)
			if err != nil {
				return nil, err
			}
			p.AddChild(s)
		}
	}

	var roots []*streams.Stream
	for _, def := range defs {
		if s, ok := nodes[def.ID]; ok && def.Parent == "" {
			roots = append(roots, s)
		}
	}
	for i, s := range roots {
		if s.ID() == currentlySyncing {
			rotated := append([]*streams.Stream{}, roots[i:]...)
			roots = append(rotated, roots[:i]...)
			break
		}
	}
	return roots, nil
}

func walk(s *streams.Stream, fn func(*streams.Stream) error) error {
	if err := fn(s); err != nil {
		return err
	}
	for _, c := range s.Children() {
		if err := walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Sync runs every selected stream of the catalog against st. A fatal error
// stops the run; bookmarks of streams that completed stay saved.
func (t *Tap) Sync(ctx context.Context, cat *singer.Catalog, st *state.State) error {
	t.mu.Lock()
	t.state = st
	t.summary = Summary{RunID: uuid.New().String(), StartTime: t.now().UTC()}
	t.mu.Unlock()

	err := t.sync(ctx, cat, st)

	t.mu.Lock()
	t.summary.EndTime = t.now().UTC()
	if err != nil {
		t.summary.Error = err.Error()
	} else {
		t.summary.Completed = true
	}
	t.mu.Unlock()
	return err
}

func (t *Tap) sync(ctx context.Context, cat *singer.Catalog, st *state.State) error {
	roots, err := t.plan(cat, st.CurrentlySyncing())
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		t.logger.Warn("no streams selected")
	}

	sc := &streams.SyncContext{
		Client:          t.client,
		State:           st,
		Target:          t.target,
		Transformer:     t.transformer,
		Lookup:          t.lookup,
		Jobs:            streams.NewJobRegistry(),
		Logger:          t.logger,
		Metrics:         t.metrics,
		Channels:        t.cfg.Channels,
		StartDate:       t.cfg.StartDate,
		EndDate:         t.cfg.EndDate,
		AttributionDays: t.cfg.AttributionDays,
		EmptyPageLimit:  t.cfg.EmptyPageLimit,
		Now:             t.now,
		Persist: func(ctx context.Context) error {
			return t.persist(ctx, st)
		},
	}

	for _, root := range roots {
		if err := t.syncRoot(ctx, sc, st, root); err != nil {
			return err
		}
	}

	st.SetCurrentlySyncing("")
	if err := t.persist(ctx, st); err != nil {
		return err
	}
	return t.target.Flush(ctx)
}

func (t *Tap) syncRoot(ctx context.Context, sc *streams.SyncContext, st *state.State, root *streams.Stream) error {
	logger := t.logger.With(zap.String("stream", root.ID()))
	st.SetCurrentlySyncing(root.ID())
	if err := t.persist(ctx, st); err != nil {
		return err
	}

	before := map[string]int{}
	err := walk(root, func(s *streams.Stream) error {
		before[s.ID()] = s.Emitted()
		if !s.IsSelected() {
			return nil
		}
		return s.WriteSchema(ctx, t.target)
	})
	if err != nil {
		return err
	}

	logger.Info("syncing stream")
	start := t.now()
	_, syncErr := root.Sync(ctx, sc, nil)
	elapsed := t.now().Sub(start)

	t.mu.Lock()
	_ = walk(root, func(s *streams.Stream) error {
		if !s.IsSelected() {
			return nil
		}
		n := s.Emitted() - before[s.ID()]
		summary := StreamSummary{
			Stream:    s.ID(),
			Records:   n,
			StartTime: start.UTC(),
			Duration:  elapsed,
		}
		if syncErr != nil {
			summary.Error = syncErr.Error()
		}
		t.summary.Streams = append(t.summary.Streams, summary)
		t.summary.Records += n
		t.metrics.StreamSynced(s.ID(), elapsed)
		return nil
	})
	t.mu.Unlock()

	if syncErr != nil {
		logger.Error("stream failed", zap.Error(syncErr))
		return syncErr
	}
	logger.Info("stream synced",
		zap.Int("records", root.Emitted()-before[root.ID()]),
		zap.Duration("duration", elapsed),
	)

	st.SetCurrentlySyncing("")
	return t.persist(ctx, st)
}
