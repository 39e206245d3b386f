package streams

import (
	"context"
	"encoding/json"
	"io"
	"net/url"

	"go.uber.org/zap"
)

const DefaultEmptyPageLimit = 3

// Record is a single decoded API item.
type Record = map[string]any

// Getter issues a JSON GET request.
type Getter interface {
	Get(ctx context.Context, rawURL string, params url.Values, endpoint string) (map[string]any, error)
}

// Paginator walks a token-paginated list endpoint, yielding one item at a
// time. Next returns io.EOF once the sequence ends.
type Paginator struct {
	client   Getter
	rawURL   string
	params   url.Values
	dataKey  string
	endpoint string

	emptyPageLimit int
	logger         *zap.Logger

	buf        []any
	token      string
	page       int
	total      int
	emptyPages int
	done       bool
}

type PaginatorOption func(*Paginator)

func PaginatorWithEmptyPageLimit(n int) PaginatorOption {
	return func(p *Paginator) {
		if n > 0 {
			p.emptyPageLimit = n
		}
	}
}

func PaginatorWithLogger(l *zap.Logger) PaginatorOption {
	return func(p *Paginator) {
		p.logger = l
	}
}

func NewPaginator(client Getter, rawURL string, params url.Values, dataKey, endpoint string, opts ...PaginatorOption) *Paginator {
	p := &Paginator{
		client:         client,
		rawURL:         rawURL,
		params:         cloneValues(params),
		dataKey:        dataKey,
		endpoint:       endpoint,
		emptyPageLimit: DefaultEmptyPageLimit,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pages returns the number of pages fetched so far.
func (p *Paginator) Pages() int {
	return p.page
}

func (p *Paginator) Next(ctx context.Context) (Record, error) {
	for {
		for len(p.buf) > 0 {
			item := p.buf[0]
			p.buf = p.buf[1:]
			rec, ok := item.(map[string]any)
			if !ok {
				if item != nil {
					p.logger.Warn("skipping non-object item",
						zap.String("endpoint", p.endpoint),
						zap.Any("item", item),
					)
				}
				continue
			}
			return rec, nil
		}
		if p.done {
			return nil, io.EOF
		}
		if err := p.fetch(ctx); err != nil {
			return nil, err
		}
	}
}

func (p *Paginator) fetch(ctx context.Context) error {
	params := cloneValues(p.params)
	if p.token != "" {
		params.Set("pageToken", p.token)
	}

	resp, err := p.client.Get(ctx, p.rawURL, params, p.endpoint)
	if err != nil {
		return err
	}
	p.page++
	if len(resp) == 0 {
		p.logger.Info("no data returned",
			zap.String("endpoint", p.endpoint),
			zap.Int("page", p.page),
		)
		p.done = true
		return nil
	}

	items, _ := resp[p.dataKey].([]any)
	from := p.total + 1
	p.total += len(items)

	fields := []zap.Field{
		zap.String("endpoint", p.endpoint),
		zap.Int("page", p.page),
		zap.Int("from", from),
		zap.Int("to", p.total),
	}
	if info, ok := resp["pageInfo"].(map[string]any); ok {
		if n, ok := info["totalResults"].(json.Number); ok {
			if total, err := n.Int64(); err == nil {
				fields = append(fields, zap.Int64("total_results", total))
			}
		}
	}
	p.logger.Info("fetched page", fields...)

	if len(items) == 0 {
		p.emptyPages++
		if p.emptyPages >= p.emptyPageLimit {
			p.logger.Warn("stopping pagination after consecutive empty pages",
				zap.String("endpoint", p.endpoint),
				zap.Int("empty_pages", p.emptyPages),
			)
			p.done = true
			return nil
		}
	} else {
		p.emptyPages = 0
	}
	p.buf = items

	token, _ := resp["nextPageToken"].(string)
	if token == "" {
		p.done = true
	}
	p.token = token
	return nil
}
