package tap

import (
	"context"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/streams"
)

var reportVersion = regexp.MustCompile(`_a\d+$`)

// Discover builds the catalog of every stream the account can sync. Report
// streams are limited to the report types the API lists; when the listing
// fails every report stream is included.
func (t *Tap) Discover(ctx context.Context) (*singer.Catalog, error) {
	defs, err := streams.Definitions()
	if err != nil {
		return nil, err
	}

	available, err := t.reportTypes(ctx)
	if err != nil {
		t.logger.Warn("could not list report types, including every report stream", zap.Error(err))
		available = nil
	}

	cat := &singer.Catalog{}
	for _, def := range defs {
		if def.Kind == streams.ReportIncremental && available != nil {
			if _, ok := available[def.ID]; !ok {
				t.logger.Debug("report type not available", zap.String("stream", def.ID))
				continue
			}
		}
		schema, err := streams.SchemaFor(def)
		if err != nil {
			return nil, err
		}
		md := singer.StandardMetadata(schema, def.KeyProperties, def.ReplicationKeys, def.Kind.ReplicationMethod())
		if def.Kind == streams.ReportIncremental {
			automatic(md, def.Dimensions)
		}
		cat.Streams = append(cat.Streams, &singer.CatalogEntry{
			Stream:        def.ID,
			TapStreamID:   def.ID,
			KeyProperties: def.KeyProperties,
			Schema:        schema,
			Metadata:      md,
		})
	}
	return cat, nil
}

// automatic marks report dimensions as always emitted.
func automatic(md singer.Metadata, fields []string) {
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}
	for _, e := range md {
		if len(e.Breadcrumb) != 2 || e.Breadcrumb[0] != "properties" {
			continue
		}
		if _, ok := want[e.Breadcrumb[1]]; ok {
			e.Metadata["inclusion"] = "automatic"
		}
	}
}

// reportTypes returns the available report types keyed by stream name.
func (t *Tap) reportTypes(ctx context.Context) (map[string]struct{}, error) {
	url := strings.TrimRight(t.client.ReportingURL(), "/") + "/reportTypes"
	p := streams.NewPaginator(t.client, url, nil, "reportTypes", "report_types",
		streams.PaginatorWithLogger(t.logger),
		streams.PaginatorWithEmptyPageLimit(t.cfg.EmptyPageLimit),
	)
	out := map[string]struct{}{}
	for {
		rt, err := p.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		id, _ := rt["id"].(string)
		if id == "" {
			continue
		}
		out[reportVersion.ReplaceAllString(id, "")] = struct{}{}
	}
}
