package streams

import (
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaFor returns the JSON schema of a stream. Report schemas are derived
// from the report's dimensions and metrics.
func SchemaFor(def Definition) (map[string]any, error) {
	if def.Kind == ReportIncremental {
		return reportSchema(def), nil
	}
	data, err := schemaFS.ReadFile("schemas/" + def.ID + ".json")
	if err != nil {
		return nil, fmt.Errorf("schema for %q: %w", def.ID, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("decode schema for %q: %w", def.ID, err)
	}
	return schema, nil
}

func nullable(typ string) map[string]any {
	return map[string]any{"type": []any{"null", typ}}
}

func reportSchema(def Definition) map[string]any {
	props := map[string]any{}
	for _, d := range def.Dimensions {
		props[d] = nullable("string")
	}
	for _, m := range def.Metrics {
		props[m] = nullable("number")
	}
	props["dimensions_hash_key"] = nullable("string")
	props["report_id"] = nullable("string")
	props["report_type_id"] = nullable("string")
	props["report_name"] = nullable("string")
	createTime := nullable("string")
	createTime["format"] = "date-time"
	props["create_time"] = createTime

	return map[string]any{
		"type":       []any{"null", "object"},
		"properties": props,
	}
}

// Transformer shapes records to their stream's schema and catalog
// selection before they are written.
type Transformer struct {
	validate bool
	logger   *zap.Logger

	mu       sync.Mutex
	compiled map[string]*gojsonschema.Schema
}

type TransformerOption func(*Transformer)

// TransformerWithValidation turns on JSON schema validation of every
// record.
func TransformerWithValidation(enabled bool) TransformerOption {
	return func(t *Transformer) {
		t.validate = enabled
	}
}

func TransformerWithLogger(l *zap.Logger) TransformerOption {
	return func(t *Transformer) {
		t.logger = l
	}
}

func NewTransformer(opts ...TransformerOption) *Transformer {
	t := &Transformer{
		logger:   zap.NewNop(),
		compiled: map[string]*gojsonschema.Schema{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply drops unselected fields, coerces string values to the declared
// scalar types and, if enabled, validates the result.
func (t *Transformer) Apply(s *Stream, rec Record) (Record, error) {
	props, _ := s.Schema["properties"].(map[string]any)
	out := make(Record, len(rec))
	for k, v := range rec {
		if s.Entry != nil && !s.Entry.FieldSelected(k) {
			continue
		}
		if p, ok := props[k].(map[string]any); ok {
			coerced, err := coerce(v, p)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", ErrIntegrity, k, err)
			}
			v = coerced
		}
		out[k] = v
	}

	if !t.validate {
		return out, nil
	}
	schema, err := t.schema(s)
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(out))
	if err != nil {
		return nil, fmt.Errorf("validate record: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, fmt.Errorf("%w: record does not match schema: %s", ErrIntegrity, strings.Join(msgs, "; "))
	}
	return out, nil
}

func (t *Transformer) schema(s *Stream) (*gojsonschema.Schema, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.compiled[s.ID()]; ok {
		return c, nil
	}
	c, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.Schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", s.ID(), err)
	}
	t.compiled[s.ID()] = c
	return c, nil
}

func schemaTypes(prop map[string]any) map[string]bool {
	out := map[string]bool{}
	switch v := prop["type"].(type) {
	case string:
		out[v] = true
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range v {
			out[s] = true
		}
	}
	return out
}

// coerce converts a string value to the scalar type its schema declares.
// Non-string values and string-typed fields pass through.
func coerce(v any, prop map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	types := schemaTypes(prop)
	if len(types) == 0 || types["string"] {
		return v, nil
	}
	if s == "" && types["null"] {
		return nil, nil
	}
	if types["integer"] || types["number"] {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	if types["number"] {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, nil
			}
			return f, nil
		}
	}
	if types["boolean"] {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %q", s)
}
