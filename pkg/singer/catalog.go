package singer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

type Catalog struct {
	Streams []*CatalogEntry `json:"streams"`
}

type CatalogEntry struct {
	Stream        string         `json:"stream"`
	TapStreamID   string         `json:"tap_stream_id"`
	KeyProperties []string       `json:"key_properties"`
	Schema        map[string]any `json:"schema"`
	Metadata      Metadata       `json:"metadata"`
}

type MetadataEntry struct {
	Breadcrumb []string       `json:"breadcrumb"`
	Metadata   map[string]any `json:"metadata"`
}

// Metadata is the breadcrumb-addressed metadata list of a catalog entry. The
// empty breadcrumb addresses the stream, ["properties", name] a field.
type Metadata []MetadataEntry

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &c, nil
}

// Get returns the entry with the given tap_stream_id, or nil.
func (c *Catalog) Get(id string) *CatalogEntry {
	if c == nil {
		return nil
	}
	for _, e := range c.Streams {
		if e.TapStreamID == id {
			return e
		}
	}
	return nil
}

func (c *Catalog) Selected() []*CatalogEntry {
	if c == nil {
		return nil
	}
	var out []*CatalogEntry
	for _, e := range c.Streams {
		if e.IsSelected() {
			out = append(out, e)
		}
	}
	return out
}

func (m Metadata) Get(breadcrumb []string, key string) (any, bool) {
	for _, e := range m {
		if equalBreadcrumb(e.Breadcrumb, breadcrumb) {
			v, ok := e.Metadata[key]
			return v, ok
		}
	}
	return nil, false
}

func (m Metadata) flag(breadcrumb []string, key string) (value, ok bool) {
	v, found := m.Get(breadcrumb, key)
	if !found {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

func equalBreadcrumb(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsSelected reports whether the stream is selected for output.
func (e *CatalogEntry) IsSelected() bool {
	if e == nil {
		return false
	}
	selected, _ := e.Metadata.flag(nil, "selected")
	return selected
}

// FieldSelected reports whether a top-level field should be emitted:
// automatic fields always are, unsupported never, and the rest follow
// "selected", falling back to "selected-by-default".
func (e *CatalogEntry) FieldSelected(field string) bool {
	bc := []string{"properties", field}
	if inc, ok := e.Metadata.Get(bc, "inclusion"); ok {
		switch inc {
		case "automatic":
			return true
		case "unsupported":
			return false
		}
	}
	if selected, ok := e.Metadata.flag(bc, "selected"); ok {
		return selected
	}
	if def, ok := e.Metadata.flag(bc, "selected-by-default"); ok {
		return def
	}
	// fields absent from the metadata follow the stream
	return true
}

// StandardMetadata builds the metadata for a discovered stream. Key
// properties and replication keys are automatic, other fields available.
func StandardMetadata(schema map[string]any, keys []string, replicationKeys []string, method string) Metadata {
	automatic := map[string]struct{}{}
	for _, k := range keys {
		automatic[k] = struct{}{}
	}
	for _, k := range replicationKeys {
		automatic[k] = struct{}{}
	}

	stream := map[string]any{
		"table-key-properties":      keys,
		"forced-replication-method": method,
		"selected":                  false,
	}
	if len(replicationKeys) > 0 {
		stream["valid-replication-keys"] = replicationKeys
	}
	md := Metadata{{Breadcrumb: []string{}, Metadata: stream}}

	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inclusion := "available"
		if _, ok := automatic[name]; ok {
			inclusion = "automatic"
		}
		md = append(md, MetadataEntry{
			Breadcrumb: []string{"properties", name},
			Metadata:   map[string]any{"inclusion": inclusion},
		})
	}
	return md
}
