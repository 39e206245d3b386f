package transform

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed dimensions.yaml
var defaultDimensionLookup []byte

// DimensionLookup maps report dimension codes to readable labels, per
// dimension field. It is read-only once built and safe to share.
type DimensionLookup struct {
	fields map[string]map[string]string
}

// LoadDimensionLookup returns the lookup table shipped with the tap.
func LoadDimensionLookup() (*DimensionLookup, error) {
	return ParseDimensionLookup(defaultDimensionLookup)
}

// ParseDimensionLookup builds a lookup table from a YAML document of the
// form {dimension: {code: label}}.
func ParseDimensionLookup(data []byte) (*DimensionLookup, error) {
	var fields map[string]map[string]string
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse dimension lookup: %w", err)
	}
	if fields == nil {
		fields = map[string]map[string]string{}
	}
	return &DimensionLookup{fields: fields}, nil
}

// Lookup resolves code for the dimension field. known reports whether the
// field has a lookup table at all; found whether the code is in it.
func (d *DimensionLookup) Lookup(field, code string) (label string, known, found bool) {
	if d == nil {
		return "", false, false
	}
	codes, known := d.fields[field]
	if !known {
		return "", false, false
	}
	label, found = codes[code]
	return label, true, found
}

// Fields returns the number of dimension fields with a lookup table.
func (d *DimensionLookup) Fields() int {
	if d == nil {
		return 0
	}
	return len(d.fields)
}
