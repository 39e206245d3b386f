package transform

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"go.uber.org/zap"
)

// ReportMeta is the provenance of a report row: the artifact it was
// downloaded from.
type ReportMeta struct {
	ID           string
	ReportTypeID string
	Name         string
	CreateTime   string
}

// DataRecord normalizes a data API resource: keys are decamelized and
// snippet.published_at is lifted to the top level.
func DataRecord(record map[string]any) map[string]any {
	out, _ := Decamelize(record).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}

	var publishedAt any
	if snippet, ok := out["snippet"].(map[string]any); ok {
		publishedAt = snippet["published_at"]
	}
	out["published_at"] = publishedAt
	return out
}

// ReportRecord builds the output record for one CSV row of a report artifact.
// Dimension codes are replaced by their labels, the provenance fields are
// added and dimensions_hash_key is computed over the raw dimension values.
func ReportRecord(row map[string]string, dimensions []string, meta ReportMeta, lookup *DimensionLookup, logger *zap.Logger) map[string]any {
	if logger == nil {
		logger = zap.NewNop()
	}

	isDim := make(map[string]struct{}, len(dimensions))
	for _, d := range dimensions {
		isDim[d] = struct{}{}
	}

	out := make(map[string]any, len(row)+5)
	dims := make(map[string]string, len(dimensions))
	for key, val := range row {
		if _, ok := isDim[key]; ok {
			dims[key] = val
		}

		label, known, found := lookup.Lookup(key, val)
		switch {
		case !known:
			out[key] = val
		case !found:
			logger.Warn("dimension lookup value not found",
				zap.String("key", key),
				zap.String("value", val),
			)
			out[key] = val
		default:
			out[key] = label
		}
	}

	out["report_id"] = meta.ID
	out["report_type_id"] = meta.ReportTypeID
	out["report_name"] = meta.Name
	out["create_time"] = meta.CreateTime
	out["dimensions_hash_key"] = DimensionsHash(dims)
	return out
}

// DimensionsHash returns the hex MD5 of the quoted, sorted-key JSON encoding
// of dims. The encoding is byte-compatible with keys already stored by
// earlier loads of this connector, so it must not change.
func DimensionsHash(dims map[string]string) string {
	sum := md5.Sum([]byte(quote(canonicalJSON(dims))))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON encodes dims with sorted keys, ", " and ": " separators and
// all non-ASCII escaped.
func canonicalJSON(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeJSONString(&b, k)
		b.WriteString(": ")
		writeJSONString(&b, dims[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				b.WriteRune(r)
			case r > 0xffff:
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}

// quote wraps an ASCII string in single quotes, escaping backslashes and
// single quotes.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
