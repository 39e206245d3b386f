package youtube

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// RowIterator streams the rows of a downloaded report. Next returns io.EOF
// after the last row.
type RowIterator interface {
	Next() (map[string]string, error)
	Close() error
}

type csvRows struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	r      *csv.Reader
	header []string
	row    int
}

func newCSVRows(body io.ReadCloser, cancel context.CancelFunc) *csvRows {
	r := csv.NewReader(body)
	r.ReuseRecord = false
	return &csvRows{body: body, cancel: cancel, r: r}
}

// NewRowIterator reads a header-led CSV document from r.
func NewRowIterator(r io.ReadCloser) RowIterator {
	return newCSVRows(r, func() {})
}

func (c *csvRows) Next() (map[string]string, error) {
	if c.header == nil {
		header, err := c.r.Read()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read report header: %w", err)
		}
		if len(header) > 0 {
			header[0] = strings.TrimPrefix(header[0], "\ufeff")
		}
		c.header = header
	}

	for {
		rec, err := c.r.Read()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read report row %d: %w", c.row+1, err)
		}
		c.row++
		if blank(rec) {
			continue
		}

		out := make(map[string]string, len(c.header))
		for i, name := range c.header {
			out[name] = rec[i]
		}
		return out, nil
	}
}

func blank(rec []string) bool {
	for _, v := range rec {
		if v != "" {
			return false
		}
	}
	return true
}

func (c *csvRows) Close() error {
	err := c.body.Close()
	c.cancel()
	return err
}
