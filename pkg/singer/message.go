// Package singer implements the message, catalog and target side of the
// Singer extractor protocol.
package singer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

type MessageType string

const (
	MessageTypeSchema MessageType = "SCHEMA"
	MessageTypeRecord MessageType = "RECORD"
	MessageTypeState  MessageType = "STATE"
)

type Message struct {
	Type               MessageType    `json:"type"`
	Stream             string         `json:"stream,omitempty"`
	Schema             map[string]any `json:"schema,omitempty"`
	KeyProperties      []string       `json:"key_properties,omitempty"`
	BookmarkProperties []string       `json:"bookmark_properties,omitempty"`
	Record             map[string]any `json:"record,omitempty"`
	TimeExtracted      *time.Time     `json:"time_extracted,omitempty"`
	Value              any            `json:"value,omitempty"`
}

func SchemaMessage(stream string, schema map[string]any, keys, bookmarks []string) Message {
	if keys == nil {
		keys = []string{}
	}
	return Message{
		Type:               MessageTypeSchema,
		Stream:             stream,
		Schema:             schema,
		KeyProperties:      keys,
		BookmarkProperties: bookmarks,
	}
}

func RecordMessage(stream string, record map[string]any, extracted time.Time) Message {
	ts := extracted.UTC()
	return Message{
		Type:          MessageTypeRecord,
		Stream:        stream,
		Record:        record,
		TimeExtracted: &ts,
	}
}

func StateMessage(value any) Message {
	return Message{
		Type:  MessageTypeState,
		Value: value,
	}
}

// Target receives the messages produced by a sync.
type Target interface {
	Write(ctx context.Context, msg Message) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// StreamTarget writes one JSON message per line, the way Singer taps write
// to stdout.
type StreamTarget struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewStreamTarget(w io.Writer) *StreamTarget {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &StreamTarget{w: w, enc: enc}
}

func (t *StreamTarget) Write(ctx context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

func (t *StreamTarget) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (t *StreamTarget) Close(ctx context.Context) error {
	return t.Flush(ctx)
}
