package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/turbolytics/tap-youtube-analytics/pkg/transform"
)

// State is the bookmark document exchanged with the orchestrator:
//
//	{"currently_syncing": "videos", "bookmarks": {"videos": {"published_at": "..."}}}
//
// Bookmarks persisted by older versions as {"videos": "<timestamp>"} are
// accepted and rewritten to the nested form the first time the stream reads
// or writes its bookmark.
type State struct {
	mu sync.RWMutex

	currentlySyncing string
	bookmarks        map[string]map[string]string
	legacy           map[string]string
}

func New() *State {
	return &State{
		bookmarks: map[string]map[string]string{},
		legacy:    map[string]string{},
	}
}

type document struct {
	CurrentlySyncing *string                    `json:"currently_syncing,omitempty"`
	Bookmarks        map[string]json.RawMessage `json:"bookmarks"`
}

// Parse decodes a bookmark document. An empty or null document yields an
// empty state.
func Parse(data []byte) (*State, error) {
	s := New()
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bookmarks = map[string]map[string]string{}
	s.legacy = map[string]string{}
	s.currentlySyncing = ""
	if doc.CurrentlySyncing != nil {
		s.currentlySyncing = *doc.CurrentlySyncing
	}

	for stream, raw := range doc.Bookmarks {
		if string(raw) == "null" {
			continue
		}
		var flat string
		if err := json.Unmarshal(raw, &flat); err == nil {
			s.legacy[stream] = flat
			continue
		}

		var nested map[string]any
		if err := json.Unmarshal(raw, &nested); err != nil {
			return fmt.Errorf("decode bookmark for stream %q: %w", stream, err)
		}
		keys := make(map[string]string, len(nested))
		for k, v := range nested {
			switch t := v.(type) {
			case string:
				keys[k] = t
			case nil:
			default:
				keys[k] = fmt.Sprint(t)
			}
		}
		s.bookmarks[stream] = keys
	}
	return nil
}

func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bookmarks := make(map[string]any, len(s.bookmarks)+len(s.legacy))
	for stream, v := range s.legacy {
		bookmarks[stream] = v
	}
	for stream, keys := range s.bookmarks {
		cp := make(map[string]string, len(keys))
		for k, v := range keys {
			cp[k] = v
		}
		bookmarks[stream] = cp
	}

	out := map[string]any{"bookmarks": bookmarks}
	if s.currentlySyncing != "" {
		out["currently_syncing"] = s.currentlySyncing
	}
	return json.Marshal(out)
}

// migrate moves a legacy flat bookmark under key. Callers hold the write lock.
func (s *State) migrate(stream, key string) {
	v, ok := s.legacy[stream]
	if !ok {
		return
	}
	delete(s.legacy, stream)
	if _, exists := s.bookmarks[stream]; !exists {
		s.bookmarks[stream] = map[string]string{}
	}
	if _, exists := s.bookmarks[stream][key]; !exists {
		s.bookmarks[stream][key] = v
	}
}

// GetBookmark returns the bookmark value of stream under key, or def if none
// is stored.
func (s *State) GetBookmark(stream, key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.migrate(stream, key)
	if v, ok := s.bookmarks[stream][key]; ok && v != "" {
		return v
	}
	return def
}

// WriteBookmark merges value into the bookmark of stream under key, keeping
// whichever timestamp is later. It returns the value stored after the merge.
// A stored value that cannot be parsed is replaced.
func (s *State) WriteBookmark(stream, key, value string) (string, error) {
	next, err := transform.ParseTimestamp(value)
	if err != nil {
		return "", fmt.Errorf("write bookmark for stream %q: %w", stream, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.migrate(stream, key)
	if _, ok := s.bookmarks[stream]; !ok {
		s.bookmarks[stream] = map[string]string{}
	}

	if current, ok := s.bookmarks[stream][key]; ok {
		if prev, err := transform.ParseTimestamp(current); err == nil && !next.After(prev) {
			return current, nil
		}
	}
	s.bookmarks[stream][key] = value
	return value, nil
}


func (s *State) CurrentlySyncing() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentlySyncing
}

// SetCurrentlySyncing records the stream being synced; an empty stream
// clears the marker.
func (s *State) SetCurrentlySyncing(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentlySyncing = stream
}

// Snapshot returns a deep copy of the document suitable for serialization
// while syncing continues.
func (s *State) Snapshot() map[string]any {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
