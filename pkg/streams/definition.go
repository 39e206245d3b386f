package streams

import (
	_ "embed"
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"
)

type Kind int

const (
	FullSnapshot Kind = iota
	Incremental
	ReportIncremental
)

func (k Kind) String() string {
	switch k {
	case FullSnapshot:
		return "full_snapshot"
	case Incremental:
		return "incremental"
	case ReportIncremental:
		return "report_incremental"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ReplicationMethod is the Singer name of the kind.
func (k Kind) ReplicationMethod() string {
	if k == FullSnapshot {
		return "FULL_TABLE"
	}
	return "INCREMENTAL"
}

// Fanout describes how a stream derives its request scopes.
type Fanout int

const (
	// FanoutNone issues a single request sequence.
	FanoutNone Fanout = iota
	// FanoutChannelList sends every configured channel in one parameter.
	FanoutChannelList
	// FanoutPerChannel repeats the request sequence once per channel.
	FanoutPerChannel
	// FanoutParent repeats the request sequence once per parent record.
	FanoutParent
)

// Search configures the two-phase id discovery used by streams whose list
// endpoint cannot filter by time: ids are collected from a search endpoint
// in newest-first order, then hydrated in batches from Definition.Path.
type Search struct {
	Path         string
	Endpoint     string
	Params       url.Values
	IDField      []string
	TimeField    []string
	DetailParams url.Values
	BatchSize    int
}

type Definition struct {
	ID              string
	Kind            Kind
	KeyProperties   []string
	ReplicationKeys []string

	// Path is relative to the data API base URL.
	Path     string
	Endpoint string
	DataKey  string
	Params   url.Values

	Fanout       Fanout
	ChannelParam string
	Parent       string
	ParentField  string
	ParentParam  string

	// SinceParam receives the watermark when the endpoint can filter
	// server-side.
	SinceParam string
	Search     *Search

	// report streams
	ReportType string
	Dimensions []string
	Metrics    []string
}

// ReplicationKey returns the first replication key, or "".
func (d Definition) ReplicationKey() string {
	if len(d.ReplicationKeys) == 0 {
		return ""
	}
	return d.ReplicationKeys[0]
}

var dataDefinitions = []Definition{
	{
		ID:            "channels",
		Kind:          FullSnapshot,
		KeyProperties: []string{"id"},
		Path:          "channels",
		Endpoint:      "channels",
		DataKey:       "items",
		Params: url.Values{
			"part":       {"id,contentDetails,snippet,statistics,status"},
			"maxResults": {"50"},
		},
		Fanout:       FanoutChannelList,
		ChannelParam: "id",
	},
	{
		ID:            "playlists",
		Kind:          FullSnapshot,
		KeyProperties: []string{"id"},
		Path:          "playlists",
		Endpoint:      "playlists",
		DataKey:       "items",
		Params: url.Values{
			"part":       {"id,contentDetails,player,snippet,status"},
			"maxResults": {"50"},
		},
		Fanout:       FanoutPerChannel,
		ChannelParam: "channelId",
	},
	{
		ID:              "playlist_items",
		Kind:            Incremental,
		KeyProperties:   []string{"id"},
		ReplicationKeys: []string{"published_at"},
		Path:            "playlistItems",
		Endpoint:        "playlist_items",
		DataKey:         "items",
		Params: url.Values{
			"part":       {"id,contentDetails,snippet,status"},
			"maxResults": {"50"},
		},
		Fanout:      FanoutParent,
		Parent:      "playlists",
		ParentField: "id",
		ParentParam: "playlistId",
	},
	{
		ID:              "videos",
		Kind:            Incremental,
		KeyProperties:   []string{"id"},
		ReplicationKeys: []string{"published_at"},
		Path:            "videos",
		Endpoint:        "videos",
		DataKey:         "items",
		Fanout:          FanoutPerChannel,
		ChannelParam:    "channelId",
		SinceParam:      "publishedAfter",
		Search: &Search{
			Path:     "search",
			Endpoint: "search_videos",
			Params: url.Values{
				"part":       {"id,snippet"},
				"order":      {"date"},
				"type":       {"video"},
				"maxResults": {"50"},
			},
			IDField:   []string{"id", "videoId"},
			TimeField: []string{"snippet", "publishedAt"},
			DetailParams: url.Values{
				"part": {"id,contentDetails,snippet,statistics,status"},
			},
			BatchSize: 50,
		},
	},
}

//go:embed reports.yaml
var reportsYAML []byte

type reportFile struct {
	Reports []struct {
		Stream     string   `yaml:"stream"`
		ReportType string   `yaml:"report_type"`
		Dimensions []string `yaml:"dimensions"`
		Metrics    []string `yaml:"metrics"`
	} `yaml:"reports"`
}

// ParseReportDefinitions decodes report stream definitions from YAML.
func ParseReportDefinitions(data []byte) ([]Definition, error) {
	var f reportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode report definitions: %w", err)
	}
	defs := make([]Definition, 0, len(f.Reports))
	for _, r := range f.Reports {
		if r.Stream == "" || r.ReportType == "" {
			return nil, fmt.Errorf("report definition %q: stream and report_type are required", r.Stream)
		}
		if len(r.Dimensions) == 0 {
			return nil, fmt.Errorf("report definition %q: no dimensions", r.Stream)
		}
		defs = append(defs, Definition{
			ID:              r.Stream,
			Kind:            ReportIncremental,
			KeyProperties:   []string{"dimensions_hash_key", "date"},
			ReplicationKeys: []string{"create_time"},
			Endpoint:        "reports",
			ReportType:      r.ReportType,
			Dimensions:      r.Dimensions,
			Metrics:         r.Metrics,
		})
	}
	return defs, nil
}

// Definitions returns every stream the tap knows, data streams first, in
// the order they are synced.
func Definitions() ([]Definition, error) {
	reports, err := ParseReportDefinitions(reportsYAML)
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(dataDefinitions)+len(reports))
	out = append(out, dataDefinitions...)
	out = append(out, reports...)
	return out, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
