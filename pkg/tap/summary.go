package tap

import "time"

/*
A Summary is the record of one sync run: which streams ran, how many
records each emitted and whether the run completed.
*/

type StreamSummary struct {
	Stream    string        `json:"stream"`
	Records   int           `json:"records"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

type Summary struct {
	RunID     string          `json:"run_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitempty"`
	Streams   []StreamSummary `json:"streams"`
	Records   int             `json:"num_records"`
	Completed bool            `json:"completed"`
	Error     string          `json:"error,omitempty"`
}

func (s Summary) clone() Summary {
	s.Streams = append([]StreamSummary(nil), s.Streams...)
	return s
}
