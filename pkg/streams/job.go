package streams

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

// JobState is the resolution state of a reporting job.
type JobState string

const (
	JobListing  JobState = "listing"
	JobFound    JobState = "found"
	JobCreating JobState = "creating"
	JobReady    JobState = "ready"
	JobFailed   JobState = "failed"
)

type FSM struct {
	mu          sync.Mutex
	Transitions map[JobState]map[JobState]struct{}

	current JobState
	logger  *zap.Logger
}

type FSMOption func(*FSM)

func FSMWithLogger(logger *zap.Logger) FSMOption {
	return func(f *FSM) {
		f.logger = logger
	}
}

func NewFSM(opts ...FSMOption) *FSM {
	f := &FSM{
		current: JobListing,
		logger:  zap.NewNop(),

		Transitions: map[JobState]map[JobState]struct{}{
			JobListing: {
				JobFound:    {},
				JobCreating: {}, // no job for the report type
				JobFailed:   {},
			},
			JobFound: {
				JobReady: {},
			},
			JobCreating: {
				JobReady:  {},
				JobFailed: {},
			},
			JobReady:  {},
			JobFailed: {},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FSM) Current() JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FSM) canTransition(to JobState) bool {
	if _, ok := f.Transitions[f.current][to]; ok {
		return true
	}
	return false
}

func (f *FSM) Transition(to JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.canTransition(to) {
		f.logger.Error("Invalid state transition",
			zap.String("from", string(f.current)),
			zap.String("to", string(to)),
		)
		return ErrInvalidTransition
	}
	previous := f.current
	f.current = to

	f.logger.Debug("Job state transitioned",
		zap.String("state", string(f.current)),
		zap.String("from", string(previous)),
	)
	return nil
}

// JobRegistry remembers the reporting job resolved for each report type
// during one sync, so a report type is created at most once.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]string
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{
		jobs: map[string]string{},
	}
}

func (r *JobRegistry) Get(reportType string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.jobs[reportType]
	return id, ok
}

func (r *JobRegistry) Put(reportType, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[reportType] = jobID
}
