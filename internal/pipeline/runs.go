package pipeline

import (
	"sync"
	"time"
)

// RunState is the lifecycle of one pipeline run.
type RunState string

const (
	RunQueued   RunState = "queued"
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
)

// Trigger says what started a run.
type Trigger string

const (
	TriggerUpload    Trigger = "upload"
	TriggerReprocess Trigger = "reprocess"
	TriggerResume    Trigger = "resume"
	TriggerInbox     Trigger = "inbox"
)

// Run tracks one pipeline execution for a document.
type Run struct {
	mu sync.Mutex

	DocumentID string
	Trigger    Trigger
	State      RunState

	PagesTotal  int
	PagesDone   int
	PagesFailed int
	Error       string

	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunSnapshot is a read-only, JSON-safe copy of run state.
type RunSnapshot struct {
	DocumentID  string     `json:"documentId"`
	Trigger     Trigger    `json:"trigger"`
	State       RunState   `json:"state"`
	PagesTotal  int        `json:"pagesTotal"`
	PagesDone   int        `json:"pagesDone"`
	PagesFailed int        `json:"pagesFailed"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

func (r *Run) start(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = RunRunning
	r.StartedAt = time.Now()
	r.PagesTotal = total
}

func (r *Run) pageFinished(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.PagesDone++
	} else {
		r.PagesFailed++
	}
}

func (r *Run) finish(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = RunFinished
	r.Error = reason
	r.FinishedAt = time.Now()
}

// Snapshot returns a JSON-safe copy of the run state.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RunSnapshot{
		DocumentID:  r.DocumentID,
		Trigger:     r.Trigger,
		State:       r.State,
		PagesTotal:  r.PagesTotal,
		PagesDone:   r.PagesDone,
		PagesFailed: r.PagesFailed,
		Error:       r.Error,
		QueuedAt:    r.QueuedAt,
	}
	if !r.StartedAt.IsZero() {
		t := r.StartedAt
		s.StartedAt = &t
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

func (r *Run) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State != RunFinished
}

// RunRegistry holds the latest run per document. An unfinished run is the
// document's busy token; finished runs are kept for ttl.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*Run
	ttl  time.Duration
}

func NewRunRegistry(ttl time.Duration) *RunRegistry {
	return &RunRegistry{
		runs: make(map[string]*Run),
		ttl:  ttl,
	}
}

// Acquire registers a new queued run for docID, or fails with ErrBusy when
// one is still queued or running.
func (s *RunRegistry) Acquire(docID string, trigger Trigger) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[docID]; ok && prev.active() {
		return nil, ErrBusy
	}
	r := &Run{
		DocumentID: docID,
		Trigger:    trigger,
		State:      RunQueued,
		QueuedAt:   time.Now(),
	}
	s.runs[docID] = r
	return r, nil
}

// Release finishes r. It is safe to call more than once.
func (s *RunRegistry) Release(r *Run, reason string) {
	if r.active() {
		r.finish(reason)
	}
}

// Get returns the latest run for docID, or nil.
func (s *RunRegistry) Get(docID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[docID]
}

// Active counts queued and running runs.
func (s *RunRegistry) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.active() {
			n++
		}
	}
	return n
}

// Cleanup removes finished runs older than the ttl.
func (s *RunRegistry) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, r := range s.runs {
		r.mu.Lock()
		expired := r.State == RunFinished && now.Sub(r.FinishedAt) > s.ttl
		r.mu.Unlock()
		if expired {
			delete(s.runs, id)
		}
	}
}
