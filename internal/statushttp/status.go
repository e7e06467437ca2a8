// Package statushttp exposes the progress of a run over HTTP.
package statushttp

import (
	"sync"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/tracker"
)

// Snapshot is the /status document.
type Snapshot struct {
	RunID     string           `json:"run_id"`
	Label     string           `json:"label,omitempty"`
	State     string           `json:"state"`
	Group     string           `json:"group,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Summary   tracker.Summary  `json:"summary"`
	Failures  []tracker.Record `json:"failures,omitempty"`
	TargetPID int              `json:"target_pid,omitempty"`
	TargetRSS uint64           `json:"target_rss_bytes,omitempty"`
}

// Status tracks the live state of one run.
type Status struct {
	mu      sync.RWMutex
	tr      *tracker.Tracker
	runID   string
	label   string
	state   string
	group   string
	started time.Time
	pid     int
	rss     uint64
}

// NewStatus returns a status in the "starting" state.
func NewStatus(runID, label string, tr *tracker.Tracker) *Status {
	return &Status{tr: tr, runID: runID, label: label, state: "starting", started: time.Now()}
}

// Attach sets the tracker whose summary is reported. The tracker usually
// takes the status as a sink, so it is created second.
func (s *Status) Attach(tr *tracker.Tracker) {
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
}

func (s *Status) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Status) SetTarget(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

func (s *Status) SetRSS(b uint64) {
	s.mu.Lock()
	s.rss = b
	s.mu.Unlock()
}

// Section implements tracker.Sink so the current group follows the run.
func (s *Status) Section(name string) {
	s.mu.Lock()
	s.group = name
	s.mu.Unlock()
}

// Record implements tracker.Sink.
func (s *Status) Record(tracker.Record) {}

// Snapshot copies the current state.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		RunID:     s.runID,
		Label:     s.label,
		State:     s.state,
		Group:     s.group,
		StartedAt: s.started,
		TargetPID: s.pid,
		TargetRSS: s.rss,
	}
	tr := s.tr
	s.mu.RUnlock()
	if tr != nil {
		snap.Summary = tr.Summary()
		snap.Failures = tr.Failures()
	}
	return snap
}
