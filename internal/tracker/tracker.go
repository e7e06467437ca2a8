// Package tracker records named pass/fail assertions for a run.
package tracker

import (
	"fmt"
	"sync"
	"time"
)

// Record is one scored assertion.
type Record struct {
	Name    string    `json:"name"`
	Section string    `json:"section,omitempty"`
	Passed  bool      `json:"passed"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Summary counts the records.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// OK reports whether nothing failed.
func (s Summary) OK() bool { return s.Failed == 0 }

// Sink is notified as soon as something is recorded.
type Sink interface {
	Section(name string)
	Record(r Record)
}

// Tracker accumulates records. Reads are safe while a run is writing.
type Tracker struct {
	mu      sync.RWMutex
	records []Record
	section string
	sinks   []Sink
}

// New returns a tracker that reports to the given sinks.
func New(sinks ...Sink) *Tracker {
	t := &Tracker{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

// Section announces the start of a group of assertions.
func (t *Tracker) Section(name string) {
	t.mu.Lock()
	t.section = name
	t.mu.Unlock()
	for _, s := range t.sinks {
		s.Section(name)
	}
}

// Assert records cond under name and returns cond.
func (t *Tracker) Assert(name string, cond bool, detail string) bool {
	t.mu.Lock()
	r := Record{Name: name, Section: t.section, Passed: cond, Detail: detail, At: time.Now()}
	t.records = append(t.records, r)
	t.mu.Unlock()
	for _, s := range t.sinks {
		s.Record(r)
	}
	return cond
}

// Assertf is Assert with a formatted detail. The detail is only formatted
// when the assertion fails.
func (t *Tracker) Assertf(name string, cond bool, format string, args ...any) bool {
	detail := ""
	if !cond {
		detail = fmt.Sprintf(format, args...)
	}
	return t.Assert(name, cond, detail)
}

// Summary counts the records so far.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Summary{Total: len(t.records)}
	for _, r := range t.records {
		if r.Passed {
			s.Passed++
		}
	}
	s.Failed = s.Total - s.Passed
	return s
}

// Records returns a copy of every record in order.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.records...)
}

// Failures returns the failed records in order.
func (t *Tracker) Failures() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, r := range t.records {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
