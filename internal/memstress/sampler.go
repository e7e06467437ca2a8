package memstress

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const mb = 1024 * 1024

// Sampler reads the resident set size of one process.
type Sampler struct {
	proc *process.Process
}

// NewSampler attaches to pid.
func NewSampler(pid int) (*Sampler, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: p}, nil
}

// RSS returns the current resident set size in bytes.
func (s *Sampler) RSS(ctx context.Context) (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// RSSMB returns the current resident set size in MiB, or 0 when the process
// cannot be read.
func (s *Sampler) RSSMB(ctx context.Context) float64 {
	b, err := s.RSS(ctx)
	if err != nil {
		return 0
	}
	return float64(b) / mb
}

// Watch samples every interval until ctx ends, calling fn with each reading
// that succeeded.
func (s *Sampler) Watch(ctx context.Context, interval time.Duration, fn func(rss uint64)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if b, err := s.RSS(ctx); err == nil {
			fn(b)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stats summarizes a series of samples in MiB.
type Stats struct {
	Count int     `json:"count"`
	Peak  float64 `json:"peak_mb"`
	sum   float64
}

// Add records one sample. Zero readings are ignored.
func (s *Stats) Add(v float64) {
	if v <= 0 {
		return
	}
	s.Count++
	s.sum += v
	if v > s.Peak {
		s.Peak = v
	}
}

// Avg returns the mean sample.
func (s *Stats) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.sum / float64(s.Count)
}
