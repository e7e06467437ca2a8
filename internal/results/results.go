// Package results keeps a history of harness runs in Redis.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/mcpprobe/internal/tracker"
)

const (
	keyPrefix  = "mcpprobe:run:"
	indexKey   = "mcpprobe:runs"
	defaultCap = 100
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run is the stored outcome of one harness invocation.
type Run struct {
	ID         string           `json:"id"`
	Label      string           `json:"label,omitempty"`
	Command    string           `json:"command"`
	Framing    string           `json:"framing"`
	Groups     []string         `json:"groups"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Summary    tracker.Summary  `json:"summary"`
	Records    []tracker.Record `json:"records"`
	Error      string           `json:"error,omitempty"`
}

// Passed reports whether the run had no failures and no lifecycle error.
func (r Run) Passed() bool { return r.Error == "" && r.Summary.OK() }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Store saves runs to Redis.
type Store struct {
	client redis.UniversalClient
	keep   int
}

// NewRedisStore connects to the given Redis URL.
func NewRedisStore(ctx context.Context, addr string) (*Store, error) {
	opts, err := clientOptions(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: c, keep: defaultCap}, nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.client.Close() }

// Save stores the run and records it at the head of the history list, which
// is trimmed to the most recent entries.
func (s *Store) Save(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyPrefix+run.ID, b, 0)
		p.LPush(ctx, indexKey, run.ID)
		p.LTrim(ctx, indexKey, 0, int64(s.keep-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Load fetches one run.
func (s *Store) Load(ctx context.Context, id string) (Run, error) {
	b, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	var run Run
	if err := json.Unmarshal(b, &run); err != nil {
		return Run{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, nil
}

// Recent returns up to n runs, newest first. Runs whose payload expired are
// skipped.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, indexKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
