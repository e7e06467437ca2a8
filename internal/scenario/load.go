package scenario

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/session"
)

const concurrencyBaseID = 30

// runConcurrency sends every request before reading any reply, then collects
// them by id within one shared window.
func runConcurrency(ctx context.Context, env *Env) error {
	s, tr, cfg := env.Session, env.Tracker, env.Config
	n := cfg.Concurrency.Requests
	pending := make([]*session.Pending, 0, n)
	for i := 0; i < n; i++ {
		args := map[string]any{"query": fmt.Sprintf("concurrent test %d", i), "limit": 1}
		params := map[string]any{"name": "search_context", "arguments": args}
		p, err := s.Send(int64(concurrencyBaseID+i), "tools/call", params)
		if err != nil {
			if env.fatal(err) {
				return err
			}
			logx.Log.Warn().Err(err).Int("id", concurrencyBaseID+i).Msg("send")
			continue
		}
		pending = append(pending, p)
	}

	c, cancel := context.WithTimeout(ctx, cfg.Timeouts.Concurrency)
	defer cancel()
	var received, succeeded int
	var sent, got []int64
	for _, p := range pending {
		sent = append(sent, p.ID())
		resp, err := p.Wait(c)
		if err != nil {
			if env.fatal(err) {
				return err
			}
			continue
		}
		received++
		if id, ok := resp.ID.Int(); ok {
			got = append(got, id)
		}
		if isResult(resp) {
			succeeded++
		}
	}

	need := cfg.Concurrency.Threshold * float64(n)
	tr.Assertf(fmt.Sprintf("Received all %d concurrent responses", n), float64(received) >= need,
		"got %d/%d responses", received, n)
	tr.Assertf("Most concurrent requests succeeded", float64(succeeded) >= need,
		"%d/%d succeeded", succeeded, n)
	tr.Assertf("Concurrent responses match request ids", len(got) == received && subset(got, sent),
		"sent %v, got %v", sent, got)
	return nil
}

func subset(got, sent []int64) bool {
	seen := make(map[int64]bool, len(got))
	for _, id := range got {
		if seen[id] || !slices.Contains(sent, id) {
			return false
		}
		seen[id] = true
	}
	return true
}

// runSoak paces search_context calls at the configured rate for the
// configured duration. Calls overlap; each is awaited on its own deadline.
func runSoak(ctx context.Context, env *Env) error {
	s, tr, cfg := env.Session, env.Tracker, env.Config
	lim := rate.NewLimiter(rate.Limit(cfg.Soak.Rate), 1)
	end := time.Now().Add(cfg.Soak.Duration)

	var (
		wg       sync.WaitGroup
		ok, bad  atomic.Int64
		fatalErr atomic.Pointer[error]
		sent     int
	)
	for time.Now().Before(end) && fatalErr.Load() == nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		params := map[string]any{
			"name":      "search_context",
			"arguments": map[string]any{"query": fmt.Sprintf("soak %d", sent), "limit": 1},
		}
		p, err := s.Send(0, "tools/call", params)
		if err != nil {
			if env.fatal(err) {
				wg.Wait()
				return err
			}
			bad.Add(1)
			sent++
			continue
		}
		sent++
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, cancel := context.WithTimeout(ctx, cfg.Timeouts.Default)
			defer cancel()
			resp, err := p.Wait(c)
			switch {
			case env.fatal(err):
				fatalErr.CompareAndSwap(nil, &err)
			case err == nil && isResult(resp):
				ok.Add(1)
			default:
				bad.Add(1)
			}
		}()
	}
	wg.Wait()
	if p := fatalErr.Load(); p != nil {
		return *p
	}

	ratio := 0.0
	if sent > 0 {
		ratio = float64(ok.Load()) / float64(sent)
	}
	logx.Log.Info().Int("sent", sent).Int64("ok", ok.Load()).Int64("failed", bad.Load()).Msg("soak finished")
	tr.Assertf("Sustained load requests sent", sent > 0, "no requests sent in %s", cfg.Soak.Duration)
	tr.Assertf("Sustained load success ratio", sent > 0 && ratio >= cfg.Soak.Threshold,
		"%.2f < %.2f (%d/%d)", ratio, cfg.Soak.Threshold, ok.Load(), sent)
	return nil
}
