package memstress

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/config"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/metrics"
	"github.com/gaspardpetit/mcpprobe/internal/supervisor"
	"github.com/gaspardpetit/mcpprobe/internal/tracker"
)

// Report holds the memory figures of one stress run, in MiB.
type Report struct {
	WorkDir       string  `json:"work_dir"`
	Indexing      Stats   `json:"indexing"`
	IndexAvg      float64 `json:"indexing_avg_mb"`
	Queries       Stats   `json:"queries"`
	BeforeQueries float64 `json:"before_queries_mb"`
	AfterQueries  float64 `json:"after_queries_mb"`
	Growth        float64 `json:"growth_mb"`
	QueriesOK     int     `json:"queries_ok"`
	QueriesFailed int     `json:"queries_failed"`
}

// Peak is the highest sample seen in either phase.
func (r *Report) Peak() float64 {
	return max(r.Indexing.Peak, r.Queries.Peak)
}

// Run generates the data set, starts the daemon over it, samples its memory
// and records the verdicts on tr.
func Run(ctx context.Context, cfg config.MemStressConfig, tr *tracker.Tracker) (*Report, error) {
	workDir, cleanup, err := prepareWorkDir(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	rep := &Report{WorkDir: workDir}

	tr.Section("memstress: setup")
	dataDir := filepath.Join(workDir, "data")
	logx.Log.Info().Int("files", cfg.Files).Str("dir", dataDir).Msg("generating test files")
	err = Generate(dataDir, cfg.Files, cfg.FilesPerDir, func(done int) {
		logx.Log.Debug().Int("files", done).Msg("generated")
	})
	if !tr.Assertf("generate test files", err == nil, "%v", err) {
		return rep, err
	}
	cfgPath := filepath.Join(workDir, "config.toml")
	err = NewDaemonConfig(dataDir, filepath.Join(workDir, "db"), cfg.Port).WriteFile(cfgPath)
	if !tr.Assertf("write daemon config", err == nil, "%v", err) {
		return rep, err
	}

	spec := supervisor.Spec{
		Command:      cfg.Command,
		Args:         []string{"--config", cfgPath, cfg.DaemonMode},
		Grace:        cfg.StopGrace,
		StartupDelay: cfg.StartupDelay,
	}
	started := false
	err = supervisor.Run(ctx, spec, func(ctx context.Context, p *supervisor.Process) error {
		started = true
		tr.Assert("daemon starts", true, "")
		s, err := NewSampler(p.Pid())
		if err != nil {
			return fmt.Errorf("attach sampler: %w", err)
		}
		return stress(ctx, cfg, cfgPath, p, s, tr, rep)
	})
	if err != nil && !started {
		tr.Assertf("daemon starts", false, "%v", err)
	}
	return rep, err
}

func stress(ctx context.Context, cfg config.MemStressConfig, cfgPath string, p *supervisor.Process, s *Sampler, tr *tracker.Tracker, rep *Report) error {
	tr.Section("memstress: indexing")
	logx.Log.Info().Dur("window", cfg.IndexWindow).Int("pid", p.Pid()).Msg("monitoring indexing")
	watchCtx, cancel := context.WithTimeout(ctx, cfg.IndexWindow)
	go func() {
		select {
		case <-p.Done():
			cancel()
		case <-watchCtx.Done():
		}
	}()
	s.Watch(watchCtx, cfg.SampleInterval, func(rss uint64) {
		metrics.SetTargetRSS(rss)
		rep.Indexing.Add(float64(rss) / mb)
	})
	cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	rep.IndexAvg = rep.Indexing.Avg()
	logx.Log.Info().
		Float64("avg_mb", rep.IndexAvg).
		Float64("peak_mb", rep.Indexing.Peak).
		Int("samples", rep.Indexing.Count).
		Msg("indexing memory")
	if !tr.Assertf("daemon alive after indexing", !p.Exited(), "exit code %d", p.ExitCode()) {
		return nil
	}

	if err := sleep(ctx, cfg.Settle); err != nil {
		return err
	}

	tr.Section("memstress: queries")
	rep.BeforeQueries = s.RSSMB(ctx)
	logx.Log.Info().Int("queries", cfg.Queries).Float64("rss_mb", rep.BeforeQueries).Msg("running queries")
	for i := 0; i < cfg.Queries; i++ {
		if err := runQuery(ctx, cfg, cfgPath); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.QueriesFailed++
			logx.Log.Debug().Err(err).Int("query", i).Msg("query failed")
		} else {
			rep.QueriesOK++
		}
		if (i+1)%cfg.QueryEvery == 0 {
			v := s.RSSMB(ctx)
			rep.Queries.Add(v)
			logx.Log.Info().Int("query", i+1).Float64("rss_mb", v).Msg("query progress")
		}
	}
	rep.AfterQueries = s.RSSMB(ctx)
	rep.Queries.Add(rep.AfterQueries)
	rep.Growth = rep.AfterQueries - rep.BeforeQueries

	tr.Section("memstress: verdict")
	tr.Assertf("daemon alive after queries", !p.Exited(), "exit code %d", p.ExitCode())
	tr.Assertf("peak memory within limit", rep.Peak() <= cfg.PeakLimitMB,
		"peak %.1f MB exceeds %.0f MB", rep.Peak(), cfg.PeakLimitMB)
	tr.Assertf("memory growth within limit", rep.Growth <= cfg.GrowthLimitMB,
		"grew %.1f MB over %d queries (limit %.0f MB)", rep.Growth, cfg.Queries, cfg.GrowthLimitMB)
	if rep.Growth > cfg.ModerateMB && rep.Growth <= cfg.GrowthLimitMB {
		logx.Log.Warn().Float64("growth_mb", rep.Growth).Msg("moderate memory growth during queries")
	}
	return nil
}

func runQuery(ctx context.Context, cfg config.MemStressConfig, cfgPath string) error {
	qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	cmd := exec.CommandContext(qctx, cfg.Command, "--config", cfgPath, cfg.QueryMode, cfg.QueryText)
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) > 0 {
		return fmt.Errorf("%w: %s", err, lastLine(out))
	}
	return err
}

func lastLine(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func prepareWorkDir(cfg config.MemStressConfig) (string, func(), error) {
	if cfg.WorkDir == "" {
		dir, err := os.MkdirTemp("", "mcpprobe-memstress-")
		if err != nil {
			return "", nil, err
		}
		return dir, func() { removeUnlessKept(cfg.Keep, dir) }, nil
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return "", nil, err
	}
	return cfg.WorkDir, func() {
		removeUnlessKept(cfg.Keep, filepath.Join(cfg.WorkDir, "data"))
		removeUnlessKept(cfg.Keep, filepath.Join(cfg.WorkDir, "db"))
	}, nil
}

func removeUnlessKept(keep bool, path string) {
	if keep {
		logx.Log.Info().Str("path", path).Msg("keeping generated data")
		return
	}
	if err := os.RemoveAll(path); err != nil {
		logx.Log.Warn().Err(err).Str("path", path).Msg("cleanup")
	}
}
