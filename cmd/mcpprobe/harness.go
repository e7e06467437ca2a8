package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/mcpprobe/internal/config"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/memstress"
	"github.com/gaspardpetit/mcpprobe/internal/metrics"
	"github.com/gaspardpetit/mcpprobe/internal/results"
	"github.com/gaspardpetit/mcpprobe/internal/scenario"
	"github.com/gaspardpetit/mcpprobe/internal/session"
	"github.com/gaspardpetit/mcpprobe/internal/statushttp"
	"github.com/gaspardpetit/mcpprobe/internal/supervisor"
	"github.com/gaspardpetit/mcpprobe/internal/tracker"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

func runHarness(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("mcpprobe run", flag.ContinueOnError)
	var cfg config.HarnessConfig
	if err := config.Load(fs, &cfg, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logx.Log.Error().Err(err).Msg("load config")
		return 1
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Error().Err(err).Msg("invalid config")
		return 1
	}
	framing, err := wire.ParseFraming(cfg.Framing)
	if err != nil {
		logx.Log.Error().Err(err).Msg("invalid config")
		return 1
	}
	groups, err := scenario.Lookup(cfg.EnabledGroups())
	if err != nil {
		logx.Log.Error().Err(err).Msg("invalid config")
		return 1
	}

	runID := results.NewRunID()
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	console := tracker.NewConsole(stdout, cfg.NoColor)
	st := statushttp.NewStatus(runID, cfg.RunLabel, nil)
	tr := tracker.New(console, metrics.TrackerSink{}, st)
	st.Attach(tr)

	if cfg.StatusAddr != "" {
		h := statushttp.New(st, statushttp.Options{AllowedOrigins: cfg.CORSOrigins, Gatherer: reg})
		if _, err := statushttp.Start(ctx, cfg.StatusAddr, h); err != nil {
			logx.Log.Error().Err(err).Str("addr", cfg.StatusAddr).Msg("status server")
			return 1
		}
	}
	var store *results.Store
	if cfg.RedisURL != "" {
		store, err = results.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("run history disabled")
		} else {
			defer func() { _ = store.Close() }()
		}
	}

	rec := results.Run{
		ID:        runID,
		Label:     cfg.RunLabel,
		Command:   cfg.Target.Command,
		Framing:   string(framing),
		Groups:    cfg.EnabledGroups(),
		StartedAt: time.Now().UTC(),
	}
	logx.Log.Info().Str("run", runID).Str("command", cfg.Target.Command).Str("framing", string(framing)).Strs("groups", rec.Groups).Msg("starting run")
	st.SetState("running")

	spec := targetSpec(cfg)
	started := false
	runErr := supervisor.Run(ctx, spec, func(ctx context.Context, p *supervisor.Process) error {
		started = true
		st.SetTarget(p.Pid())
		if cfg.SampleMemory {
			go sampleRSS(ctx, p.Pid(), cfg.SampleInterval, st)
		}
		s := openSession(p, framing, cfg)
		defer func() { _ = s.Close() }()
		env := &scenario.Env{
			Session: s,
			Tracker: tr,
			Config:  &cfg,
			Launch:  launcher(spec, framing, cfg),
		}
		return scenario.Run(ctx, env, groups)
	})
	if runErr != nil && !started {
		tr.Section("Startup")
		tr.Assertf("Target starts", false, "%v", runErr)
	}

	sum := tr.Summary()
	console.Banner(sum, tr.Failures())
	rec.FinishedAt = time.Now().UTC()
	rec.Summary = sum
	rec.Records = tr.Records()
	if runErr != nil {
		rec.Error = runErr.Error()
		logx.Log.Error().Err(runErr).Msg("run failed")
	}
	if rec.Passed() {
		st.SetState("passed")
	} else {
		st.SetState("failed")
	}
	if store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := store.Save(saveCtx, rec); err != nil {
			logx.Log.Warn().Err(err).Msg("save run")
		}
		cancel()
	}
	if !rec.Passed() {
		return 1
	}
	return 0
}

func targetSpec(cfg config.HarnessConfig) supervisor.Spec {
	return supervisor.Spec{
		Command:      cfg.Target.Command,
		Args:         cfg.Target.Argv(),
		Env:          cfg.Target.Env,
		Dir:          cfg.Target.Dir,
		Grace:        cfg.Timeouts.Stop,
		StartupDelay: cfg.Target.StartupDelay,
	}
}

func openSession(p *supervisor.Process, f wire.Framing, cfg config.HarnessConfig) *session.Session {
	rd := wire.NewReader(p.Stdout, f, wire.WithMaxFrame(cfg.MaxFrame), wire.WithExit(p.Done()))
	return session.New(p.Stdin, rd, f, session.WithObserver(metrics.SessionObserver{}))
}

// launcher starts extra targets for the lifecycle group.
func launcher(spec supervisor.Spec, f wire.Framing, cfg config.HarnessConfig) scenario.LaunchFunc {
	return func(ctx context.Context) (*session.Session, scenario.Target, error) {
		p, err := supervisor.Start(ctx, spec)
		if err != nil {
			if p != nil {
				return nil, p, err
			}
			return nil, nil, err
		}
		return openSession(p, f, cfg), p, nil
	}
}

func sampleRSS(ctx context.Context, pid int, interval time.Duration, st *statushttp.Status) {
	s, err := memstress.NewSampler(pid)
	if err != nil {
		logx.Log.Warn().Err(err).Int("pid", pid).Msg("memory sampling disabled")
		return
	}
	s.Watch(ctx, interval, func(rss uint64) {
		metrics.SetTargetRSS(rss)
		st.SetRSS(rss)
	})
}
