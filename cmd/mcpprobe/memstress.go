package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/gaspardpetit/mcpprobe/internal/config"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/memstress"
	"github.com/gaspardpetit/mcpprobe/internal/metrics"
	"github.com/gaspardpetit/mcpprobe/internal/tracker"
)

func runMemStress(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("mcpprobe memstress", flag.ContinueOnError)
	var cfg config.MemStressConfig
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

	console := tracker.NewConsole(stdout, cfg.NoColor)
	tr := tracker.New(console, metrics.TrackerSink{})
	rep, err := memstress.Run(ctx, cfg, tr)
	if rep != nil {
		printReport(stdout, rep)
	}
	console.Banner(tr.Summary(), tr.Failures())
	if err != nil {
		logx.Log.Error().Err(err).Msg("memory stress run failed")
		return 1
	}
	if !tr.Summary().OK() {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r *memstress.Report) {
	_, _ = fmt.Fprintf(w, "\nIndexing:  avg %.1f MB, peak %.1f MB (%d samples)\n", r.IndexAvg, r.Indexing.Peak, r.Indexing.Count)
	_, _ = fmt.Fprintf(w, "Queries:   %d ok, %d failed, peak %.1f MB\n", r.QueriesOK, r.QueriesFailed, r.Queries.Peak)
	_, _ = fmt.Fprintf(w, "Growth:    %.1f MB (%.1f -> %.1f)\n", r.Growth, r.BeforeQueries, r.AfterQueries)
}
