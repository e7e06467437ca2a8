package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"

	"github.com/gaspardpetit/mcpprobe/internal/config"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/mcpcheck"
)

func runCheck(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("mcpprobe check", flag.ContinueOnError)
	var cfg config.CheckConfig
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
	res, err := mcpcheck.Configure(cfg).Check(ctx)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if err != nil {
		logx.Log.Error().Err(err).Int("attempts", res.Attempts).Msg("target unhealthy")
		return 1
	}
	logx.Log.Info().Str("server", res.ServerName).Str("protocol", res.ProtocolVersion).Int("tools", len(res.Tools)).Msg("target healthy")
	return 0
}
