// Command mcpprobe-fake is a small stdio MCP server with search_context and
// get_status tools, used to exercise the harness without a real target.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/mcpprobe/internal/fakeserver"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

func main() {
	framing := flag.String("framing", "line", "wire framing (line or header)")
	delay := flag.Duration("delay", 0, "delay added to every tool call")
	logLevel := flag.String("log-level", "warn", "log verbosity")
	flag.Parse()
	logx.Configure(*logLevel)

	f, err := wire.ParseFraming(*framing)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("framing")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logx.Log.Info().Str("framing", string(f)).Msg("fake target serving on stdio")
	if err := fakeserver.Serve(ctx, f, os.Stdin, os.Stdout, fakeserver.Options{Delay: *delay}); err != nil && ctx.Err() == nil {
		logx.Log.Error().Err(err).Msg("serve")
		stop()
		os.Exit(1)
	}
}
