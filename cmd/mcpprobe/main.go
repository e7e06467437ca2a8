package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gaspardpetit/mcpprobe/internal/logx"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const usage = `usage: mcpprobe [command] [flags]

commands:
  run        drive a stdio MCP target through the conformance plan (default)
  check      start the target, initialize and list its tools
  memstress  measure target memory while indexing and serving queries
  version    print version information

Run "mcpprobe <command> -h" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit status.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return runHarness(ctx, args, stdout)
	case "check":
		return runCheck(ctx, args, stdout)
	case "memstress":
		return runMemStress(ctx, args, stdout)
	case "version":
		_, _ = fmt.Fprintf(stdout, "mcpprobe version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return 0
	case "help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	default:
		logx.Log.Error().Str("command", cmd).Msg("unknown command")
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 1
	}
}
