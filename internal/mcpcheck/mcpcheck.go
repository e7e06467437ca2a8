// Package mcpcheck is a preflight for a stdio MCP target: it starts the
// target with the mcp-go client, initializes and lists tools, retrying with
// capped jittered backoff.
package mcpcheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcpprobe/internal/config"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/session"
)

// Result captures the outcome of a check.
type Result struct {
	Healthy         bool     `json:"healthy"`
	Attempts        int      `json:"attempts"`
	ServerName      string   `json:"server_name,omitempty"`
	ServerVersion   string   `json:"server_version,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
}

// Checker checks one stdio target.
type Checker struct {
	cmd        string
	args       []string
	env        []string
	timeout    time.Duration
	attempts   int
	base       time.Duration
	maxBackoff time.Duration

	sleep func(context.Context, time.Duration) error
}

// Configure creates a Checker from the check settings.
func Configure(cfg config.CheckConfig) *Checker {
	c := &Checker{
		cmd:        cfg.Target.Command,
		args:       cfg.Target.Argv(),
		env:        cfg.Target.Env,
		timeout:    cfg.Timeout,
		attempts:   cfg.Attempts,
		base:       cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		sleep:      sleepCtx,
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	return c
}

// Check runs attempts until one succeeds or all fail.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, err := c.try(ctx)
		res.Attempts = attempt
		if err == nil {
			res.Healthy = true
			return res, nil
		}
		lastErr = err
		logx.Log.Warn().Err(err).Int("attempt", attempt).Str("command", c.cmd).Msg("preflight failed")
		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, computeBackoff(attempt, c.base, c.maxBackoff)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	return Result{Attempts: c.attempts, LastError: lastErr.Error()}, lastErr
}

func (c *Checker) try(ctx context.Context) (Result, error) {
	cl, err := client.NewStdioMCPClient(c.cmd, c.env, c.args...)
	if err != nil {
		return Result{}, fmt.Errorf("start: %w", err)
	}
	defer func() { _ = cl.Close() }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	initRes, err := cl.Initialize(ctx, mcp.InitializeRequest{Params: session.InitializeParams("")})
	if err != nil {
		return Result{}, fmt.Errorf("initialize: %w", err)
	}
	tools, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return Result{}, fmt.Errorf("tools/list: %w", err)
	}
	res := Result{
		ServerName:      initRes.ServerInfo.Name,
		ServerVersion:   initRes.ServerInfo.Version,
		ProtocolVersion: initRes.ProtocolVersion,
	}
	for _, t := range tools.Tools {
		res.Tools = append(res.Tools, t.Name)
	}
	return res, nil
}

// computeBackoff doubles base per failure up to max, with ±20% jitter.
func computeBackoff(fails int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(fails-1)))
	if d > max || d <= 0 {
		d = max
	}
	jitter := rand.Float64()*0.4 - 0.2
	return time.Duration(float64(d) * (1 + jitter))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
