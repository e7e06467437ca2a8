// Package scenario holds the test groups run against a target and the runner
// that sequences them over one shared session.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gaspardpetit/mcpprobe/internal/config"
	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/session"
	"github.com/gaspardpetit/mcpprobe/internal/tracker"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

// ErrAborted is returned by Run when a lifecycle failure stopped the run
// before every group executed.
var ErrAborted = errors.New("run aborted")

// Target is a launched process the lifecycle group can observe and stop.
type Target interface {
	Done() <-chan struct{}
	Exited() bool
	Stop() error
}

// LaunchFunc starts a fresh target with its own session.
type LaunchFunc func(ctx context.Context) (*session.Session, Target, error)

// Env is what every group works with.
type Env struct {
	Session *session.Session
	Tracker *tracker.Tracker
	Config  *config.HarnessConfig
	// Launch is used by the lifecycle group; the group is skipped when nil.
	Launch LaunchFunc

	tools []session.Tool
}

// Group is a named set of checks.
type Group struct {
	Name  string
	Title string
	Run   func(ctx context.Context, env *Env) error
}

var registry = map[string]Group{
	"basic":       {Name: "basic", Title: "Basic Functionality", Run: runBasic},
	"errors":      {Name: "errors", Title: "Error Handling", Run: runErrors},
	"edge":        {Name: "edge", Title: "Edge Cases", Run: runEdge},
	"concurrency": {Name: "concurrency", Title: "Concurrent Requests", Run: runConcurrency},
	"schema":      {Name: "schema", Title: "Tool Schemas", Run: runSchema},
	"lifecycle":   {Name: "lifecycle", Title: "Lifecycle", Run: runLifecycle},
	"soak":        {Name: "soak", Title: "Sustained Load", Run: runSoak},
}

// Lookup resolves group names in the order given.
func Lookup(names []string) ([]Group, error) {
	out := make([]Group, 0, len(names))
	for _, n := range names {
		g, ok := registry[n]
		if !ok {
			return nil, fmt.Errorf("unknown group %q", n)
		}
		out = append(out, g)
	}
	return out, nil
}

// Run executes groups in order. Each group ends with a check that no
// unmatched responses were seen. A lifecycle failure (target exit, closed
// session, cancelled context) records a failure and skips the rest.
func Run(ctx context.Context, env *Env, groups []Group) error {
	for i, g := range groups {
		env.Tracker.Section(g.Title)
		logx.Log.Debug().Str("group", g.Name).Msg("group start")
		err := g.Run(ctx, env)
		checkUnmatched(env, g)
		if err == nil {
			continue
		}
		env.Tracker.Assertf("Target alive during "+g.Name, false, "%v", err)
		var skipped []string
		for _, rest := range groups[i+1:] {
			skipped = append(skipped, rest.Name)
		}
		logx.Log.Error().Err(err).Str("group", g.Name).Strs("skipped", skipped).Msg("aborting run")
		return fmt.Errorf("%w: %s: %w", ErrAborted, g.Name, err)
	}
	return nil
}

func checkUnmatched(env *Env, g Group) {
	v := env.Session.Violations()
	env.Tracker.Assertf("No unmatched responses ("+g.Name+")", len(v) == 0, "%v", v)
}

// fatal reports whether err means the session can no longer be used.
func (env *Env) fatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, wire.ErrProcessExited) ||
		errors.Is(err, wire.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return env.Session.Err() != nil
}

// describe renders a response or error for a failure detail.
func describe(resp *jsonrpc.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp == nil {
		return "no response"
	}
	b, mErr := json.Marshal(resp)
	if mErr != nil {
		return mErr.Error()
	}
	const maxDetail = 200
	if len(b) > maxDetail {
		return string(b[:maxDetail]) + "..."
	}
	return string(b)
}

// hasResultKey reports whether the response carries a result object with key.
func hasResultKey(resp *jsonrpc.Response, key string) bool {
	if resp == nil {
		return false
	}
	raw, ok := resp.Result()
	if !ok {
		return false
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return false
	}
	_, ok = m[key]
	return ok
}

func isResult(resp *jsonrpc.Response) bool {
	return resp != nil && !resp.IsError()
}
