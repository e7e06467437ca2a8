package scenario

import (
	"context"
	"errors"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/session"
)

// runLifecycle works on a second target so the shared session is untouched.
// Failures of that target are recorded, never propagated.
func runLifecycle(ctx context.Context, env *Env) error {
	tr, to := env.Tracker, env.Config.Timeouts
	if env.Launch == nil {
		logx.Log.Warn().Msg("lifecycle group has no launcher; skipping")
		return nil
	}
	s, target, err := env.Launch(ctx)
	if !tr.Assertf("Fresh target starts", err == nil, "%v", err) {
		if target != nil {
			_ = target.Stop()
		}
		return ctx.Err()
	}
	defer func() { _ = s.Close() }()
	defer func() { _ = target.Stop() }()

	c, cancel := context.WithTimeout(ctx, to.Default)
	resp, _, err := s.CallTool(c, 1, "get_status", nil)
	cancel()
	if errors.Is(err, context.Canceled) {
		return err
	}
	logx.Log.Debug().Str("reply", describe(resp, err)).Msg("tools/call before initialize")
	tr.Assertf("Target survives tools/call before initialize", !exitedWithin(target, to.Malformed),
		"target exited; reply: %s", describe(resp, err))

	c, cancel = context.WithTimeout(ctx, to.Default)
	resp, _, err = s.Initialize(c, 2, session.InitializeParams(env.Config.ProtocolVersion))
	cancel()
	if errors.Is(err, context.Canceled) {
		return err
	}
	tr.Assertf("Handshake after premature call", err == nil && hasResultKey(resp, "serverInfo"),
		"got: %s", describe(resp, err))

	start := time.Now()
	stopErr := target.Stop()
	elapsed := time.Since(start)
	tr.Assertf("Target stops on SIGTERM", stopErr == nil, "%v after %s", stopErr, elapsed.Round(time.Millisecond))
	return nil
}

// exitedWithin waits up to d for the target to exit.
func exitedWithin(t Target, d time.Duration) bool {
	if t.Exited() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.Done():
		return true
	case <-timer.C:
		return false
	}
}
