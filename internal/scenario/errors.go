package scenario

import (
	"context"
	"errors"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/gaspardpetit/mcpprobe/internal/session"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

const invalidJSON = "{this is not valid json}"

// runErrors sends bad input. The session is tolerant for the duration so a
// garbled reply does not fail the calls that follow.
func runErrors(ctx context.Context, env *Env) error {
	s, tr, to := env.Session, env.Tracker, env.Config.Timeouts
	s.SetTolerant(true)
	defer s.SetTolerant(false)

	s.ExpectOrphan()
	if err := s.SendRaw([]byte(invalidJSON)); err != nil {
		if env.fatal(err) {
			return err
		}
		// withdraw the expectation
		c, cancel := context.WithCancel(ctx)
		cancel()
		_, _ = s.AwaitOrphan(c)
		tr.Assertf("Invalid JSON handled gracefully", false, "write: %v", err)
	} else {
		c, cancel := context.WithTimeout(ctx, to.Malformed)
		resp, err := s.AwaitOrphan(c)
		cancel()
		if err != nil && !errors.Is(err, wire.ErrTimeout) {
			return err
		}
		// silence is acceptable; a reply must be an error
		tr.Assertf("Invalid JSON handled gracefully", resp == nil || resp.IsError(),
			"server should ignore or return error, got: %s", describe(resp, nil))
	}

	c, cancel := context.WithTimeout(ctx, to.Default)
	resp, err := s.CallID(c, 10, "unknown/method", nil)
	cancel()
	if env.fatal(err) {
		return err
	}
	tr.Assertf("Unknown method returns error", err == nil && resp.IsError(), "expected error, got: %s", describe(resp, err))

	c, cancel = context.WithTimeout(ctx, to.Default)
	resp, res, err := s.CallTool(c, 11, "nonexistent_tool", nil)
	cancel()
	if env.fatal(err) {
		return err
	}
	tr.Assertf("Non-existent tool returns error", rejected(resp, res, err), "got: %s", describe(resp, err))

	c, cancel = context.WithTimeout(ctx, to.Default)
	resp, res, err = s.CallTool(c, 12, "search_context", map[string]any{})
	cancel()
	if env.fatal(err) {
		return err
	}
	tr.Assertf("Missing required params returns error", rejected(resp, res, err), "got: %s", describe(resp, err))
	return nil
}

// rejected accepts either a JSON-RPC error or a tool result flagged isError.
func rejected(resp *jsonrpc.Response, res *session.ToolResult, err error) bool {
	if err != nil || resp == nil {
		return false
	}
	return resp.IsError() || (res != nil && res.IsError)
}
