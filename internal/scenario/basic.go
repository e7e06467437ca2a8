package scenario

import (
	"context"
	"slices"

	"github.com/gaspardpetit/mcpprobe/internal/session"
)

func runBasic(ctx context.Context, env *Env) error {
	s, tr, to := env.Session, env.Tracker, env.Config.Timeouts

	c, cancel := context.WithTimeout(ctx, to.Default)
	resp, _, err := s.Initialize(c, 1, session.InitializeParams(env.Config.ProtocolVersion))
	cancel()
	if env.fatal(err) {
		return err
	}
	tr.Assertf("Initialize request", hasResultKey(resp, "serverInfo"), "got: %s", describe(resp, err))

	c, cancel = context.WithTimeout(ctx, to.Default)
	resp, tools, err := s.ListTools(c, 2)
	cancel()
	if env.fatal(err) {
		return err
	}
	if tr.Assertf("List tools", hasResultKey(resp, "tools"), "got: %s", describe(resp, err)) {
		env.tools = tools
		names := toolNames(tools)
		tr.Assertf("Has search_context tool", slices.Contains(names, "search_context"), "tools: %v", names)
		tr.Assertf("Has get_status tool", slices.Contains(names, "get_status"), "tools: %v", names)
	}

	c, cancel = context.WithTimeout(ctx, to.Default)
	resp, res, err := s.CallTool(c, 3, "get_status", nil)
	cancel()
	if env.fatal(err) {
		return err
	}
	tr.Assertf("Call get_status", res != nil && !res.IsError && res.Text() != "", "got: %s", describe(resp, err))

	c, cancel = context.WithTimeout(ctx, to.Default)
	resp, res, err = s.CallTool(c, 4, "search_context", map[string]any{"query": "test", "limit": 1})
	cancel()
	if env.fatal(err) {
		return err
	}
	tr.Assertf("Call search_context", res != nil && len(res.Content) > 0, "got: %s", describe(resp, err))
	return nil
}

func toolNames(tools []session.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}
