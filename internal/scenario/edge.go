package scenario

import (
	"context"
	"strings"
)

type edgeCase struct {
	id   int64
	name string
	args map[string]any
	long bool
	// any response passes, including an error
	anyResponse bool
}

func edgeCases() []edgeCase {
	return []edgeCase{
		{id: 20, name: "Empty query handled", args: map[string]any{"query": ""}},
		{id: 21, name: "Unicode/emoji query handled", args: map[string]any{"query": "测试 🚀 émoji", "limit": 1}},
		{id: 22, name: "Very long query handled", args: map[string]any{"query": strings.Repeat("test ", 1000), "limit": 1}, long: true},
		{id: 23, name: "Special chars (SQL injection attempt) handled safely", args: map[string]any{"query": "'; DROP TABLE chunks; --", "limit": 1}},
		{id: 24, name: "Null bytes in query handled", args: map[string]any{"query": "test\x00query", "limit": 1}, anyResponse: true},
		{id: 25, name: "Zero limit handled", args: map[string]any{"query": "test", "limit": 0}},
		{id: 26, name: "Very large limit handled", args: map[string]any{"query": "test", "limit": 99999}},
	}
}

func runEdge(ctx context.Context, env *Env) error {
	s, tr, to := env.Session, env.Tracker, env.Config.Timeouts
	for _, ec := range edgeCases() {
		d := to.Default
		if ec.long {
			d = to.Long
		}
		c, cancel := context.WithTimeout(ctx, d)
		resp, _, err := s.CallTool(c, ec.id, "search_context", ec.args)
		cancel()
		if env.fatal(err) {
			return err
		}
		ok := resp != nil && (ec.anyResponse || (err == nil && isResult(resp)))
		tr.Assertf(ec.name, ok, "got: %s", describe(resp, err))
	}
	return nil
}
