package scenario

import (
	"context"
	"strings"

	"github.com/gaspardpetit/mcpprobe/internal/toolschema"
)

func runSchema(ctx context.Context, env *Env) error {
	tr := env.Tracker
	tools := env.tools
	if tools == nil {
		c, cancel := context.WithTimeout(ctx, env.Config.Timeouts.Default)
		resp, listed, err := env.Session.ListTools(c, 0)
		cancel()
		if env.fatal(err) {
			return err
		}
		if !tr.Assertf("List tools for schema checks", err == nil, "got: %s", describe(resp, err)) {
			return nil
		}
		tools, env.tools = listed, listed
	}

	var bad []string
	schemas := make(map[string]*toolschema.Schema, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			bad = append(bad, "<unnamed>")
			continue
		}
		sch, err := toolschema.Parse(t.InputSchema)
		if err != nil {
			bad = append(bad, t.Name+": "+err.Error())
			continue
		}
		schemas[t.Name] = sch
	}
	tr.Assertf("Tools declare input schemas", len(bad) == 0, "%s", strings.Join(bad, "; "))

	search, ok := schemas["search_context"]
	if !tr.Assert("search_context has a schema", ok, "search_context missing or unparseable") {
		return nil
	}
	tr.Assertf("search_context requires query", search.IsRequired("query"), "required: %v", search.Required())

	var mismatched []string
	for _, ec := range edgeCases() {
		if err := search.Validate(ec.args); err != nil {
			mismatched = append(mismatched, ec.name+": "+err.Error())
		}
	}
	tr.Assertf("Edge-case arguments match schema", len(mismatched) == 0, "%s", strings.Join(mismatched, "; "))
	tr.Assert("Missing query rejected by schema", search.Validate(map[string]any{}) != nil, "empty arguments validated")
	return nil
}
