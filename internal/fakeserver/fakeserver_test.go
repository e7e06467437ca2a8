package fakeserver

import (
	"context"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/session"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

func startFake(t *testing.T, f wire.Framing) *session.Session {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = Serve(ctx, f, serverIn, serverOut, Options{}) }()
	s := session.New(clientOut, wire.NewReader(clientIn, f), f)
	t.Cleanup(func() {
		_ = s.Close()
		_ = clientOut.Close()
		cancel()
		_ = serverOut.Close()
	})
	return s
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFakeServesBothFramings(t *testing.T) {
	for _, f := range []wire.Framing{wire.FramingLine, wire.FramingHeader} {
		t.Run(string(f), func(t *testing.T) {
			s := startFake(t, f)
			ctx := ctxT(t)
			_, res, err := s.Initialize(ctx, 1, session.InitializeParams(""))
			if err != nil {
				t.Fatalf("initialize: %v", err)
			}
			if res.ServerInfo.Name != Name {
				t.Fatalf("server name = %q", res.ServerInfo.Name)
			}
			_, tools, err := s.ListTools(ctx, 2)
			if err != nil {
				t.Fatalf("tools/list: %v", err)
			}
			var names []string
			for _, tool := range tools {
				names = append(names, tool.Name)
			}
			if !slices.Contains(names, "search_context") || !slices.Contains(names, "get_status") {
				t.Fatalf("tools = %v", names)
			}
			_, st, err := s.CallTool(ctx, 3, "get_status", nil)
			if err != nil || st == nil || !strings.Contains(st.Text(), "Status: running") {
				t.Fatalf("get_status: %#v %v", st, err)
			}
			_, hit, err := s.CallTool(ctx, 4, "search_context", map[string]any{"query": "test", "limit": 1})
			if err != nil || hit == nil || hit.IsError || !strings.HasPrefix(hit.Text(), "Result 1:") {
				t.Fatalf("search_context: %#v %v", hit, err)
			}
			if strings.Contains(hit.Text(), "Result 2:") {
				t.Fatalf("limit ignored: %q", hit.Text())
			}
		})
	}
}

func TestMissingQueryIsAnError(t *testing.T) {
	s := startFake(t, wire.FramingLine)
	ctx := ctxT(t)
	if _, _, err := s.Initialize(ctx, 1, session.InitializeParams("")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resp, res, err := s.CallTool(ctx, 12, "search_context", map[string]any{"limit": 5})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.IsError() && (res == nil || !res.IsError) {
		t.Fatalf("expected error or isError, got %#v", res)
	}
}

func TestHeaderModeAnswersGarbageWithNullID(t *testing.T) {
	s := startFake(t, wire.FramingHeader)
	s.ExpectOrphan()
	if err := s.SendRaw([]byte("{this is not valid json}")); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	resp, err := s.AwaitOrphan(ctxT(t))
	if err != nil {
		t.Fatalf("await orphan: %v", err)
	}
	if !resp.IsError() {
		t.Fatalf("expected error orphan, got %#v", resp)
	}
}

func TestSearchText(t *testing.T) {
	corpus := []string{"alpha test", "beta", "gamma test"}
	tests := []struct {
		query string
		limit int
		want  string
	}{
		{"", 5, NoResults},
		{"test", 0, NoResults},
		{"zzz", 5, NoResults},
		{"TEST", 1, "Result 1:\nalpha test"},
		{"test\x00query", 5, "Result 1:\nalpha test\n\nResult 2:\ngamma test"},
		{"'; DROP TABLE chunks; --", 5, NoResults},
	}
	for _, tt := range tests {
		if got := searchText(corpus, tt.query, tt.limit); got != tt.want {
			t.Errorf("searchText(%q, %d) = %q, want %q", tt.query, tt.limit, got, tt.want)
		}
	}
}
