// Package fakeserver is a small contextd-like MCP target used to exercise the
// harness: it serves search_context and get_status over either framing.
package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

const (
	Name    = "contextd-fake"
	Version = "0.1.0"

	// NoResults is the text returned when a search matches nothing.
	NoResults = "No relevant content found."
	maxHits   = 3
)

// Options tune the fake.
type Options struct {
	// Delay is added before every tool result.
	Delay time.Duration
	// Corpus overrides the searchable documents.
	Corpus []string
}

var defaultCorpus = []string{
	"src/indexer/chunker.rs: splits files into overlapping chunks for embedding",
	"src/storage/db.rs: stores chunks and vectors; test helpers create a temp database",
	"src/mcp/server.rs: exposes search_context and get_status over stdio",
	"docs/README.md: contextd indexes local code so assistants can query it; see the test section",
	"scripts/test_mcp.py: drives the MCP server through its test plan",
}

// New builds the mcp-go server with both tools registered.
func New(opts Options) *server.MCPServer {
	corpus := opts.Corpus
	if corpus == nil {
		corpus = defaultCorpus
	}
	s := server.NewMCPServer(Name, Version,
		server.WithToolCapabilities(false),
		server.WithInstructions("Search indexed project context."),
	)

	search := mcp.NewTool("search_context",
		mcp.WithDescription("Search the indexed context for relevant chunks"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
	)
	s.AddTool(search, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := sleep(ctx, opts.Delay); err != nil {
			return nil, err
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		limit := int(req.GetFloat("limit", 5))
		return mcp.NewToolResultText(searchText(corpus, query, limit)), nil
	})

	status := mcp.NewTool("get_status", mcp.WithDescription("Report indexing status"))
	s.AddTool(status, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := sleep(ctx, opts.Delay); err != nil {
			return nil, err
		}
		text := fmt.Sprintf("Status: running\nIndexed chunks: %d\nVersion: %s", len(corpus), Version)
		return mcp.NewToolResultText(text), nil
	})
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// searchText matches any whitespace-separated term of query, case-insensitive.
func searchText(corpus []string, query string, limit int) string {
	if limit > maxHits {
		limit = maxHits
	}
	terms := strings.Fields(strings.ToLower(strings.ReplaceAll(query, "\x00", " ")))
	var hits []string
	for _, doc := range corpus {
		if len(hits) >= limit {
			break
		}
		lower := strings.ToLower(doc)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits = append(hits, doc)
				break
			}
		}
	}
	if len(hits) == 0 {
		return NoResults
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "Result %d:\n%s\n\n", i+1, h)
	}
	return strings.TrimSpace(b.String())
}

// Serve answers requests read from in until in ends or ctx is cancelled.
// Line framing uses mcp-go's stdio server; header framing is decoded here
// and dispatched through HandleMessage.
func Serve(ctx context.Context, f wire.Framing, in io.Reader, out io.Writer, opts Options) error {
	s := New(opts)
	if f == wire.FramingLine {
		stdio := server.NewStdioServer(s)
		stdio.SetErrorLogger(logx.StdLogger())
		err := stdio.Listen(ctx, in, out)
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return serveFramed(ctx, s, f, in, out)
}

func serveFramed(ctx context.Context, s *server.MCPServer, f wire.Framing, in io.Reader, out io.Writer) error {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	write := func(v any) {
		b, err := f.Encode(v)
		if err != nil {
			logx.Log.Error().Err(err).Msg("encode reply")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := out.Write(b); err != nil {
			logx.Log.Debug().Err(err).Msg("write reply")
		}
	}
	defer wg.Wait()
	dec := wire.NewDecoder(f, in, 0)
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := dec.Next()
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case errors.Is(err, wire.ErrMalformed), errors.Is(err, wire.ErrFrameTooLarge):
			write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeInvalidRequest, err.Error()))
			continue
		case err != nil:
			return err
		}
		if !json.Valid(payload) {
			write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "Parse error"))
			continue
		}
		raw := json.RawMessage(append([]byte(nil), payload...))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reply := s.HandleMessage(ctx, raw); reply != nil {
				write(reply)
			}
		}()
	}
}
