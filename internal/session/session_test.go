package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

// peer plays the target side of a session over in-memory pipes.
type peer struct {
	f    wire.Framing
	out  io.Writer
	reqs chan *jsonrpc.Request
	resp chan *jsonrpc.Response
}

func newPair(t *testing.T, f wire.Framing, opts ...Option) (*Session, *peer) {
	t.Helper()
	toTarget, targetIn := io.Pipe()
	targetOut, fromTarget := io.Pipe()
	p := &peer{f: f, out: fromTarget, reqs: make(chan *jsonrpc.Request, 64), resp: make(chan *jsonrpc.Response, 64)}
	go func() {
		dec := wire.NewDecoder(f, toTarget, 0)
		for {
			payload, err := dec.Next()
			if err != nil {
				return
			}
			msg, err := jsonrpc.Decode(payload)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case *jsonrpc.Request:
				p.reqs <- m
			case *jsonrpc.Response:
				p.resp <- m
			}
		}
	}()
	s := New(targetIn, wire.NewReader(targetOut, f), f, opts...)
	t.Cleanup(func() {
		_ = s.Close()
		_ = targetIn.Close()
		_ = fromTarget.Close()
	})
	return s, p
}

func (p *peer) next(t *testing.T) *jsonrpc.Request {
	t.Helper()
	select {
	case r := <-p.reqs:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("peer: no request received")
		return nil
	}
}

func (p *peer) raw(t *testing.T, s string) {
	t.Helper()
	if _, err := p.out.Write(p.f.Frame([]byte(s))); err != nil {
		t.Errorf("peer write: %v", err)
	}
}

func (p *peer) reply(t *testing.T, id *jsonrpc.ID, result any) {
	t.Helper()
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		t.Errorf("build result: %v", err)
		return
	}
	b, err := p.f.Encode(resp)
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	if _, err := p.out.Write(b); err != nil {
		t.Errorf("peer write: %v", err)
	}
}

func idOf(t *testing.T, resp *jsonrpc.Response) int64 {
	t.Helper()
	if resp == nil || resp.ID == nil {
		t.Fatalf("response without id: %#v", resp)
	}
	n, ok := resp.ID.Int()
	if !ok {
		t.Fatalf("non-integer id %s", resp.ID)
	}
	return n
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestOutOfOrderRepliesMatchByID(t *testing.T) {
	for _, f := range []wire.Framing{wire.FramingLine, wire.FramingHeader} {
		t.Run(string(f), func(t *testing.T) {
			s, p := newPair(t, f)
			var pend []*Pending
			for _, id := range []int64{30, 31, 32, 33} {
				pd, err := s.Send(id, "tools/call", map[string]any{"name": "get_status"})
				if err != nil {
					t.Fatalf("send %d: %v", id, err)
				}
				pend = append(pend, pd)
			}
			var got []*jsonrpc.Request
			for range pend {
				got = append(got, p.next(t))
			}
			for i := len(got) - 1; i >= 0; i-- {
				p.reply(t, got[i].ID, map[string]any{"n": i})
			}
			ctx := withTimeout(t, 5*time.Second)
			for _, pd := range pend {
				resp, err := pd.Wait(ctx)
				if err != nil {
					t.Fatalf("wait %d: %v", pd.ID(), err)
				}
				if idOf(t, resp) != pd.ID() {
					t.Fatalf("mismatched id: got %d want %d", idOf(t, resp), pd.ID())
				}
			}
			if v := s.Violations(); len(v) != 0 {
				t.Fatalf("unexpected violations %v", v)
			}
		})
	}
}

func TestDuplicateOutstandingID(t *testing.T) {
	s, _ := newPair(t, wire.FramingLine)
	if _, err := s.Send(5, "tools/list", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.Send(5, "tools/list", nil); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestExplicitIDAdvancesSequence(t *testing.T) {
	s, _ := newPair(t, wire.FramingLine)
	if _, err := s.Send(30, "tools/list", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	pd, err := s.Send(0, "tools/list", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if pd.ID() != 31 {
		t.Fatalf("expected id 31, got %d", pd.ID())
	}
}

func waitViolations(t *testing.T, s *Session, n int) []Unmatched {
	t.Helper()
	var all []Unmatched
	deadline := time.Now().Add(5 * time.Second)
	for len(all) < n && time.Now().Before(deadline) {
		all = append(all, s.Violations()...)
		time.Sleep(10 * time.Millisecond)
	}
	return all
}

func TestUnsolicitedAndDuplicateResponses(t *testing.T) {
	s, p := newPair(t, wire.FramingLine)
	go func() {
		<-p.reqs
		p.raw(t, `{"jsonrpc":"2.0","id":7,"result":{}}`)
		p.raw(t, `{"jsonrpc":"2.0","id":7,"result":{}}`)
		p.raw(t, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	}()
	resp, err := s.CallID(withTimeout(t, 5*time.Second), 7, "tools/list", nil)
	if err != nil || idOf(t, resp) != 7 {
		t.Fatalf("call: %v %v", resp, err)
	}
	got := waitViolations(t, s, 2)
	if len(got) != 2 || got[0].Kind != KindDuplicate || got[1].Kind != KindUnsolicited || got[1].ID != "99" {
		t.Fatalf("unexpected violations %v", got)
	}
}

func TestLateResponseIsNotAViolation(t *testing.T) {
	s, p := newPair(t, wire.FramingLine)
	pd, err := s.Send(8, "tools/call", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req := p.next(t)
	if _, err := pd.Wait(withTimeout(t, 50*time.Millisecond)); !errors.Is(err, wire.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	p.reply(t, req.ID, map[string]any{})
	deadline := time.Now().Add(5 * time.Second)
	for s.LateCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.LateCount() != 1 {
		t.Fatalf("late count = %d", s.LateCount())
	}
	if v := s.Violations(); len(v) != 0 {
		t.Fatalf("late reply counted as violation: %v", v)
	}
}

func TestStrictModeFailsOutstandingCalls(t *testing.T) {
	s, p := newPair(t, wire.FramingLine)
	pd, err := s.Send(9, "tools/list", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	p.next(t)
	p.raw(t, `{this is not valid json}`)
	if _, err := pd.Wait(withTimeout(t, 5*time.Second)); !errors.Is(err, wire.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestTolerantModeDiscardsGarbage(t *testing.T) {
	s, p := newPair(t, wire.FramingHeader, WithTolerant(true))
	pd, err := s.Send(10, "tools/list", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req := p.next(t)
	p.raw(t, `{this is not valid json}`)
	p.reply(t, req.ID, map[string]any{"tools": []any{}})
	resp, err := pd.Wait(withTimeout(t, 5*time.Second))
	if err != nil || idOf(t, resp) != 10 {
		t.Fatalf("wait: %v %v", resp, err)
	}
}

func TestOrphanQueue(t *testing.T) {
	s, p := newPair(t, wire.FramingLine)
	s.ExpectOrphan()
	p.raw(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`)
	resp, err := s.AwaitOrphan(withTimeout(t, 5*time.Second))
	if err != nil {
		t.Fatalf("await orphan: %v", err)
	}
	if e := resp.Err(); e == nil || e.Code != jsonrpc.CodeParseError {
		t.Fatalf("unexpected orphan %#v", resp)
	}
	if _, err := s.AwaitOrphan(withTimeout(t, 50*time.Millisecond)); !errors.Is(err, wire.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if v := s.Violations(); len(v) != 0 {
		t.Fatalf("expected orphan counted as violation: %v", v)
	}
}

// roundTrip completes one call so every frame written before it has been
// routed.
func roundTrip(t *testing.T, s *Session, p *peer, id int64) {
	t.Helper()
	pd, err := s.Send(id, "ping", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	p.reply(t, p.next(t).ID, struct{}{})
	if _, err := pd.Wait(withTimeout(t, 5*time.Second)); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestUnexpectedNullIDResponsesAreViolations(t *testing.T) {
	tests := []struct {
		name   string
		expect int
		sent   int
		want   int
	}{
		{"none expected", 0, 20, 20},
		{"one expected", 1, 3, 2},
		{"beyond queue", 0, 40, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p := newPair(t, wire.FramingLine)
			for range tt.expect {
				s.ExpectOrphan()
			}
			for range tt.sent {
				p.raw(t, `{"jsonrpc":"2.0","id":null,"result":{}}`)
			}
			roundTrip(t, s, p, 50)
			v := s.Violations()
			if len(v) != tt.want {
				t.Fatalf("got %d violations want %d: %v", len(v), tt.want, v)
			}
			for _, u := range v {
				if u.Kind != KindOrphan {
					t.Fatalf("unexpected kind %q", u.Kind)
				}
			}
		})
	}
}

func TestStrictMalformedFrameIsViolation(t *testing.T) {
	tests := []struct {
		name     string
		tolerant bool
		want     int
	}{
		{"strict", false, 1},
		{"tolerant", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p := newPair(t, wire.FramingLine, WithTolerant(tt.tolerant))
			roundTrip(t, s, p, 1)
			p.raw(t, `{this is not valid json}`)
			roundTrip(t, s, p, 2)
			v := s.Violations()
			if len(v) != tt.want {
				t.Fatalf("got %v", v)
			}
			if tt.want > 0 && (v[0].Kind != KindMalformed || v[0].Detail == "") {
				t.Fatalf("unexpected violation %#v", v[0])
			}
		})
	}
}

func TestServerPingIsAnswered(t *testing.T) {
	_, p := newPair(t, wire.FramingLine)
	p.raw(t, `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
	p.raw(t, `{"jsonrpc":"2.0","id":"srv-2","method":"sampling/createMessage","params":{}}`)
	for _, want := range []struct {
		id    string
		isErr bool
	}{{`"srv-1"`, false}, {`"srv-2"`, true}} {
		select {
		case resp := <-p.resp:
			if resp.ID == nil || resp.ID.String() != want.id || resp.IsError() != want.isErr {
				t.Fatalf("unexpected reply %#v", resp)
			}
			if !want.isErr {
				raw, _ := resp.Result()
				if string(raw) != "{}" {
					t.Fatalf("ping result = %s", raw)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no reply for %s", want.id)
		}
	}
}

func TestHandshakeAndClose(t *testing.T) {
	s, p := newPair(t, wire.FramingLine)
	if s.State() != StateUninitialized {
		t.Fatalf("state = %s", s.State())
	}
	go func() {
		req := <-p.reqs
		p.reply(t, req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake", "version": "0.1.0"},
		})
	}()
	ctx := withTimeout(t, 5*time.Second)
	resp, res, err := s.Initialize(ctx, 1, InitializeParams(""))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if idOf(t, resp) != 1 || res.ServerInfo.Name != "fake" {
		t.Fatalf("unexpected handshake result %#v", res)
	}
	select {
	case n := <-p.reqs:
		if n.Method != "notifications/initialized" || !n.IsNotification() {
			t.Fatalf("expected initialized notification, got %#v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no initialized notification")
	}
	if s.State() != StateReady {
		t.Fatalf("state = %s", s.State())
	}
	if _, _, err := s.Initialize(ctx, 0, InitializeParams("")); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.Call(ctx, "tools/list", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestCallToolDecodesContent(t *testing.T) {
	s, p := newPair(t, wire.FramingHeader)
	go func() {
		req := <-p.reqs
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		p.reply(t, req.ID, map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "status of " + params.Name}},
		})
	}()
	_, res, err := s.CallTool(withTimeout(t, 5*time.Second), 3, "get_status", nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError || res.Text() != "status of get_status" {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestTargetExitFailsCalls(t *testing.T) {
	toTarget, targetIn := io.Pipe()
	targetOut, fromTarget := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, toTarget) }()
	s := New(targetIn, wire.NewReader(targetOut, wire.FramingLine), wire.FramingLine)
	defer s.Close()
	pd, err := s.Send(1, "tools/list", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = fromTarget.Close()
	if _, err := pd.Wait(withTimeout(t, 5*time.Second)); !errors.Is(err, wire.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
	if _, err := s.Send(2, "tools/list", nil); !errors.Is(err, wire.ErrClosed) {
		t.Fatalf("send after exit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: %v", err)
	}
}
