// Package session drives one JSON-RPC conversation with an MCP target over a
// borrowed stdin writer and a wire.Reader on its stdout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
	"github.com/gaspardpetit/mcpprobe/internal/wire"
)

var (
	// ErrDuplicateID is returned when a caller reuses an outstanding id.
	ErrDuplicateID = errors.New("request id already outstanding")
	// ErrState is returned when an operation does not fit the session state.
	ErrState = errors.New("invalid session state")
	// ErrClosed is returned after Close.
	ErrClosed = wire.ErrClosed
)

// State is the lifecycle of a session.
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kinds of responses that matched no outstanding call.
const (
	KindUnsolicited = "unsolicited"
	KindDuplicate   = "duplicate"
	KindLate        = "late"
	KindOrphan      = "orphan"
	KindMalformed   = "malformed"
)

// Unmatched describes a response that did not answer an outstanding call, or
// a frame that could not be decoded at all.
type Unmatched struct {
	Kind   string
	ID     string
	Detail string
	At     time.Time
}

func (u Unmatched) String() string {
	if u.Kind == KindMalformed {
		return "malformed frame: " + u.Detail
	}
	return u.Kind + " response id=" + u.ID
}

// Observer receives call and response accounting. Implementations must be
// safe for concurrent use.
type Observer interface {
	CallStarted(method string)
	CallFinished(method, outcome string, d time.Duration)
	Unmatched(kind string)
}

type nopObserver struct{}

func (nopObserver) CallStarted(string)                         {}
func (nopObserver) CallFinished(string, string, time.Duration) {}
func (nopObserver) Unmatched(string)                           {}

// Option configures a Session.
type Option func(*Session)

// WithObserver attaches call accounting.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithTolerant starts the session in tolerant mode.
func WithTolerant(v bool) Option { return func(s *Session) { s.tolerant.Store(v) } }

// Session owns the id sequence and the single writer. A dispatcher goroutine
// is the only consumer of the reader and routes responses by id.
type Session struct {
	w       io.Writer
	wmu     sync.Mutex
	framing wire.Framing
	rd      *wire.Reader
	obs     Observer

	nextID   atomic.Int64
	state    atomic.Int32
	tolerant atomic.Bool
	closed   atomic.Bool

	mu         sync.Mutex
	pending    map[int64]*Pending
	answered   map[int64]struct{}
	expired    map[int64]struct{}
	violations []Unmatched
	late       int
	readErr    error
	// null-id responses announced by ExpectOrphan and not yet consumed
	orphanWindow int

	orphans chan *jsonrpc.Response
	cancel  context.CancelFunc
	done    chan struct{}
}

// New starts a session. The session never closes w; the process owner does.
func New(w io.Writer, rd *wire.Reader, f wire.Framing, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		w:        w,
		framing:  f,
		rd:       rd,
		obs:      nopObserver{},
		pending:  map[int64]*Pending{},
		answered: map[int64]struct{}{},
		expired:  map[int64]struct{}{},
		orphans:  make(chan *jsonrpc.Response, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.nextID.Store(1)
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch(ctx)
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetTolerant switches between discarding malformed frames and failing
// outstanding calls on them.
func (s *Session) SetTolerant(v bool) { s.tolerant.Store(v) }

// Done is closed when the dispatcher stops, either after Close or once the
// target's output ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped the dispatcher, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Pending is an in-flight call.
type Pending struct {
	s      *Session
	id     int64
	method string
	start  time.Time
	ch     chan reply
}

type reply struct {
	resp *jsonrpc.Response
	err  error
}

// ID returns the request id.
func (p *Pending) ID() int64 { return p.id }

// Method returns the request method.
func (p *Pending) Method() string { return p.method }

// Wait blocks until the matching response arrives, the session fails, or ctx
// ends. A deadline yields wire.ErrTimeout and a reply arriving afterwards is
// classified as late.
func (p *Pending) Wait(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case r := <-p.ch:
		return p.finish(r)
	case <-ctx.Done():
	}
	s := p.s
	s.mu.Lock()
	if s.pending[p.id] == p {
		delete(s.pending, p.id)
		s.expired[p.id] = struct{}{}
		s.mu.Unlock()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = wire.ErrTimeout
		}
		return p.finish(reply{err: fmt.Errorf("%s id=%d: %w", p.method, p.id, err)})
	}
	s.mu.Unlock()
	// delivered while the deadline fired
	return p.finish(<-p.ch)
}

func (p *Pending) finish(r reply) (*jsonrpc.Response, error) {
	outcome := "result"
	switch {
	case errors.Is(r.err, wire.ErrTimeout):
		outcome = "timeout"
	case r.err != nil:
		outcome = "failed"
	case r.resp.IsError():
		outcome = "error"
	}
	p.s.obs.CallFinished(p.method, outcome, time.Since(p.start))
	return r.resp, r.err
}

// Send writes a call with an explicit id and returns a handle to await it.
// An id of 0 allocates the next id from the sequence.
func (s *Session) Send(id int64, method string, params any) (*Pending, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	if s.State() == StateClosed {
		return nil, ErrClosed
	}
	if id == 0 {
		id = s.nextID.Add(1) - 1
	} else {
		s.bumpPast(id)
	}
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	p := &Pending{s: s, id: id, method: method, start: time.Now(), ch: make(chan reply, 1)}
	s.mu.Lock()
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return nil, err
	}
	if _, busy := s.pending[id]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	s.pending[id] = p
	delete(s.answered, id)
	delete(s.expired, id)
	s.mu.Unlock()

	s.obs.CallStarted(method)
	logx.Log.Debug().Int64("id", id).Str("method", method).Msg("send")
	if err := s.write(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		p.finish(reply{err: err})
		return nil, err
	}
	return p, nil
}

func (s *Session) bumpPast(id int64) {
	for {
		cur := s.nextID.Load()
		if id < cur || s.nextID.CompareAndSwap(cur, id+1) {
			return
		}
	}
}

// Call sends a call with the next id and waits for its response.
func (s *Session) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	return s.CallID(ctx, 0, method, params)
}

// CallID sends a call with the caller's id and waits for its response.
func (s *Session) CallID(ctx context.Context, id int64, method string, params any) (*jsonrpc.Response, error) {
	p, err := s.Send(id, method, params)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Notify sends a notification.
func (s *Session) Notify(method string, params any) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	logx.Log.Debug().Str("method", method).Msg("notify")
	return s.write(n)
}

// SendRaw frames and writes payload unchanged.
func (s *Session) SendRaw(payload []byte) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	return s.writeFrame(s.framing.Frame(payload))
}

// ExpectOrphan announces that the next null-id response answers a frame the
// caller sent on purpose. It is queued for AwaitOrphan instead of being
// recorded as a violation. Every ExpectOrphan should be paired with one
// AwaitOrphan.
func (s *Session) ExpectOrphan() {
	s.mu.Lock()
	s.orphanWindow++
	s.mu.Unlock()
}

// AwaitOrphan waits for a null-id response announced by ExpectOrphan. When
// ctx ends first the announcement is withdrawn.
func (s *Session) AwaitOrphan(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case r := <-s.orphans:
		return r, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.orphanWindow > 0 {
			s.orphanWindow--
		} else {
			// routed while the deadline fired
			select {
			case r := <-s.orphans:
				s.mu.Unlock()
				return r, nil
			default:
			}
		}
		s.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, wire.ErrTimeout
		}
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-s.orphans:
			return r, nil
		default:
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

// Violations drains unsolicited, duplicate and unexpected null-id responses
// seen so far, plus malformed frames read in strict mode.
func (s *Session) Violations() []Unmatched {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.violations
	s.violations = nil
	return v
}

// LateCount returns how many replies arrived after their call timed out.
func (s *Session) LateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.late
}

// Close stops the dispatcher and fails outstanding calls. A second Close
// returns ErrClosed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.state.Store(int32(StateClosed))
	s.cancel()
	<-s.done
	s.failPending(ErrClosed)
	return nil
}

func (s *Session) write(msg any) error {
	b, err := s.framing.Encode(msg)
	if err != nil {
		return err
	}
	return s.writeFrame(b)
}

func (s *Session) writeFrame(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context) {
	defer close(s.done)
	for {
		var (
			msg jsonrpc.Message
			err error
		)
		if s.tolerant.Load() {
			msg, err = s.rd.ReadTolerant(ctx)
		} else {
			msg, err = s.rd.Read(ctx)
		}
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrFrameTooLarge) {
				if s.tolerant.Load() {
					logx.Log.Debug().Err(err).Msg("discarding bad frame")
					continue
				}
				logx.Log.Warn().Err(err).Msg("bad frame; failing outstanding calls")
				s.mu.Lock()
				s.violations = append(s.violations, Unmatched{Kind: KindMalformed, Detail: err.Error(), At: time.Now()})
				s.mu.Unlock()
				s.obs.Unmatched(KindMalformed)
				s.failPending(err)
				continue
			}
			if ctx.Err() != nil {
				err = ErrClosed
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.state.Store(int32(StateClosed))
			s.failPending(err)
			return
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			s.route(m)
		case *jsonrpc.Request:
			s.serve(m)
		}
	}
}

func (s *Session) route(resp *jsonrpc.Response) {
	if resp.ID == nil {
		s.obs.Unmatched(KindOrphan)
		s.mu.Lock()
		if s.orphanWindow > 0 {
			select {
			case s.orphans <- resp:
				s.orphanWindow--
				s.mu.Unlock()
				logx.Log.Debug().Msg("expected null-id response")
				return
			default:
			}
		}
		s.violations = append(s.violations, Unmatched{Kind: KindOrphan, ID: "null", At: time.Now()})
		s.mu.Unlock()
		logx.Log.Warn().Str("kind", KindOrphan).Msg("unmatched response")
		return
	}
	id, ok := resp.ID.Int()
	s.mu.Lock()
	if ok {
		if p := s.pending[id]; p != nil {
			delete(s.pending, id)
			s.answered[id] = struct{}{}
			p.ch <- reply{resp: resp}
			s.mu.Unlock()
			return
		}
	}
	kind := KindUnsolicited
	switch {
	case !ok:
	case hasKey(s.expired, id):
		kind = KindLate
		delete(s.expired, id)
		s.answered[id] = struct{}{}
		s.late++
	case hasKey(s.answered, id):
		kind = KindDuplicate
	}
	u := Unmatched{Kind: kind, ID: resp.ID.String(), At: time.Now()}
	if kind != KindLate {
		s.violations = append(s.violations, u)
	}
	s.mu.Unlock()
	s.obs.Unmatched(kind)
	if kind == KindLate {
		logx.Log.Info().Str("id", u.ID).Msg("late response")
		return
	}
	logx.Log.Warn().Str("id", u.ID).Str("kind", kind).Msg("unmatched response")
}

func hasKey(m map[int64]struct{}, k int64) bool {
	_, ok := m[k]
	return ok
}

// serve answers requests initiated by the target.
func (s *Session) serve(req *jsonrpc.Request) {
	if req.IsNotification() {
		logx.Log.Debug().Str("method", req.Method).RawJSON("params", rawOrNull(req.Params)).Msg("server notification")
		return
	}
	var resp *jsonrpc.Response
	if req.Method == "ping" {
		r, err := jsonrpc.NewResult(req.ID, struct{}{})
		if err != nil {
			return
		}
		resp = r
	} else {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	}
	if err := s.write(resp); err != nil {
		logx.Log.Debug().Err(err).Str("method", req.Method).Msg("reply to server request")
	}
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		delete(s.pending, id)
		p.ch <- reply{err: fmt.Errorf("%s id=%s: %w", p.method, strconv.FormatInt(id, 10), err)}
	}
}

func logWarnVersion(v string) {
	logx.Log.Warn().Str("protocolVersion", v).Msg("target negotiated an unknown protocol version")
}
