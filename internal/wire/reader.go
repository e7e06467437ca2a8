package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/gaspardpetit/mcpprobe/internal/logx"
)

var (
	// ErrTimeout is returned when no frame arrives before the deadline.
	ErrTimeout = errors.New("timed out waiting for message")
	// ErrProcessExited is returned once the target exited and nothing is buffered.
	ErrProcessExited = errors.New("target process exited")
	// ErrClosed is returned at end of stream.
	ErrClosed = errors.New("stream closed")
)

// exitDrainGrace bounds how long Read keeps draining after the exit signal,
// for frames the target flushed just before it went away.
const exitDrainGrace = 100 * time.Millisecond

// DecodeError reports a payload that framed correctly but did not decode as a
// JSON-RPC message. It matches ErrMalformed.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrMalformed, e.Err} }

type frame struct {
	msg jsonrpc.Message
	err error
}

// Reader pulls frames from the target's output stream. A single pump goroutine
// performs the blocking reads; Read only selects, so a deadline is always
// honored even when the underlying read would block forever.
type Reader struct {
	frames chan frame
	exited <-chan struct{}

	mu  sync.Mutex
	eof error
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

type readerOptions struct {
	maxFrame int
	exited   <-chan struct{}
	buffer   int
}

// WithMaxFrame bounds a single payload.
func WithMaxFrame(n int) ReaderOption { return func(o *readerOptions) { o.maxFrame = n } }

// WithExit lets Read observe target termination.
func WithExit(ch <-chan struct{}) ReaderOption { return func(o *readerOptions) { o.exited = ch } }

// WithBuffer sets how many decoded frames the pump may hold ahead of Read.
func WithBuffer(n int) ReaderOption { return func(o *readerOptions) { o.buffer = n } }

// NewReader starts the pump over r.
func NewReader(r io.Reader, f Framing, opts ...ReaderOption) *Reader {
	o := readerOptions{buffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	rd := &Reader{frames: make(chan frame, o.buffer), exited: o.exited}
	go rd.pump(NewDecoder(f, r, o.maxFrame))
	return rd
}

func (r *Reader) pump(dec Decoder) {
	defer close(r.frames)
	for {
		payload, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				r.setEOF(ErrClosed)
				return
			case errors.Is(err, ErrMalformed), errors.Is(err, ErrFrameTooLarge):
				// the decoder consumed the bad frame; the stream is still usable
				r.frames <- frame{err: err}
				continue
			default:
				// truncated frame or a read error: nothing more will arrive
				r.setEOF(fmt.Errorf("%w: %v", ErrClosed, err))
				r.frames <- frame{err: err}
				return
			}
		}
		msg, err := jsonrpc.Decode(payload)
		if err != nil {
			raw := append([]byte(nil), payload...)
			r.frames <- frame{err: &DecodeError{Raw: raw, Err: err}}
			continue
		}
		r.frames <- frame{msg: msg}
	}
}

func (r *Reader) setEOF(err error) {
	r.mu.Lock()
	r.eof = err
	r.mu.Unlock()
}

func (r *Reader) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eof != nil {
		return r.eof
	}
	return ErrClosed
}

// Read returns the next message. It returns ErrTimeout when ctx expires,
// ErrProcessExited when the target is gone and nothing is buffered, ErrClosed
// at end of stream, or the decode error of a bad frame.
func (r *Reader) Read(ctx context.Context) (jsonrpc.Message, error) {
	// buffered frames win over deadline and exit
	select {
	case f, ok := <-r.frames:
		return r.deliver(f, ok)
	default:
	}
	exited := r.exited
	for {
		select {
		case f, ok := <-r.frames:
			return r.deliver(f, ok)
		case <-ctx.Done():
			return nil, ctxErr(ctx)
		case <-exited:
			exited = nil
			t := time.NewTimer(exitDrainGrace)
			select {
			case f, ok := <-r.frames:
				t.Stop()
				return r.deliver(f, ok)
			case <-ctx.Done():
				t.Stop()
				return nil, ctxErr(ctx)
			case <-t.C:
				return nil, ErrProcessExited
			}
		}
	}
}

// ReadTolerant behaves like Read but discards frames that fail to decode and
// keeps waiting within the same deadline.
func (r *Reader) ReadTolerant(ctx context.Context) (jsonrpc.Message, error) {
	for {
		msg, err := r.Read(ctx)
		if err != nil && errors.Is(err, ErrMalformed) {
			logx.Log.Debug().Err(err).Msg("discarding malformed frame")
			continue
		}
		return msg, err
	}
}

func (r *Reader) deliver(f frame, ok bool) (jsonrpc.Message, error) {
	if !ok {
		return nil, r.closedErr()
	}
	return f.msg, f.err
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
