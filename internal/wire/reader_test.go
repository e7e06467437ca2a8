package wire

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
)

func TestReadHonorsDeadlineOnSilentStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	rd := NewReader(pr, FramingLine)

	deadline := 150 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	start := time.Now()
	_, err := rd.Read(ctx)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < deadline || elapsed > deadline+time.Second {
		t.Fatalf("returned after %v", elapsed)
	}
}

func TestReadDecodesInOrder(t *testing.T) {
	in := `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/message","params":{}}` + "\n"
	rd := NewReader(strings.NewReader(in), FramingLine)
	ctx := context.Background()

	msg, err := rd.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := msg.(*jsonrpc.Response); !ok {
		t.Fatalf("expected response, got %T", msg)
	}
	msg, err = rd.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if req, ok := msg.(*jsonrpc.Request); !ok || !req.IsNotification() {
		t.Fatalf("expected notification, got %#v", msg)
	}
	if _, err := rd.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadReportsDecodeError(t *testing.T) {
	in := "{this is not valid json}\n" + `{"jsonrpc":"2.0","id":2,"result":{}}` + "\n"
	rd := NewReader(strings.NewReader(in), FramingLine)

	_, err := rd.Read(context.Background())
	var de *DecodeError
	if !errors.As(err, &de) || !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if string(de.Raw) != "{this is not valid json}" {
		t.Fatalf("raw = %q", de.Raw)
	}
	msg, err := rd.Read(context.Background())
	if err != nil {
		t.Fatalf("stream should continue: %v", err)
	}
	if resp := msg.(*jsonrpc.Response); resp.ID.String() != "2" {
		t.Fatalf("unexpected id %s", resp.ID)
	}
}

func TestReadTolerantSkipsGarbage(t *testing.T) {
	in := "garbage\n[1,2]\n" + `{"jsonrpc":"2.0","id":3,"result":{}}` + "\n"
	rd := NewReader(strings.NewReader(in), FramingLine)
	msg, err := rd.ReadTolerant(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp, ok := msg.(*jsonrpc.Response); !ok || resp.ID.String() != "3" {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestReadObservesExit(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	exited := make(chan struct{})
	rd := NewReader(pr, FramingHeader, WithExit(exited))
	close(exited)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rd.Read(ctx); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestReadDrainsBufferedFramesAfterExit(t *testing.T) {
	exited := make(chan struct{})
	close(exited)
	in := "Content-Length: 36\r\n\r\n" + `{"jsonrpc":"2.0","id":1,"result":{}}`
	rd := NewReader(strings.NewReader(in), FramingHeader, WithExit(exited))

	msg, err := rd.Read(context.Background())
	if err != nil {
		t.Fatalf("buffered frame lost: %v", err)
	}
	if _, ok := msg.(*jsonrpc.Response); !ok {
		t.Fatalf("got %T", msg)
	}
}
