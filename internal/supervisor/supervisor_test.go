package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"
)

const helperEnv = "MCPPROBE_SUPERVISOR_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		fmt.Fprintln(os.Stderr, "echo helper ready")
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fmt.Println(sc.Text())
		}
		os.Exit(0)
	case "exit3":
		os.Exit(3)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

func helperSpec(mode string) Spec {
	return Spec{Command: os.Args[0], Env: []string{helperEnv + "=" + mode}, Grace: 2 * time.Second}
}

func TestStartEchoAndStop(t *testing.T) {
	p, err := Start(context.Background(), helperSpec("echo"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()
	if _, err := io.WriteString(p.Stdin, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(p.Stdout).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "hello" {
		t.Fatalf("read %q: %v", line, err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("process still running after Stop")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestExitCodeAndDone(t *testing.T) {
	p, err := Start(context.Background(), helperSpec("exit3"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("process did not exit")
	}
	if p.ExitCode() != 3 {
		t.Fatalf("exit code = %d", p.ExitCode())
	}
}

func TestStartupDelayDetectsEarlyExit(t *testing.T) {
	spec := helperSpec("exit3")
	spec.StartupDelay = 10 * time.Second
	p, err := Start(context.Background(), spec)
	if !errors.Is(err, ErrExitedEarly) {
		t.Fatalf("expected ErrExitedEarly, got %v", err)
	}
	_ = p.Stop()
}

func TestStartMissingBinary(t *testing.T) {
	if _, err := Start(context.Background(), Spec{Command: "/nonexistent/contextd"}); err == nil {
		t.Fatalf("expected start error")
	}
}

func TestRunStopsOnPanic(t *testing.T) {
	var proc *Process
	func() {
		defer func() { _ = recover() }()
		_ = Run(context.Background(), helperSpec("echo"), func(ctx context.Context, p *Process) error {
			proc = p
			panic("boom")
		})
	}()
	if proc == nil {
		t.Fatalf("fn not called")
	}
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("target left running after panic")
	}
}

func TestRunReturnsFnError(t *testing.T) {
	want := errors.New("scenario failed")
	err := Run(context.Background(), helperSpec("echo"), func(ctx context.Context, p *Process) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
}
