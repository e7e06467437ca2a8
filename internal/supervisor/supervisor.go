// Package supervisor launches the target process and guarantees it is torn
// down: SIGTERM to its process group, then SIGKILL once the grace window
// passes.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/logx"
)

// DefaultGrace is how long Stop waits after SIGTERM.
const DefaultGrace = 5 * time.Second

const stderrTail = 20

var (
	// ErrKilled is returned by Stop when the target ignored SIGTERM.
	ErrKilled = errors.New("target killed after grace period")
	// ErrExitedEarly is returned by Start when the target dies during the
	// startup delay.
	ErrExitedEarly = errors.New("target exited during startup")
)

// Spec describes how to launch the target.
type Spec struct {
	Command      string
	Args         []string
	Env          []string
	Dir          string
	Grace        time.Duration
	StartupDelay time.Duration
}

// Process is a running target. Stdin and Stdout are borrowed by the session;
// the Process owns the handle and closes them.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}

	mu       sync.Mutex
	waitErr  error
	exitCode int
	tail     []string

	stopOnce sync.Once
	stopErr  error
}

// Start launches the target in its own process group with piped stdin and
// stdout. Stderr lines go to the debug log.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("supervisor: empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe keeps the read ends ours: Wait must not close them while
	// frames are still buffered.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	_ = outW.Close()
	_ = errW.Close()

	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	p := &Process{Stdin: stdin, Stdout: outR, cmd: cmd, grace: grace, done: make(chan struct{}), exitCode: -1}
	logx.Log.Info().Int("pid", p.Pid()).Str("command", spec.Command).Strs("args", spec.Args).Msg("target started")

	go p.forwardStderr(errR)
	go p.wait()

	if spec.StartupDelay > 0 {
		t := time.NewTimer(spec.StartupDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.done:
			return p, fmt.Errorf("%w: exit code %d", ErrExitedEarly, p.ExitCode())
		case <-ctx.Done():
			_ = p.Stop()
			return nil, ctx.Err()
		}
	}
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	code := p.exitCode
	p.mu.Unlock()
	logx.Log.Debug().Int("pid", p.Pid()).Int("code", code).Msg("target exited")
	close(p.done)
}

func (p *Process) forwardStderr(r io.ReadCloser) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		logx.Log.Debug().Int("pid", p.Pid()).Str("line", line).Msg("target stderr")
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTail {
			p.tail = p.tail[len(p.tail)-stderrTail:]
		}
		p.mu.Unlock()
	}
}

// Pid returns the target's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the target has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the target has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is -1 while running or when the target died from a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// StderrTail returns the last lines the target wrote to stderr.
func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// Stop terminates the target. It closes stdin, signals SIGTERM to the
// process group, waits for the grace window and then escalates to SIGKILL.
// Only the first call acts; later calls return the same result.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		_ = p.Stdin.Close()
		defer p.Stdout.Close()
		if p.Exited() {
			return
		}
		if err := terminate(p.cmd.Process); err != nil {
			logx.Log.Debug().Err(err).Int("pid", p.Pid()).Msg("terminate")
		}
		t := time.NewTimer(p.grace)
		defer t.Stop()
		select {
		case <-p.done:
			logx.Log.Debug().Int("pid", p.Pid()).Msg("target stopped")
		case <-t.C:
			logx.Log.Warn().Int("pid", p.Pid()).Dur("grace", p.grace).Msg("target ignored SIGTERM; killing")
			_ = kill(p.cmd.Process)
			<-p.done
			p.stopErr = ErrKilled
		}
	})
	return p.stopErr
}

// Run starts the target, hands it to fn and stops it on every exit path,
// including a panic in fn or cancellation of ctx.
func Run(ctx context.Context, spec Spec, fn func(ctx context.Context, p *Process) error) error {
	p, err := Start(ctx, spec)
	if err != nil {
		if p != nil {
			_ = p.Stop()
		}
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				_ = p.Stop()
			}
		case <-p.done:
		}
	}()
	defer func() {
		if stopErr := p.Stop(); stopErr != nil {
			logx.Log.Warn().Err(stopErr).Int("pid", p.Pid()).Msg("stop target")
		}
	}()
	return fn(runCtx, p)
}
