package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Launcher starts encoder processes
type Launcher interface {
	// Start launches inv with stdout as a readable stream and stderr captured
	// separately. The process is terminated when ctx is done.
	Start(ctx context.Context, inv Invocation) (Process, error)
}

// Process is a running encoder owned by exactly one session.
type Process interface {
	io.Reader

	// PID returns the operating system process id
	PID() int

	// Terminate asks the process to stop. It is safe to call repeatedly and
	// after the process has exited.
	Terminate()

	// Wait blocks until the process has exited and been reaped. Later calls
	// return the same status without reaping again.
	Wait() ExitStatus

	// Close releases the stdout and stderr handles
	Close() error

	// Diagnostics returns the captured tail of the process's stderr
	Diagnostics() string
}

// ExecLauncher starts encoders as child processes with os/exec
type ExecLauncher struct {
	// KillGrace is how long a terminated process may take to exit before it
	// is killed and its pipes are closed.
	KillGrace        time.Duration
	DiagnosticsLimit int
}

// NewExecLauncher creates a launcher from the encoder configuration
func NewExecLauncher(config EncoderConfig) *ExecLauncher {
	return &ExecLauncher{
		KillGrace:        config.KillGrace,
		DiagnosticsLimit: config.DiagnosticsLimit,
	}
}

// Start implements Launcher
func (l *ExecLauncher) Start(ctx context.Context, inv Invocation) (Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = l.KillGrace

	diagnostics := newTailBuffer(l.DiagnosticsLimit)
	cmd.Stderr = diagnostics

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, NewPipelineError("stdout pipe", err, CategorySpawn, SeverityHigh).
			WithContext("command", inv.Command)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, NewPipelineError("start", err, CategorySpawn, SeverityHigh).
			WithContext("command", inv.Command)
	}

	return &execProcess{
		cmd:         cmd,
		stdout:      stdout,
		diagnostics: diagnostics,
		cancel:      cancel,
	}, nil
}

type execProcess struct {
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	diagnostics *tailBuffer
	cancel      context.CancelFunc

	waitOnce sync.Once
	status   ExitStatus

	closeOnce sync.Once
	closeErr  error
}

func (p *execProcess) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

// Terminate cancels the command context; exec then runs the group SIGTERM
// and escalates to SIGKILL after WaitDelay.
func (p *execProcess) Terminate() {
	p.cancel()
}

func (p *execProcess) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.status = exitStatusOf(p.cmd.ProcessState, err)
		killProcessGroup(p.cmd)
		p.cancel()
	})
	return p.status
}

func (p *execProcess) Close() error {
	p.closeOnce.Do(func() {
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = err
		}
		p.diagnostics.Close()
	})
	return p.closeErr
}

func (p *execProcess) Diagnostics() string {
	return p.diagnostics.String()
}

func exitStatusOf(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{
		Code:   state.ExitCode(),
		Signal: exitSignal(state),
	}
}

// tailBuffer keeps the last limit bytes written to it. Writes never fail so
// a chatty encoder cannot block on its stderr.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	closed    atomic.Bool
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 8 * 1024
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return len(p), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.truncated {
		return "...(truncated)\n" + string(t.buf)
	}
	return string(t.buf)
}

func (t *tailBuffer) Close() {
	t.closed.Store(true)
}
