package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProcess is an in-memory encoder. It serves chunks, then either ends
// its output, keeps producing, or blocks until terminated.
type fakeProcess struct {
	mu     sync.Mutex
	chunks [][]byte

	endless      []byte
	blockAtEnd   bool
	holdAfterEOF bool
	readErr      error
	exit         ExitStatus
	diagnostics  string

	terminated chan struct{}
	termOnce   sync.Once

	terminateCalls atomic.Int32
	waitCalls      atomic.Int32
	closeCalls     atomic.Int32
}

func newFakeProcess(chunks ...[]byte) *fakeProcess {
	return &fakeProcess{chunks: chunks, terminated: make(chan struct{})}
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) > 0 {
		chunk := p.chunks[0]
		p.chunks = p.chunks[1:]
		p.mu.Unlock()
		return copy(b, chunk), nil
	}
	p.mu.Unlock()

	switch {
	case p.endless != nil:
		select {
		case <-p.terminated:
			return 0, io.EOF
		default:
			return copy(b, p.endless), nil
		}
	case p.blockAtEnd:
		<-p.terminated
		return 0, io.EOF
	case p.readErr != nil:
		return 0, p.readErr
	default:
		return 0, io.EOF
	}
}

func (p *fakeProcess) PID() int { return 0 }

func (p *fakeProcess) Terminate() {
	p.terminateCalls.Add(1)
	p.termOnce.Do(func() { close(p.terminated) })
}

func (p *fakeProcess) Wait() ExitStatus {
	p.waitCalls.Add(1)
	if p.holdAfterEOF {
		<-p.terminated
	}
	select {
	case <-p.terminated:
		return ExitStatus{Code: -1, Signal: "terminated"}
	default:
		return p.exit
	}
}

func (p *fakeProcess) Close() error {
	p.closeCalls.Add(1)
	return nil
}

func (p *fakeProcess) Diagnostics() string { return p.diagnostics }

type fakeLauncher struct {
	mu     sync.Mutex
	next   func() *fakeProcess
	err    error
	procs  []*fakeProcess
	starts int

	// onStart runs before the process is created; an error fails the launch
	onStart func(ctx context.Context) error
}

func (l *fakeLauncher) Start(ctx context.Context, inv Invocation) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.starts++
	if l.onStart != nil {
		if err := l.onStart(ctx); err != nil {
			return nil, err
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	p := l.next()
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) started() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

// fakeSink records writes and fails the failAt-th one when failAt > 0.
type fakeSink struct {
	mu      sync.Mutex
	data    bytes.Buffer
	writes  int
	flushes int
	failAt  int
	first   chan struct{}
	once    sync.Once
}

func newFakeSink() *fakeSink {
	return &fakeSink{first: make(chan struct{})}
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if s.failAt > 0 && s.writes == s.failAt {
		return 0, errors.New("write: broken pipe")
	}
	s.once.Do(func() { close(s.first) })
	return s.data.Write(p)
}

func (s *fakeSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSink) snapshot() (writes, flushes, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.flushes, s.data.Len()
}

type recordingHooks struct {
	mu        sync.Mutex
	summaries []SessionSummary
	events    []SessionEvent
	alerts    []SessionSummary
}

func (h *recordingHooks) RecordSession(ctx context.Context, summary SessionSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, summary)
	return nil
}

func (h *recordingHooks) Publish(ctx context.Context, event SessionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHooks) NotifyAbnormalExit(ctx context.Context, summary SessionSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, summary)
	return nil
}

func newTestManager(t *testing.T, launcher Launcher, opts ...Option) *Manager {
	t.Helper()

	config := DefaultEncoderConfig()
	config.KillGrace = 50 * time.Millisecond

	options := append([]Option{WithLauncher(launcher), WithLogger(NullLogger())}, opts...)
	m, err := NewManager(ManagerConfig{Source: "test.monitor", Encoder: config}, options...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}
