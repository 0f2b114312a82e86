package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManagerConfig contains what the manager needs to start sessions
type ManagerConfig struct {
	Source      string
	Encoder     EncoderConfig
	MaxSessions int
}

// Manager opens stream sessions and tracks them until they are reaped. It is
// the only state shared between requests.
type Manager struct {
	source      string
	invocation  Invocation
	launcher    Launcher
	chunkSize   int
	killGrace   time.Duration
	maxSessions int
	hookTimeout time.Duration

	logger   Logger
	metrics  *Metrics
	history  HistoryRecorder
	events   EventPublisher
	notifier Notifier

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  int
	closed   bool

	active sync.WaitGroup
	hooks  sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// Option configures optional manager collaborators
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the Prometheus metrics sink
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLauncher replaces the os/exec launcher
func WithLauncher(launcher Launcher) Option {
	return func(m *Manager) { m.launcher = launcher }
}

// WithInvocation overrides the command line built from the encoder config
func WithInvocation(inv Invocation) Option {
	return func(m *Manager) { m.invocation = inv }
}

// WithHistory records every finished session
func WithHistory(history HistoryRecorder) Option {
	return func(m *Manager) { m.history = history }
}

// WithEvents publishes session lifecycle events
func WithEvents(events EventPublisher) Option {
	return func(m *Manager) { m.events = events }
}

// WithNotifier sends alerts for abnormal encoder exits
func WithNotifier(notifier Notifier) Option {
	return func(m *Manager) { m.notifier = notifier }
}

// NewManager creates a session manager for the given capture source
func NewManager(config ManagerConfig, opts ...Option) (*Manager, error) {
	if config.Source == "" {
		return nil, errors.New("invalid configuration: capture source cannot be empty")
	}
	if err := config.Encoder.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if config.MaxSessions < 0 {
		return nil, errors.New("invalid configuration: max sessions must be >= 0")
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		source:      config.Source,
		invocation:  config.Encoder.Invocation(config.Source),
		launcher:    NewExecLauncher(config.Encoder),
		chunkSize:   config.Encoder.ChunkSize,
		killGrace:   config.Encoder.KillGrace,
		maxSessions: config.MaxSessions,
		hookTimeout: 10 * time.Second,
		logger:      DefaultLogger(),
		sessions:    make(map[string]*Session),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(String("component", "session_manager"))

	m.logger.Info("Created session manager",
		String("source", m.source),
		String("invocation", m.invocation.String()),
		Int("max_sessions", m.maxSessions),
	)

	return m, nil
}

// Open starts an encoder for a new session. The returned session must be
// relayed or closed by the caller. Spawn failures match ErrSpawn; a full or
// stopping manager returns an error matching ErrCapacity.
func (m *Manager) Open(ctx context.Context, remote string) (*Session, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}

	session := newSession(ctx, m, uuid.New().String(), remote)

	proc, err := m.launcher.Start(session.ctx, m.invocation)
	if err != nil {
		for _, stop := range session.unwatch {
			stop()
		}
		session.cancel()
		m.unreserve()

		// A launch cut short by Shutdown is a refusal, not a spawn failure.
		if m.ctx.Err() != nil {
			m.logger.Info("Session refused, manager shutting down", String("remote", remote))
			return nil, NewPipelineError("open", ErrShuttingDown, CategoryCapacity, SeverityLow)
		}

		var pipelineErr *PipelineError
		if !errors.As(err, &pipelineErr) {
			err = NewPipelineError("start", err, CategorySpawn, SeverityHigh)
		}
		m.metrics.RecordSpawnFailure()
		m.logger.Error("Failed to start encoder",
			Error(err),
			String("remote", remote),
			String("command", m.invocation.Command),
		)
		return nil, err
	}

	session.attach(proc, m.killGrace)

	m.mu.Lock()
	m.pending--
	m.sessions[session.id] = session
	m.mu.Unlock()

	m.metrics.RecordSessionStarted()
	session.logger.Info("Stream session started")

	if m.events != nil {
		event := SessionEvent{
			Type:      EventSessionStarted,
			SessionID: session.id,
			Source:    m.source,
			Remote:    remote,
			Timestamp: session.startedAt,
		}
		m.runHook("event", func(ctx context.Context) error {
			return m.events.Publish(ctx, event)
		})
	}

	return session, nil
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewPipelineError("open", ErrShuttingDown, CategoryCapacity, SeverityLow)
	}
	if m.maxSessions > 0 && len(m.sessions)+m.pending >= m.maxSessions {
		return NewPipelineError("open", fmt.Errorf("%d of %d sessions in use", len(m.sessions)+m.pending, m.maxSessions), CategoryCapacity, SeverityLow)
	}

	m.pending++
	m.active.Add(1)
	return nil
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
	m.active.Done()
}

// complete is called once per session after its encoder was reaped
func (m *Manager) complete(summary SessionSummary) {
	defer m.active.Done()

	m.mu.Lock()
	delete(m.sessions, summary.ID)
	m.mu.Unlock()

	m.metrics.RecordSessionEnded(summary)

	if m.history != nil {
		m.runHook("history", func(ctx context.Context) error {
			return m.history.RecordSession(ctx, summary)
		})
	}
	if m.events != nil {
		event := SessionEvent{
			Type:      EventSessionEnded,
			SessionID: summary.ID,
			Source:    summary.Source,
			Remote:    summary.Remote,
			Timestamp: summary.EndedAt,
			Summary:   &summary,
		}
		m.runHook("event", func(ctx context.Context) error {
			return m.events.Publish(ctx, event)
		})
	}
	if summary.Abnormal && m.notifier != nil {
		m.runHook("alert", func(ctx context.Context) error {
			return m.notifier.NotifyAbnormalExit(ctx, summary)
		})
	}
}

// runHook runs fn off the request goroutine. Hooks outlive the manager
// context so end-of-session records are still written during shutdown.
func (m *Manager) runHook(name string, fn func(ctx context.Context) error) {
	m.hooks.Add(1)
	go func() {
		defer m.hooks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.hookTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			m.logger.Warn("Post-session hook failed", String("hook", name), Error(err))
		}
	}()
}

// Active returns a snapshot of the running sessions, oldest first
func (m *Manager) Active() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := s.Info()
		if info.PID > 0 {
			if stats, err := SampleProcess(info.PID); err == nil {
				info.Encoder = stats
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// ActiveCount returns the number of running sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Source returns the capture source every session reads from
func (m *Manager) Source() string {
	return m.source
}

// Invocation returns the encoder command line
func (m *Manager) Invocation() Invocation {
	return m.invocation
}

// Uptime returns how long the manager has been running
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Shutdown refuses new sessions, cancels the running ones and waits until
// every encoder is reaped and every post-session hook has returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	first := !m.closed
	m.closed = true
	count := len(m.sessions)
	m.mu.Unlock()

	if first {
		m.logger.Info("Shutting down session manager", Int("active_sessions", count))
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		m.hooks.Wait()
		close(done)
	}()

	select {
	case <-done:
		if first {
			m.logger.Info("Session manager stopped", Duration("uptime", m.Uptime()))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to end: %w", ctx.Err())
	}
}
