package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latoulicious/sinkstream/pkg/common"
)

// Session relays one encoder's output to one client. It owns the encoder
// process and never outlives it: every way out of Relay or Close reaps it.
type Session struct {
	id        string
	source    string
	remote    string
	chunkSize int
	startedAt time.Time

	logger  Logger
	metrics *Metrics

	// ctx is done when the client goes away or the manager shuts down
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown context.Context
	unwatch  []func() bool

	proc Process
	sup  *supervisor

	mu     sync.RWMutex
	state  SessionState
	format *common.WAVFormat

	bytes  atomic.Int64
	chunks atomic.Int64
	peak   atomic.Uint64
	// meter is only touched by the relay goroutine
	meter common.PeakMeter

	endOnce sync.Once
	summary SessionSummary
	onEnd   func(SessionSummary)
}

func newSession(ctx context.Context, m *Manager, id, remote string) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        id,
		source:    m.source,
		remote:    remote,
		chunkSize: m.chunkSize,
		startedAt: time.Now(),
		logger: m.logger.With(
			String("session_id", id),
			String("remote", remote),
		),
		metrics:  m.metrics,
		ctx:      sctx,
		cancel:   cancel,
		shutdown: m.ctx,
		state:    StateStarting,
		onEnd:    m.complete,
	}
	s.unwatch = append(s.unwatch, context.AfterFunc(m.ctx, cancel))
	return s
}

// attach hands the started encoder to the session. From here on the session
// is responsible for reaping it.
func (s *Session) attach(proc Process, grace time.Duration) {
	s.proc = proc
	s.sup = newSupervisor(proc, grace)
	s.unwatch = append(s.unwatch, context.AfterFunc(s.ctx, s.sup.terminate))
	s.logger = s.logger.With(Int("pid", proc.PID()))
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Relay copies encoder output to sink until the encoder ends its output, the
// sink fails, or the session context is cancelled. It then reaps the encoder
// and returns the session summary. Calling it again returns the same summary.
func (s *Session) Relay(sink Sink) SessionSummary {
	s.endOnce.Do(func() {
		reason := ReasonAborted
		defer func() {
			s.summary = s.finish(reason)
		}()
		reason = s.pump(sink)
	})
	return s.summary
}

// Close reaps the encoder if Relay was never run. It is safe to call after
// Relay and more than once.
func (s *Session) Close() {
	s.endOnce.Do(func() {
		s.summary = s.finish(ReasonAborted)
	})
}

func (s *Session) pump(sink Sink) EndReason {
	s.changeState(StateStreaming, "relay started")

	buf := make([]byte, s.chunkSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			if s.ctx.Err() != nil {
				return s.cancelReason()
			}

			chunk := buf[:n]
			audio := chunk
			if s.chunks.Load() == 0 {
				audio = chunk[s.detectFormat(chunk):]
			}

			if werr := writeChunk(sink, chunk); werr != nil {
				s.logger.Debug("Client write failed, stopping relay",
					Error(NewPipelineError("write", werr, CategoryWrite, SeverityLow)),
					Int64("chunks", s.chunks.Load()),
				)
				return ReasonClientGone
			}

			s.bytes.Add(int64(n))
			s.chunks.Add(1)
			if len(audio) > 0 {
				s.peak.Store(math.Float64bits(s.meter.Measure(audio)))
			}
			s.metrics.RecordBytes(n)
		}

		if err != nil {
			if s.ctx.Err() != nil {
				return s.cancelReason()
			}
			if errors.Is(err, io.EOF) {
				return ReasonEndOfStream
			}
			s.logger.Warn("Encoder read failed, ending stream",
				Error(NewPipelineError("read", err, CategoryRead, SeverityMedium)),
			)
			return ReasonReadFailed
		}
	}
}

func writeChunk(sink Sink, chunk []byte) error {
	if _, err := sink.Write(chunk); err != nil {
		return err
	}
	return sink.Flush()
}

func (s *Session) cancelReason() EndReason {
	if s.shutdown.Err() != nil {
		return ReasonShutdown
	}
	return ReasonClientGone
}

// detectFormat parses the WAV header of the first chunk and returns where
// its sample data starts. Unrecognised chunks are treated as raw PCM.
func (s *Session) detectFormat(chunk []byte) int {
	format, err := common.ProbeWAV(chunk)
	if err != nil {
		s.logger.Debug("Could not detect stream format", Error(err))
		return 0
	}

	s.mu.Lock()
	s.format = &format
	s.mu.Unlock()

	s.logger.Info("Detected stream format",
		Int("sample_rate", format.SampleRate),
		Int("channels", format.Channels),
		Int("bits_per_sample", format.BitsPerSample),
	)

	offset, ok := common.WAVDataOffset(chunk)
	if !ok {
		return len(chunk)
	}
	return offset
}

// finish tears the encoder down and builds the summary
func (s *Session) finish(reason EndReason) SessionSummary {
	s.changeState(StateDraining, string(reason))

	status := s.sup.reap(reason == ReasonEndOfStream)
	for _, stop := range s.unwatch {
		stop()
	}
	s.cancel()

	if s.sup.closeErr != nil {
		s.logger.Debug("Closing encoder handles failed", Error(s.sup.closeErr))
	}

	s.mu.RLock()
	format := s.format
	s.mu.RUnlock()

	summary := SessionSummary{
		ID:        s.id,
		Source:    s.source,
		Remote:    s.remote,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Bytes:     s.bytes.Load(),
		Chunks:    s.chunks.Load(),
		Reason:    reason,
		Exit:      status,
		Format:    format,
	}

	diagnostics := s.proc.Diagnostics()
	switch {
	case status.Success():
		s.changeState(StateTerminated, status.String())
	case s.sup.terminatedBySession():
		s.changeState(StateTerminated, status.String())
		s.logger.Debug("Encoder stopped by session",
			String("exit", status.String()),
			String("diagnostics", diagnostics),
		)
	default:
		summary.Abnormal = true
		summary.Diagnostics = diagnostics
		s.changeState(StateFailed, status.String())
		s.logger.Warn("Encoder exited abnormally",
			Error(NewPipelineError("wait", fmt.Errorf("%w: %s", ErrAbnormalExit, status), CategoryProcess, SeverityMedium)),
			Int("exit_code", status.Code),
			String("diagnostics", diagnostics),
		)
	}

	s.logger.Info("Stream session ended",
		String("reason", string(reason)),
		Int("exit_code", status.Code),
		Int64("bytes", summary.Bytes),
		Int64("chunks", summary.Chunks),
		Duration("duration", summary.Duration()),
	)

	if s.onEnd != nil {
		s.onEnd(summary)
	}
	return summary
}

// Info returns a snapshot of the session for status reporting
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:        s.id,
		Remote:    s.remote,
		State:     s.state.String(),
		StartedAt: s.startedAt,
		Bytes:     s.bytes.Load(),
		Chunks:    s.chunks.Load(),
		Peak:      math.Float64frombits(s.peak.Load()),
		Format:    s.format,
	}
	if s.proc != nil {
		info.PID = s.proc.PID()
	}
	return info
}

// changeState changes the session state and logs the transition
func (s *Session) changeState(newState SessionState, reason string) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	s.logger.Debug("Session state changed",
		String("from", oldState.String()),
		String("to", newState.String()),
		String("reason", reason),
	)
}
