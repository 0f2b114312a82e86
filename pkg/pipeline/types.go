package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/latoulicious/sinkstream/pkg/common"
)

// SessionState represents the current state of a stream session
type SessionState int

const (
	StateStarting SessionState = iota
	StateStreaming
	StateDraining
	StateTerminated
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EndReason records why a session's relay loop stopped
type EndReason string

const (
	ReasonEndOfStream EndReason = "end_of_stream"
	ReasonReadFailed  EndReason = "read_failed"
	ReasonClientGone  EndReason = "client_gone"
	ReasonShutdown    EndReason = "shutdown"
	ReasonAborted     EndReason = "aborted"
)

// ErrorSeverity represents the severity level of pipeline errors
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrorCategory represents the category of pipeline errors
type ErrorCategory int

const (
	CategorySpawn ErrorCategory = iota
	CategoryRead
	CategoryWrite
	CategoryProcess
	CategoryCapacity
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategorySpawn:
		return "spawn"
	case CategoryRead:
		return "read"
	case CategoryWrite:
		return "write"
	case CategoryProcess:
		return "process"
	case CategoryCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *PipelineError of the same category.
var (
	ErrSpawn        = errors.New("encoder could not be started")
	ErrRead         = errors.New("encoder output could not be read")
	ErrWrite        = errors.New("client write failed")
	ErrAbnormalExit = errors.New("encoder exited abnormally")
	ErrCapacity     = errors.New("session capacity reached")
	ErrShuttingDown = errors.New("session manager is shutting down")
)

var categorySentinels = map[ErrorCategory]error{
	CategorySpawn:    ErrSpawn,
	CategoryRead:     ErrRead,
	CategoryWrite:    ErrWrite,
	CategoryProcess:  ErrAbnormalExit,
	CategoryCapacity: ErrCapacity,
}

// PipelineError represents an error in the audio pipeline with classification
type PipelineError struct {
	Op        string
	Err       error
	Category  ErrorCategory
	Severity  ErrorSeverity
	Timestamp time.Time
	Context   map[string]interface{}
}

func (pe *PipelineError) Error() string {
	if pe.Op == "" {
		return fmt.Sprintf("%s: %v", pe.Category, pe.Err)
	}
	return fmt.Sprintf("%s %s: %v", pe.Category, pe.Op, pe.Err)
}

func (pe *PipelineError) Unwrap() error {
	return pe.Err
}

// Is reports whether target is the sentinel for this error's category.
func (pe *PipelineError) Is(target error) bool {
	sentinel, ok := categorySentinels[pe.Category]
	return ok && sentinel == target
}

// NewPipelineError creates a new classified pipeline error
func NewPipelineError(op string, err error, category ErrorCategory, severity ErrorSeverity) *PipelineError {
	return &PipelineError{
		Op:        op,
		Err:       err,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithContext attaches a key/value pair and returns the same error
func (pe *PipelineError) WithContext(key string, value interface{}) *PipelineError {
	pe.Context[key] = value
	return pe
}

// ExitStatus is the result of reaping an encoder process.
type ExitStatus struct {
	// Code is the process exit code, or -1 when it was killed by a signal.
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Success reports whether the process exited on its own with code 0
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// SessionSummary is the immutable record of a finished session
type SessionSummary struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Remote      string            `json:"remote"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Bytes       int64             `json:"bytes"`
	Chunks      int64             `json:"chunks"`
	Reason      EndReason         `json:"reason"`
	Exit        ExitStatus        `json:"exit"`
	Abnormal    bool              `json:"abnormal"`
	Diagnostics string            `json:"diagnostics,omitempty"`
	Format      *common.WAVFormat `json:"format,omitempty"`
}

// Duration returns how long the session was alive
func (s SessionSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// SessionInfo is a point-in-time view of an active session
type SessionInfo struct {
	ID        string            `json:"id"`
	Remote    string            `json:"remote"`
	State     string            `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	Bytes     int64             `json:"bytes"`
	Chunks    int64             `json:"chunks"`
	Peak      float64           `json:"peak"`
	PID       int               `json:"pid"`
	Format    *common.WAVFormat `json:"format,omitempty"`
	Encoder   *ProcessStats     `json:"encoder,omitempty"`
}

const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
)

// SessionEvent is published when a session starts or ends
type SessionEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Source    string          `json:"source"`
	Remote    string          `json:"remote"`
	Timestamp time.Time       `json:"timestamp"`
	Summary   *SessionSummary `json:"summary,omitempty"`
}
