package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// supervisor owns the teardown of one encoder process. Whatever path ends a
// session, the process is terminated, waited on and closed exactly once.
type supervisor struct {
	proc  Process
	grace time.Duration

	terminated atomic.Bool
	once       sync.Once
	status     ExitStatus
	closeErr   error
}

func newSupervisor(proc Process, grace time.Duration) *supervisor {
	return &supervisor{proc: proc, grace: grace}
}

// terminate stops the process on behalf of the session
func (s *supervisor) terminate() {
	s.terminated.Store(true)
	s.proc.Terminate()
}

// terminatedBySession reports whether the session asked the process to stop
// before it exited on its own.
func (s *supervisor) terminatedBySession() bool {
	return s.terminated.Load()
}

// reap terminates, waits and closes the process. When drained is true the
// encoder already closed its output, so it gets one grace period to exit by
// itself and keep its own exit status.
func (s *supervisor) reap(drained bool) ExitStatus {
	s.once.Do(func() {
		if !drained {
			s.terminate()
		}

		waited := make(chan ExitStatus, 1)
		go func() {
			waited <- s.proc.Wait()
		}()

		timer := time.NewTimer(s.grace)
		defer timer.Stop()

		select {
		case s.status = <-waited:
		case <-timer.C:
			s.terminate()
			s.status = <-waited
		}

		s.closeErr = s.proc.Close()
	})
	return s.status
}
