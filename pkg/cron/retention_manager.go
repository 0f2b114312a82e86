package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// ErrCleanupInProgress is returned when a cleanup is requested while one runs
var ErrCleanupInProgress = errors.New("history cleanup already in progress")

// PruneFunc deletes history older than cutoff and returns the number removed
type PruneFunc func(ctx context.Context, cutoff time.Time) (int64, error)

// RetentionManager periodically prunes the session history
type RetentionManager struct {
	cron      *cron.Cron
	cronEntry cron.EntryID
	pruneFunc PruneFunc
	retention time.Duration
	timeout   time.Duration
	schedule  string
	logger    pipeline.Logger

	mutex       sync.RWMutex
	isRunning   bool
	lastRun     time.Time
	lastDeleted int64

	initial sync.WaitGroup
}

// NewRetentionManager schedules pruneFunc on a six-field cron schedule
// (seconds first). History older than retention is removed on each run.
func NewRetentionManager(schedule string, retention time.Duration, pruneFunc PruneFunc, logger pipeline.Logger) (*RetentionManager, error) {
	if pruneFunc == nil {
		return nil, errors.New("prune function is nil")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if logger == nil {
		logger = pipeline.NullLogger()
	}

	manager := &RetentionManager{
		cron:      cron.New(cron.WithSeconds()),
		pruneFunc: pruneFunc,
		retention: retention,
		timeout:   time.Minute,
		schedule:  schedule,
		logger:    logger.With(pipeline.String("component", "history_retention")),
	}

	entryID, err := manager.cron.AddFunc(schedule, manager.scheduledCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule history cleanup %q: %w", schedule, err)
	}
	manager.cronEntry = entryID

	return manager, nil
}

// Start starts the scheduler and runs one cleanup immediately
func (rm *RetentionManager) Start() {
	rm.cron.Start()
	rm.logger.Info("Scheduled history cleanup",
		pipeline.String("schedule", rm.schedule),
		pipeline.Duration("retention", rm.retention),
	)

	rm.initial.Add(1)
	go func() {
		defer rm.initial.Done()
		rm.scheduledCleanup()
	}()
}

func (rm *RetentionManager) scheduledCleanup() {
	if _, err := rm.RunNow(); err != nil && !errors.Is(err, ErrCleanupInProgress) {
		rm.logger.Warn("History cleanup failed", pipeline.Error(err))
	}
}

// RunNow prunes the history synchronously
func (rm *RetentionManager) RunNow() (int64, error) {
	rm.mutex.Lock()
	if rm.isRunning {
		rm.mutex.Unlock()
		rm.logger.Debug("History cleanup already in progress, skipping")
		return 0, ErrCleanupInProgress
	}
	rm.isRunning = true
	rm.mutex.Unlock()

	defer func() {
		rm.mutex.Lock()
		rm.isRunning = false
		rm.mutex.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), rm.timeout)
	defer cancel()

	cutoff := time.Now().Add(-rm.retention)
	deleted, err := rm.pruneFunc(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	rm.mutex.Lock()
	rm.lastRun = time.Now()
	rm.lastDeleted = deleted
	rm.mutex.Unlock()

	rm.logger.Debug("History cleanup completed", pipeline.Int64("deleted", deleted))
	return deleted, nil
}

// Stop stops the scheduler and waits for running cleanups to finish,
// including the one Start kicked off
func (rm *RetentionManager) Stop() {
	<-rm.cron.Stop().Done()
	rm.initial.Wait()
	rm.logger.Info("History retention stopped")
}

// GetNextRun returns the next scheduled run time
func (rm *RetentionManager) GetNextRun() time.Time {
	return rm.cron.Entry(rm.cronEntry).Next
}

// IsRunning returns whether a cleanup is currently in progress
func (rm *RetentionManager) IsRunning() bool {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return rm.isRunning
}

// LastRun returns when the last cleanup finished and how many rows it removed
func (rm *RetentionManager) LastRun() (time.Time, int64) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return rm.lastRun, rm.lastDeleted
}

// GetSchedule returns the current cron schedule
func (rm *RetentionManager) GetSchedule() string {
	return rm.schedule
}
