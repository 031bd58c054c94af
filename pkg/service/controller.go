package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/metrics"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
)

// ErrStopped is returned by Run when an operator stop was honored.
var ErrStopped = errors.New("pipeline stopped by operator")

// RunSettings is the configuration slice the controller samples once at
// run start. Periods are processed strictly in the given order.
type RunSettings struct {
	Periods       []string
	WaitForStart  bool
	Resumable     bool // false = strict mode: abort remaining periods on the first failing stage
	TaskDelay     time.Duration
	PollInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Controller sequences the pipeline stages over the configured periods,
// drives each stage worker over its pending tasks, records outcomes
// through the state manager and cooperatively honors control commands
// sampled from the monitor at item granularity.
type Controller struct {
	settings func() RunSettings
	sm       *StateManager
	mon      *Monitor
	logger   Logger
	workers  map[string]StageWorker

	mu          sync.Mutex
	running     bool
	paused      bool
	shouldStop  bool
	initialized map[string]bool
}

func NewController(settings func() RunSettings, sm *StateManager, mon *Monitor, workers []StageWorker, logger Logger) *Controller {
	byName := make(map[string]StageWorker, len(workers))
	for _, w := range workers {
		byName[w.Name()] = w
	}
	return &Controller{
		settings:    settings,
		sm:          sm,
		mon:         mon,
		logger:      logger,
		workers:     byName,
		initialized: make(map[string]bool),
	}
}

// IsRunning reports whether a run is active. Configuration updates are
// refused while this holds.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// IsPaused reports whether the current run is paused.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// RequestStop sets the stop flag directly, bypassing the command slot.
// Context cancellation (the signal path) funnels into it via
// sampleControl; observed at the same cooperative checkpoints as an
// operator stop.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	c.shouldStop = true
	c.mu.Unlock()
}

func (c *Controller) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldStop
}

// Run executes the full pipeline: the acquire_store stage for every
// configured period in order, then the derive stage for every adjacent
// period pair. Returns nil only on full success; ErrStopped when an
// operator stop was honored.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("pipeline already running")
	}
	c.running = true
	c.paused = false
	c.shouldStop = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.paused = false
		c.mu.Unlock()
	}()

	st := c.settings()

	if st.WaitForStart {
		c.mon.UpdateStatus(models.WaitingPipelineStatus, "", "")
		c.logger.Infof("Waiting for start command")
		if err := c.mon.WaitForStart(ctx); err != nil {
			c.mon.UpdateStatus(models.StoppedPipelineStatus, "", "")
			return errors.Wrap(err, "interrupted while waiting for start")
		}
	}
	c.mon.UpdateStatus(models.RunningPipelineStatus, "", "")
	c.logger.Infof("Pipeline run started over %d periods (resumable=%v)", len(st.Periods), st.Resumable)

	runFailed := false
	strictAbort := false

	for _, period := range st.Periods {
		if !c.sampleControl(ctx, st) {
			break
		}
		ok, err := c.runStage(ctx, st, AcquireStoreStage, period)
		if err != nil {
			return c.finish(models.ErrorPipelineStatus, err)
		}
		if !ok {
			runFailed = true
			if !st.Resumable {
				strictAbort = true
				break
			}
		}
	}

	if !c.stopRequested() && !strictAbort {
		for i := 0; i+1 < len(st.Periods); i++ {
			if !c.sampleControl(ctx, st) {
				break
			}
			period := pairPeriod(st.Periods[i], st.Periods[i+1])
			ok, err := c.runStage(ctx, st, DeriveStage, period)
			if err != nil {
				return c.finish(models.ErrorPipelineStatus, err)
			}
			if !ok {
				runFailed = true
				if !st.Resumable {
					strictAbort = true
					break
				}
			}
		}
	}

	switch {
	case c.stopRequested():
		return c.finish(models.StoppedPipelineStatus, ErrStopped)
	case strictAbort:
		return c.finish(models.ErrorPipelineStatus, errors.New("stage failed in strict mode, remaining periods aborted"))
	case runFailed:
		return c.finish(models.CompletedPipelineStatus, errors.New("pipeline completed with failed tasks"))
	}
	return c.finish(models.CompletedPipelineStatus, nil)
}

func (c *Controller) finish(status models.PipelineStatus, err error) error {
	c.mon.UpdateStatus(status, "", "")
	metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	if err != nil {
		c.logger.Errorf("Pipeline run finished with status %s: %v", status, err)
	} else {
		c.logger.Infof("Pipeline run finished with status %s", status)
	}
	return err
}

// runStage executes one stage for one period. The returned bool is the
// stage outcome: true when at least one attempted item succeeded (or
// nothing needed doing), false when every attempted item failed. A non-nil
// error is fatal for the run (worker initialization failure).
func (c *Controller) runStage(ctx context.Context, st RunSettings, stage, period string) (bool, error) {
	worker, ok := c.workers[stage]
	if !ok {
		return false, errors.Errorf("no worker registered for stage %q", stage)
	}
	c.mon.UpdateStatus(models.RunningPipelineStatus, stage, period)

	if st.Resumable && c.sm.StageCompleted(stage, period) {
		c.logger.Infof("Stage %s period %s already completed, skipping", stage, period)
		return true, nil
	}

	if !c.initialized[stage] {
		if err := worker.Initialize(ctx); err != nil {
			return false, errors.Wrapf(err, "initialize %s worker", stage)
		}
		c.initialized[stage] = true
	}

	taskIDs := worker.TaskIDs(period)
	c.sm.GetOrCreate(stage, period, taskIDs, !st.Resumable)

	pending := c.sm.PendingTasks(stage, period)
	if len(pending) == 0 {
		// Nothing pending but failures on record would stall the stage
		// forever; reset and retry the failed set instead.
		if failed := c.sm.FailedTasks(stage, period); len(failed) > 0 {
			c.logger.Infof("Stage %s period %s has no pending tasks but %d failed, retrying those", stage, period, len(failed))
			c.sm.ResetFailed(stage, period)
			pending = c.sm.PendingTasks(stage, period)
		}
	}

	succeeded, failed := 0, 0
	for _, taskID := range pending {
		if !c.sampleControl(ctx, st) {
			break
		}
		c.sm.UpdateTaskStatus(stage, period, taskID, models.RunningTaskStatus, "", nil)
		md, err := c.processWithRetry(ctx, st, worker, period, taskID)
		if errors.Is(err, ErrTaskSkipped) {
			c.sm.UpdateTaskStatus(stage, period, taskID, models.SkippedTaskStatus, "", nil)
			c.logger.Infof("Task %s (stage %s, period %s) skipped: %v", taskID, stage, period, err)
		} else if err != nil {
			c.sm.UpdateTaskStatus(stage, period, taskID, models.FailedTaskStatus, err.Error(), nil)
			metrics.TasksFailed.WithLabelValues(stage).Inc()
			c.logger.Errorf("Task %s (stage %s, period %s) failed: %v", taskID, stage, period, err)
			failed++
		} else {
			c.sm.UpdateTaskStatus(stage, period, taskID, models.CompletedTaskStatus, "", md)
			metrics.TasksCompleted.WithLabelValues(stage).Inc()
			succeeded++
		}
		c.mon.Broadcast()
		if st.TaskDelay > 0 && !sleepCtx(ctx, st.TaskDelay) {
			break
		}
	}

	c.logger.Infof("Stage %s period %s: %d succeeded, %d failed", stage, period, succeeded, failed)
	if succeeded+failed == 0 {
		return true, nil
	}
	return succeeded > 0, nil
}

// processWithRetry invokes the worker for one item, retrying transient
// failures with a fixed delay. The orchestrator records only the final
// outcome.
func (c *Controller) processWithRetry(ctx context.Context, st RunSettings, worker StageWorker, period, taskID string) (map[string]string, error) {
	var md map[string]string
	var err error
	attempts := st.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		md, err = worker.ProcessTask(ctx, period, taskID)
		if err == nil || errors.Is(err, ErrTaskSkipped) {
			return md, err
		}
		if attempt < attempts {
			c.logger.Infof("Retrying task %s (attempt %d/%d): %v", taskID, attempt, attempts, err)
			if !sleepCtx(ctx, st.RetryDelay) {
				break
			}
		}
	}
	return nil, err
}

// sampleControl is the cooperative checkpoint observed before every item
// and every pause-wait iteration. It consumes the pending control signal
// and returns false when the run should unwind.
func (c *Controller) sampleControl(ctx context.Context, st RunSettings) bool {
	if ctx.Err() != nil {
		c.RequestStop()
	}
	if c.stopRequested() {
		c.mon.UpdateStatus(models.StoppingPipelineStatus, "", "")
		return false
	}

	cmd, ok := c.mon.PollCommand()
	if !ok {
		return true
	}
	switch cmd {
	case StopCommand:
		c.RequestStop()
		c.mon.UpdateStatus(models.StoppingPipelineStatus, "", "")
		return false
	case PauseCommand:
		return c.pauseLoop(ctx, st)
	case ResumeCommand:
		// Resume is only effective while paused.
		return true
	}
	return true
}

// pauseLoop polls for a resume or stop signal on a fixed interval until
// one arrives.
func (c *Controller) pauseLoop(ctx context.Context, st RunSettings) bool {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.mon.UpdateStatus(models.PausedPipelineStatus, "", "")
	c.logger.Infof("Pipeline paused")

	defer func() {
		c.mu.Lock()
		c.paused = false
		c.mu.Unlock()
	}()

	for {
		if !sleepCtx(ctx, st.PollInterval) {
			c.RequestStop()
			c.mon.UpdateStatus(models.StoppingPipelineStatus, "", "")
			return false
		}
		cmd, ok := c.mon.PollCommand()
		if !ok {
			continue
		}
		switch cmd {
		case StopCommand:
			c.RequestStop()
			c.mon.UpdateStatus(models.StoppingPipelineStatus, "", "")
			return false
		case ResumeCommand:
			c.mon.UpdateStatus(models.RunningPipelineStatus, "", "")
			c.logger.Infof("Pipeline resumed")
			return true
		}
	}
}

// pairPeriod names the derive-stage period for two consecutive periods.
func pairPeriod(from, to string) string {
	return fmt.Sprintf("%s_%s", from, to)
}

// sleepCtx sleeps for d unless the context ends first; returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
