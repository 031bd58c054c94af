package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/metrics"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
)

// Command is a control action posted by an operator.
type Command string

const (
	StartCommand       Command = "start"
	StopCommand        Command = "stop"
	PauseCommand       Command = "pause"
	ResumeCommand      Command = "resume"
	RetryFailedCommand Command = "retry_failed"
)

// ParseCommand validates an operator-submitted command name.
func ParseCommand(name string) (Command, error) {
	switch c := Command(name); c {
	case StartCommand, StopCommand, PauseCommand, ResumeCommand, RetryFailedCommand:
		return c, nil
	}
	return "", errors.Errorf("unknown command %q", name)
}

// observerBuffer bounds how far an observer may fall behind before it is
// dropped from the broadcast set.
const observerBuffer = 8

// Monitor is the control and monitoring channel between external
// operators and the running controller. Commands are held as coalesced
// pending signals consumed exactly once by the controller's poll step;
// progress is broadcast to any number of registered observers.
type Monitor struct {
	sm     *StateManager
	logger Logger

	mu            sync.Mutex
	pendingStop   bool
	pendingPause  bool
	pendingResume bool
	startCh       chan struct{}
	summary       models.StatusSummary
	observers     map[string]chan models.ProgressSnapshot
}

func NewMonitor(sm *StateManager, logger Logger) *Monitor {
	return &Monitor{
		sm:        sm,
		logger:    logger,
		startCh:   make(chan struct{}, 1),
		summary:   models.StatusSummary{Status: models.IdlePipelineStatus, LastUpdated: time.Now().UTC()},
		observers: make(map[string]chan models.ProgressSnapshot),
	}
}

// PostCommand records a control signal. A command of a kind already
// pending is a no-op (signals coalesce); every post refreshes the status
// summary timestamp and triggers a broadcast.
func (m *Monitor) PostCommand(cmd Command) error {
	m.mu.Lock()
	switch cmd {
	case StartCommand:
		select {
		case m.startCh <- struct{}{}:
		default:
		}
	case StopCommand:
		m.pendingStop = true
	case PauseCommand:
		m.pendingPause = true
	case ResumeCommand:
		m.pendingResume = true
	default:
		m.mu.Unlock()
		return errors.Errorf("command %q cannot be posted as a control signal", cmd)
	}
	m.summary.LastUpdated = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Infof("Control command received: %s", cmd)
	m.Broadcast()
	return nil
}

// PollCommand is the controller's one-shot, non-blocking read-and-clear of
// the pending signal. Stop takes priority over pause over resume; only the
// returned signal is cleared.
func (m *Monitor) PollCommand() (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.pendingStop:
		m.pendingStop = false
		return StopCommand, true
	case m.pendingPause:
		m.pendingPause = false
		return PauseCommand, true
	case m.pendingResume:
		m.pendingResume = false
		return ResumeCommand, true
	}
	return "", false
}

// WaitForStart blocks until a start command is posted or the context is
// cancelled. Used when the orchestrator is configured to wait for an
// external trigger rather than starting immediately.
func (m *Monitor) WaitForStart(ctx context.Context) error {
	select {
	case <-m.startCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateStatus sets the shared status summary. Empty stage/period leave
// the current values in place while the run moves through transient
// states; terminal statuses clear them. StartedAt is set once, on the
// first transition into running.
func (m *Monitor) UpdateStatus(status models.PipelineStatus, stage, period string) {
	m.mu.Lock()
	m.summary.Status = status
	if stage != "" {
		m.summary.CurrentStage = stage
	}
	if period != "" {
		m.summary.CurrentPeriod = period
	}
	switch status {
	case models.IdlePipelineStatus, models.CompletedPipelineStatus,
		models.StoppedPipelineStatus, models.ErrorPipelineStatus:
		m.summary.CurrentStage = ""
		m.summary.CurrentPeriod = ""
	case models.RunningPipelineStatus:
		if m.summary.StartedAt == nil {
			now := time.Now().UTC()
			m.summary.StartedAt = &now
		}
	}
	m.summary.LastUpdated = time.Now().UTC()
	m.mu.Unlock()

	m.Broadcast()
}

// Status returns a copy of the shared status summary.
func (m *Monitor) Status() models.StatusSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// Snapshot merges the status summary with the aggregated per-checkpoint
// progress from the state manager.
func (m *Monitor) Snapshot() models.ProgressSnapshot {
	stages := m.sm.AllProgress()
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ProgressSnapshot{StatusSummary: m.summary, Stages: stages}
}

// Subscribe registers an observer and returns its id and delivery channel.
func (m *Monitor) Subscribe() (string, <-chan models.ProgressSnapshot) {
	id := uuid.NewString()
	ch := make(chan models.ProgressSnapshot, observerBuffer)
	m.mu.Lock()
	m.observers[id] = ch
	m.mu.Unlock()
	m.logger.Infof("Observer %s subscribed", id)
	return id, ch
}

// Unsubscribe removes an observer.
func (m *Monitor) Unsubscribe(id string) {
	m.mu.Lock()
	ch, ok := m.observers[id]
	if ok {
		delete(m.observers, id)
		close(ch)
	}
	m.mu.Unlock()
}

// Broadcast delivers the current snapshot to every registered observer.
// An observer that cannot accept the delivery is dropped; the broadcast
// continues to the others.
func (m *Monitor) Broadcast() {
	snap := m.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.observers {
		select {
		case ch <- snap:
			metrics.BroadcastsSent.Inc()
		default:
			delete(m.observers, id)
			close(ch)
			m.logger.Errorf("Observer %s fell behind, dropped from broadcast", id)
		}
	}
}

// StartBroadcastLoop broadcasts on a fixed interval until the context is
// cancelled, so observers that missed an event-triggered broadcast still
// converge quickly.
func (m *Monitor) StartBroadcastLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Broadcast()
			case <-ctx.Done():
				return
			}
		}
	}()
}
