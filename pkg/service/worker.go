package service

import (
	"context"

	"github.com/pkg/errors"
)

// ErrTaskSkipped is returned (possibly wrapped) by a worker to mark an
// item SKIPPED instead of FAILED: the item cannot be processed and never
// will be (e.g. no usable scene exists), so it should not count as a
// failure or be retried.
var ErrTaskSkipped = errors.New("task skipped")

// Logger defines the logging interface shared by the orchestrator components
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Stage names. AcquireStoreStage is the combined acquisition stage; the
// legacy split names are still recognized when checking completion so
// checkpoints written by older runs keep counting.
const (
	AcquireStoreStage = "acquire_store"
	DeriveStage       = "derive"

	LegacyAcquireStage = "acquire"
	LegacyStoreStage   = "store"
)

// StageWorker performs the actual domain work for one stage. The
// controller drives it item by item and owns all checkpoint bookkeeping;
// workers never touch the state manager.
type StageWorker interface {
	// Name returns the stage name the worker serves.
	Name() string
	// Initialize performs one-time setup (connect to the imagery provider,
	// open the catalog). Called once per process, before the first task.
	Initialize(ctx context.Context) error
	// TaskIDs enumerates the work items for a period in deterministic order.
	TaskIDs(period string) []string
	// ProcessTask performs all work for one item and returns result
	// metadata (e.g. output location) on success.
	ProcessTask(ctx context.Context, period, taskID string) (map[string]string, error)
}
