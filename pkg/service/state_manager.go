package service

import (
	"sort"
	"sync"

	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

// StateManager owns the in-memory stage checkpoints and mediates every
// read and write against the checkpoint store. Checkpoint mutation goes
// through it exclusively; the controller and workers never write
// checkpoints themselves.
type StateManager struct {
	store       storage.CheckpointStore
	logger      Logger
	mu          sync.RWMutex
	checkpoints map[string]*models.StageCheckpoint
}

func NewStateManager(store storage.CheckpointStore, logger Logger) *StateManager {
	return &StateManager{
		store:       store,
		logger:      logger,
		checkpoints: make(map[string]*models.StageCheckpoint),
	}
}

// Load reads the checkpoint for (stage, period) from the store and
// registers it in memory. Returns nil when absent; a parse failure is
// logged and degrades to nil (treated as a fresh start, never raised).
func (sm *StateManager) Load(stage, period string) *models.StageCheckpoint {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.loadLocked(stage, period)
}

func (sm *StateManager) loadLocked(stage, period string) *models.StageCheckpoint {
	key := models.CheckpointKey(stage, period)
	if cp, ok := sm.checkpoints[key]; ok {
		return cp
	}
	cp, err := sm.store.Load(stage, period)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		sm.logger.Errorf("Failed to load checkpoint %s: %v", key, err)
		return nil
	}
	// Tasks left RUNNING by an interrupted process are re-attempted.
	if n := cp.ReconcileRunning(); n > 0 {
		sm.logger.Infof("Checkpoint %s: reset %d abandoned RUNNING tasks to PENDING", key, n)
		sm.persistLocked(cp)
	}
	sm.checkpoints[key] = cp
	return cp
}

// GetOrCreate returns the checkpoint for (stage, period), creating it with
// every id PENDING when absent. An existing checkpoint with an identical
// task-id set is reused as-is; one with a differing set (configuration
// changed between runs) is discarded and recreated. With fresh set, any
// existing checkpoint is discarded unconditionally.
func (sm *StateManager) GetOrCreate(stage, period string, taskIDs []string, fresh bool) *models.StageCheckpoint {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := models.CheckpointKey(stage, period)
	if !fresh {
		if cp := sm.loadLocked(stage, period); cp != nil {
			if cp.SameTaskIDs(taskIDs) {
				return cp
			}
			sm.logger.Infof("Checkpoint %s task set changed (%d -> %d tasks), recreating", key, len(cp.Tasks), len(taskIDs))
		}
	}
	cp := models.NewStageCheckpoint(stage, period, taskIDs)
	sm.checkpoints[key] = cp
	sm.persistLocked(cp)
	sm.logger.Infof("Created checkpoint %s with %d tasks", key, len(taskIDs))
	return cp
}

// UpdateTaskStatus performs a counter-preserving status transition and
// persists the whole checkpoint. An unknown checkpoint or task id is a
// caller bug: logged, not raised.
func (sm *StateManager) UpdateTaskStatus(stage, period, taskID string, status models.TaskStatus, errMsg string, metadata map[string]string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := models.CheckpointKey(stage, period)
	cp, ok := sm.checkpoints[key]
	if !ok {
		sm.logger.Errorf("UpdateTaskStatus: unknown checkpoint %s", key)
		return
	}
	if err := cp.SetTaskStatus(taskID, status, errMsg, metadata); err != nil {
		sm.logger.Errorf("UpdateTaskStatus: %v", err)
		return
	}
	sm.persistLocked(cp)
}

// PendingTasks returns the PENDING task ids for (stage, period); empty when
// the checkpoint is unknown.
func (sm *StateManager) PendingTasks(stage, period string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	cp, ok := sm.checkpoints[models.CheckpointKey(stage, period)]
	if !ok {
		return []string{}
	}
	return cp.PendingTaskIDs()
}

// FailedTasks returns the FAILED task ids for (stage, period); empty when
// the checkpoint is unknown.
func (sm *StateManager) FailedTasks(stage, period string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	cp, ok := sm.checkpoints[models.CheckpointKey(stage, period)]
	if !ok {
		return []string{}
	}
	return cp.FailedTaskIDs()
}

// ResetFailed transitions every FAILED task of (stage, period) back to
// PENDING and persists. Returns the number of tasks reset.
func (sm *StateManager) ResetFailed(stage, period string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cp, ok := sm.checkpoints[models.CheckpointKey(stage, period)]
	if !ok {
		return 0
	}
	count := cp.ResetFailed()
	if count > 0 {
		sm.persistLocked(cp)
	}
	return count
}

// ResetAllFailed applies ResetFailed to every loaded checkpoint, then
// scans the store for on-disk checkpoints not yet loaded and resets those
// directly. Returns the total number of tasks reset.
func (sm *StateManager) ResetAllFailed() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	total := 0
	for _, cp := range sm.checkpoints {
		if n := cp.ResetFailed(); n > 0 {
			sm.persistLocked(cp)
			total += n
		}
	}

	keys, err := sm.store.List()
	if err != nil {
		sm.logger.Errorf("ResetAllFailed: failed to list checkpoint store: %v", err)
		return total
	}
	for _, key := range keys {
		if _, loaded := sm.checkpoints[key]; loaded {
			continue
		}
		cp, err := sm.store.Load(splitCheckpointKey(key))
		if err != nil {
			sm.logger.Errorf("ResetAllFailed: failed to load checkpoint %s: %v", key, err)
			continue
		}
		if n := cp.ResetFailed(); n > 0 {
			sm.persistLocked(cp)
			total += n
		}
	}
	return total
}

// StageCompleted reports whether a checkpoint exists for (stage, period)
// and every task ended COMPLETED or SKIPPED. The combined acquire_store
// stage is additionally satisfied when both legacy split stages completed,
// so checkpoints from before the stage merge keep counting.
func (sm *StateManager) StageCompleted(stage, period string) bool {
	if sm.checkpointCompleted(stage, period) {
		return true
	}
	if stage == AcquireStoreStage {
		return sm.checkpointCompleted(LegacyAcquireStage, period) &&
			sm.checkpointCompleted(LegacyStoreStage, period)
	}
	return false
}

func (sm *StateManager) checkpointCompleted(stage, period string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cp := sm.loadLocked(stage, period)
	return cp != nil && cp.IsCompleted()
}

// AllProgress snapshots the progress of every loaded checkpoint, keyed by
// checkpoint key.
func (sm *StateManager) AllProgress() map[string]models.StageProgress {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]models.StageProgress, len(sm.checkpoints))
	for key, cp := range sm.checkpoints {
		out[key] = cp.Snapshot()
	}
	return out
}

// LoadAll pulls every persisted checkpoint into memory, for status
// reporting outside a run.
func (sm *StateManager) LoadAll() {
	keys, err := sm.store.List()
	if err != nil {
		sm.logger.Errorf("Failed to list checkpoint store: %v", err)
		return
	}
	sort.Strings(keys)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, key := range keys {
		sm.loadLocked(splitCheckpointKey(key))
	}
}

// persistLocked writes the checkpoint through to the store. A write
// failure is logged, not raised: the in-memory checkpoint stays
// authoritative until the next successful write.
func (sm *StateManager) persistLocked(cp *models.StageCheckpoint) {
	if err := sm.store.Save(cp); err != nil {
		sm.logger.Errorf("Failed to persist checkpoint %s: %v", cp.Key(), err)
	}
}

// splitCheckpointKey undoes models.CheckpointKey. Stage names contain no
// digits, so the period suffix is whatever follows the first underscore
// before a digit.
func splitCheckpointKey(key string) (stage, period string) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '_' && key[i+1] >= '0' && key[i+1] <= '9' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
