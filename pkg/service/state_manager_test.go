package service_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/service"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

func TestStateManagerCheckpoints(t *testing.T) {
	t.Run("GetOrCreateRegistersAllPending", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		cp := sm.GetOrCreate("acquire_store", "2019", []string{"a", "b"}, false)
		assert.Equal(t, 2, cp.TotalTasks)
		assert.Equal(t, []string{"a", "b"}, sm.PendingTasks("acquire_store", "2019"))
	})

	t.Run("CreateIsIdempotentForSameTaskSet", func(t *testing.T) {
		store := storage.NewMockCheckpointStore()
		sm := service.NewStateManager(store, logger{})
		sm.GetOrCreate("acquire_store", "2019", []string{"a", "b"}, false)
		sm.UpdateTaskStatus("acquire_store", "2019", "a", models.CompletedTaskStatus, "", nil)

		cp := sm.GetOrCreate("acquire_store", "2019", []string{"b", "a"}, false)
		assert.Equal(t, models.CompletedTaskStatus, cp.Tasks["a"].Status)
		assert.Equal(t, []string{"b"}, sm.PendingTasks("acquire_store", "2019"))
	})

	t.Run("CreateDiscardsOnChangedTaskSet", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		sm.GetOrCreate("acquire_store", "2019", []string{"a", "b"}, false)
		sm.UpdateTaskStatus("acquire_store", "2019", "a", models.CompletedTaskStatus, "", nil)

		cp := sm.GetOrCreate("acquire_store", "2019", []string{"a", "b", "c"}, false)
		assert.Equal(t, 3, cp.TotalTasks)
		assert.Equal(t, models.PendingTaskStatus, cp.Tasks["a"].Status)
		assert.Equal(t, []string{"a", "b", "c"}, sm.PendingTasks("acquire_store", "2019"))
	})

	t.Run("FreshDiscardsUnconditionally", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		sm.GetOrCreate("acquire_store", "2019", []string{"a"}, false)
		sm.UpdateTaskStatus("acquire_store", "2019", "a", models.CompletedTaskStatus, "", nil)

		cp := sm.GetOrCreate("acquire_store", "2019", []string{"a"}, true)
		assert.Equal(t, models.PendingTaskStatus, cp.Tasks["a"].Status)
	})

	t.Run("ReloadFromStoreSurvivesRestart", func(t *testing.T) {
		store := storage.NewMockCheckpointStore()
		sm := service.NewStateManager(store, logger{})
		sm.GetOrCreate("acquire_store", "2019", []string{"a", "b"}, false)
		sm.UpdateTaskStatus("acquire_store", "2019", "a", models.CompletedTaskStatus, "", nil)
		sm.UpdateTaskStatus("acquire_store", "2019", "b", models.RunningTaskStatus, "", nil)

		// A new manager over the same store simulates a process restart;
		// the abandoned RUNNING task is re-attempted.
		sm2 := service.NewStateManager(store, logger{})
		cp := sm2.Load("acquire_store", "2019")
		assert.NotNil(t, cp)
		assert.Equal(t, models.CompletedTaskStatus, cp.Tasks["a"].Status)
		assert.Equal(t, models.PendingTaskStatus, cp.Tasks["b"].Status)
	})

	t.Run("LoadUnknownReturnsNil", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		assert.Nil(t, sm.Load("acquire_store", "1999"))
	})

	t.Run("UpdateUnknownCheckpointIsLoggedNotRaised", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		assert.NotPanics(t, func() {
			sm.UpdateTaskStatus("acquire_store", "1999", "a", models.CompletedTaskStatus, "", nil)
		})
		assert.Empty(t, sm.PendingTasks("acquire_store", "1999"))
	})
}

func TestStateManagerFailureHandling(t *testing.T) {
	newFailedSetup := func(t *testing.T) *service.StateManager {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		sm.GetOrCreate("acquire_store", "2019", []string{"a", "b", "c"}, false)
		sm.UpdateTaskStatus("acquire_store", "2019", "a", models.CompletedTaskStatus, "", nil)
		sm.UpdateTaskStatus("acquire_store", "2019", "b", models.FailedTaskStatus, "timeout", nil)
		sm.UpdateTaskStatus("acquire_store", "2019", "c", models.FailedTaskStatus, "no scene", nil)
		return sm
	}

	t.Run("FailedTasksQuery", func(t *testing.T) {
		sm := newFailedSetup(t)
		assert.Equal(t, []string{"b", "c"}, sm.FailedTasks("acquire_store", "2019"))
	})

	t.Run("ResetFailed", func(t *testing.T) {
		sm := newFailedSetup(t)
		assert.Equal(t, 2, sm.ResetFailed("acquire_store", "2019"))
		assert.Equal(t, []string{"b", "c"}, sm.PendingTasks("acquire_store", "2019"))
		assert.Empty(t, sm.FailedTasks("acquire_store", "2019"))
	})

	t.Run("ResetAllFailedIncludesUnloadedCheckpoints", func(t *testing.T) {
		store := storage.NewMockCheckpointStore()

		// A previous process leaves a failed checkpoint on disk.
		previous := service.NewStateManager(store, logger{})
		previous.GetOrCreate("derive", "2019_2020", []string{"x", "y"}, false)
		previous.UpdateTaskStatus("derive", "2019_2020", "x", models.FailedTaskStatus, "missing scene", nil)

		sm := service.NewStateManager(store, logger{})
		sm.GetOrCreate("acquire_store", "2021", []string{"a"}, false)
		sm.UpdateTaskStatus("acquire_store", "2021", "a", models.FailedTaskStatus, "timeout", nil)

		assert.Equal(t, 2, sm.ResetAllFailed())

		// The on-disk checkpoint was rewritten in place.
		reloaded := service.NewStateManager(store, logger{})
		cp := reloaded.Load("derive", "2019_2020")
		assert.NotNil(t, cp)
		assert.Equal(t, 0, cp.FailedTasks)
		assert.Equal(t, models.PendingTaskStatus, cp.Tasks["x"].Status)
	})
}

// unreadableStore serves loads that fail with something other than
// ErrNotFound, as a corrupt checkpoint document would.
type unreadableStore struct {
	storage.CheckpointStore
}

func (s unreadableStore) Load(stage, period string) (*models.StageCheckpoint, error) {
	return nil, errors.New("unreadable checkpoint document")
}

func TestStateManagerStoreFailures(t *testing.T) {
	t.Run("WriteFailureKeepsMemoryAuthoritative", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewFailingMockCheckpointStore(), logger{})

		var cp *models.StageCheckpoint
		assert.NotPanics(t, func() {
			cp = sm.GetOrCreate("acquire_store", "2019", []string{"a", "b"}, false)
			sm.UpdateTaskStatus("acquire_store", "2019", "a", models.CompletedTaskStatus, "", nil)
			sm.UpdateTaskStatus("acquire_store", "2019", "b", models.FailedTaskStatus, "timeout", nil)
		})

		// Every persist failed, yet the in-memory state carries the run.
		assert.Equal(t, 1, cp.CompletedTasks)
		assert.Equal(t, []string{"b"}, sm.FailedTasks("acquire_store", "2019"))
		assert.Empty(t, sm.PendingTasks("acquire_store", "2019"))
		assert.Equal(t, 1, sm.ResetFailed("acquire_store", "2019"))
		assert.Equal(t, []string{"b"}, sm.PendingTasks("acquire_store", "2019"))
	})

	t.Run("UnreadableCheckpointDegradesToFresh", func(t *testing.T) {
		sm := service.NewStateManager(unreadableStore{storage.NewMockCheckpointStore()}, logger{})
		assert.Nil(t, sm.Load("acquire_store", "2019"))

		cp := sm.GetOrCreate("acquire_store", "2019", []string{"a", "b"}, false)
		assert.Equal(t, 2, cp.TotalTasks)
		assert.Equal(t, []string{"a", "b"}, sm.PendingTasks("acquire_store", "2019"))
	})
}

func TestStageCompleted(t *testing.T) {
	complete := func(sm *service.StateManager, stage, period string, ids []string) {
		sm.GetOrCreate(stage, period, ids, false)
		for _, id := range ids {
			sm.UpdateTaskStatus(stage, period, id, models.CompletedTaskStatus, "", nil)
		}
	}

	t.Run("CompletedCheckpoint", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		complete(sm, "acquire_store", "2019", []string{"a"})
		assert.True(t, sm.StageCompleted("acquire_store", "2019"))
		assert.False(t, sm.StageCompleted("acquire_store", "2020"))
	})

	t.Run("LegacySplitStagesSatisfyCombined", func(t *testing.T) {
		sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})
		complete(sm, "acquire", "2019", []string{"a"})
		assert.False(t, sm.StageCompleted("acquire_store", "2019"))
		complete(sm, "store", "2019", []string{"a"})
		assert.True(t, sm.StageCompleted("acquire_store", "2019"))
	})
}

func TestAllProgress(t *testing.T) {
	sm := service.NewStateManager(storage.NewMockCheckpointStore(), logger{})

	// Stage A: 4/4 completed; stage B: 1/2 completed.
	sm.GetOrCreate("acquire_store", "2019", []string{"a", "b", "c", "d"}, false)
	for _, id := range []string{"a", "b", "c", "d"} {
		sm.UpdateTaskStatus("acquire_store", "2019", id, models.CompletedTaskStatus, "", nil)
	}
	sm.GetOrCreate("acquire_store", "2020", []string{"a", "b"}, false)
	sm.UpdateTaskStatus("acquire_store", "2020", "a", models.CompletedTaskStatus, "", nil)

	progress := sm.AllProgress()
	assert.Len(t, progress, 2)

	pa := progress["acquire_store_2019"]
	assert.Equal(t, float64(100), pa.Progress)
	assert.Equal(t, 4, pa.Completed)
	assert.Equal(t, "completed", pa.Status)

	pb := progress["acquire_store_2020"]
	assert.Equal(t, float64(50), pb.Progress)
	assert.Equal(t, 1, pb.Completed)
	assert.Equal(t, 2, pb.Total)
	assert.Equal(t, "in_progress", pb.Status)
}
