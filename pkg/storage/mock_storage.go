package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
)

// mockCheckpointStore implements CheckpointStore with in-memory storage
type mockCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string][]byte
	failWrites  bool
}

// NewMockCheckpointStore returns an in-memory CheckpointStore for tests.
// Documents are round-tripped through JSON so loaded checkpoints never
// alias the saved ones.
func NewMockCheckpointStore() CheckpointStore {
	return &mockCheckpointStore{checkpoints: make(map[string][]byte)}
}

// NewFailingMockCheckpointStore returns a CheckpointStore whose every
// write fails, for exercising persistence-failure handling. Loads still
// serve whatever the store held before.
func NewFailingMockCheckpointStore() CheckpointStore {
	return &mockCheckpointStore{checkpoints: make(map[string][]byte), failWrites: true}
}

func (m *mockCheckpointStore) Load(stage, period string) (*models.StageCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.checkpoints[models.CheckpointKey(stage, period)]
	if !ok {
		return nil, ErrNotFound
	}
	var cp models.StageCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *mockCheckpointStore) Save(cp *models.StageCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("write failure injected")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	m.checkpoints[cp.Key()] = data
	return nil
}

func (m *mockCheckpointStore) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.checkpoints))
	for k := range m.checkpoints {
		keys = append(keys, k)
	}
	return keys, nil
}

// mockCatalog implements Catalog with in-memory storage
type mockCatalog struct {
	mu     sync.Mutex
	scenes []models.Scene
	masks  []models.ChangeMask
	nextID int64
}

// NewMockCatalog returns an in-memory Catalog for tests.
func NewMockCatalog() Catalog {
	return &mockCatalog{}
}

func (m *mockCatalog) SaveScene(s models.Scene) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	if s.AcquiredAt.IsZero() {
		s.AcquiredAt = time.Now()
	}
	m.scenes = append(m.scenes, s)
	return s.ID, nil
}

func (m *mockCatalog) GetScene(cellID, period string) (models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scenes {
		if s.CellID == cellID && s.Period == period {
			return s, nil
		}
	}
	return models.Scene{}, ErrNotFound
}

func (m *mockCatalog) ListScenes(period string) ([]models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Scene
	for _, s := range m.scenes {
		if s.Period == period {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockCatalog) SaveMask(mask models.ChangeMask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	mask.ID = m.nextID
	m.masks = append(m.masks, mask)
	return mask.ID, nil
}

func (m *mockCatalog) Ping() error { return nil }

func (m *mockCatalog) Close() error { return nil }
