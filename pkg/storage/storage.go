package storage

import (
	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
)

// ErrNotFound is returned when a checkpoint or catalog row does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointStore persists stage checkpoints, one document per (stage, period) key.
type CheckpointStore interface {
	// Load reads the checkpoint for (stage, period); ErrNotFound if absent.
	Load(stage, period string) (*models.StageCheckpoint, error)
	// Save overwrites the whole checkpoint document.
	Save(cp *models.StageCheckpoint) error
	// List returns the keys of every persisted checkpoint.
	List() ([]string, error)
}

// Catalog records acquired scenes and derived change masks.
type Catalog interface {
	SaveScene(s models.Scene) (int64, error)
	GetScene(cellID, period string) (models.Scene, error)
	ListScenes(period string) ([]models.Scene, error)
	SaveMask(m models.ChangeMask) (int64, error)
	Ping() error
	Close() error
}
