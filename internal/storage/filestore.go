package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

// FileCheckpointStore persists stage checkpoints as JSON documents, one file
// per (stage, period) key under a single directory. Writes go through a
// temp file and rename so a crashed write never leaves a truncated
// document behind. At most one orchestrator process may own the directory.
type FileCheckpointStore struct {
	dir string
}

// NewFileCheckpointStore creates the checkpoint directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load reads the checkpoint for (stage, period); storage.ErrNotFound if absent.
func (s *FileCheckpointStore) Load(stage, period string) (*models.StageCheckpoint, error) {
	data, err := os.ReadFile(s.path(models.CheckpointKey(stage, period)))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var cp models.StageCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, "parse checkpoint")
	}
	return &cp, nil
}

// Save overwrites the whole checkpoint document.
func (s *FileCheckpointStore) Save(cp *models.StageCheckpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	target := s.path(cp.Key())
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

// List returns the keys of every persisted checkpoint.
func (s *FileCheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint dir")
	}
	keys := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}
