package config

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrRunActive is returned when a configuration update is attempted while
// the orchestrator is not idle.
var ErrRunActive = errors.New("configuration is locked while a run is active")

// Settings is the mutable subset an operator may update through the
// control channel between runs.
type Settings struct {
	Years         []int    `json:"years"`
	Cells         []string `json:"cells"`
	MaxCloudCover float64  `json:"max_cloud_cover"`
	Threshold     float64  `json:"threshold"`
	Concurrency   int      `json:"concurrency"`
	MemoryLimitMB int      `json:"memory_limit_mb"`
}

// Manager owns the process-wide configuration value behind an explicit
// read/write accessor. Writes are validated against the field bounds and
// refused while the run-state probe reports an active run.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	active func() bool
}

func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: *cfg}
}

// SetActiveProbe wires the run-state check consulted before every write.
func (m *Manager) SetActiveProbe(active func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Settings returns the operator-updatable subset.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Settings{
		Years:         append([]int(nil), m.cfg.Pipeline.Years...),
		Cells:         append([]string(nil), m.cfg.Pipeline.Cells...),
		MaxCloudCover: m.cfg.Acquisition.MaxCloudCover,
		Threshold:     m.cfg.Model.Threshold,
		Concurrency:   m.cfg.Model.Concurrency,
		MemoryLimitMB: m.cfg.Model.MemoryLimitMB,
	}
}

// Update applies the operator-updatable subset. The candidate config is
// validated as a whole before it replaces the current one; a run in
// progress refuses the write with ErrRunActive.
func (m *Manager) Update(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active() {
		return ErrRunActive
	}
	candidate := m.cfg
	candidate.Pipeline.Years = append([]int(nil), s.Years...)
	candidate.Pipeline.Cells = append([]string(nil), s.Cells...)
	candidate.Acquisition.MaxCloudCover = s.MaxCloudCover
	candidate.Model.Threshold = s.Threshold
	candidate.Model.Concurrency = s.Concurrency
	candidate.Model.MemoryLimitMB = s.MemoryLimitMB
	if err := candidate.Validate(); err != nil {
		return err
	}
	m.cfg = candidate
	return nil
}
