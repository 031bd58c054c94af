package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		Pipeline: config.PipelineConfig{
			Years:             []int{2019, 2020, 2021},
			Cells:             []string{"33TVL_512_768", "33TVL_512_1024"},
			Resumable:         true,
			RetryAttempts:     3,
			RetryDelay:        5 * time.Second,
			TaskDelay:         time.Second,
			PollInterval:      time.Second,
			BroadcastInterval: 2 * time.Second,
		},
		Acquisition: config.AcquisitionConfig{
			Endpoint:      "http://localhost:9000",
			MaxCloudCover: 20,
			Timeout:       time.Minute,
		},
		Model: config.ModelConfig{
			Threshold:     0.5,
			Concurrency:   4,
			MemoryLimitMB: 2048,
		},
		Server:  config.ServerConfig{Address: ":8080"},
		Storage: config.StorageConfig{CheckpointDir: "checkpoints", DataDir: "data"},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := validConfig()
		assert.NoError(t, cfg.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"EmptyYears", func(c *config.Config) { c.Pipeline.Years = nil }},
		{"YearBelowRange", func(c *config.Config) { c.Pipeline.Years = []int{1983, 2019} }},
		{"YearAboveRange", func(c *config.Config) { c.Pipeline.Years = []int{2019, 2101} }},
		{"YearsNotIncreasing", func(c *config.Config) { c.Pipeline.Years = []int{2020, 2019} }},
		{"DuplicateYears", func(c *config.Config) { c.Pipeline.Years = []int{2019, 2019} }},
		{"EmptyCells", func(c *config.Config) { c.Pipeline.Cells = nil }},
		{"BlankCell", func(c *config.Config) { c.Pipeline.Cells = []string{"33TVL_512_768", " "} }},
		{"NegativeRetryAttempts", func(c *config.Config) { c.Pipeline.RetryAttempts = -1 }},
		{"TooManyRetryAttempts", func(c *config.Config) { c.Pipeline.RetryAttempts = 11 }},
		{"ZeroPollInterval", func(c *config.Config) { c.Pipeline.PollInterval = 0 }},
		{"ZeroBroadcastInterval", func(c *config.Config) { c.Pipeline.BroadcastInterval = 0 }},
		{"MissingEndpoint", func(c *config.Config) { c.Acquisition.Endpoint = "" }},
		{"CloudCoverAboveRange", func(c *config.Config) { c.Acquisition.MaxCloudCover = 101 }},
		{"ZeroThreshold", func(c *config.Config) { c.Model.Threshold = 0 }},
		{"ThresholdAboveRange", func(c *config.Config) { c.Model.Threshold = 1.1 }},
		{"ZeroConcurrency", func(c *config.Config) { c.Model.Concurrency = 0 }},
		{"ConcurrencyAboveRange", func(c *config.Config) { c.Model.Concurrency = 65 }},
		{"MemoryBelowRange", func(c *config.Config) { c.Model.MemoryLimitMB = 128 }},
		{"MissingCheckpointDir", func(c *config.Config) { c.Storage.CheckpointDir = "" }},
		{"MissingDataDir", func(c *config.Config) { c.Storage.DataDir = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigPeriods(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, []string{"2019", "2020", "2021"}, cfg.Periods())
}

func TestLoadConfig(t *testing.T) {
	t.Run("FromFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		doc := `
pipeline:
  years: [2019, 2020]
  cells: ["33TVL_512_768"]
acquisition:
  endpoint: http://imagery.example.com
model:
  threshold: 0.35
storage:
  checkpoint_dir: /tmp/eocd/checkpoints
  data_dir: /tmp/eocd/data
`
		assert.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		cfg, err := config.LoadConfig(path)
		assert.NoError(t, err)
		assert.Equal(t, []int{2019, 2020}, cfg.Pipeline.Years)
		assert.Equal(t, 0.35, cfg.Model.Threshold)
		// Defaults fill everything the file leaves out.
		assert.Equal(t, 3, cfg.Pipeline.RetryAttempts)
		assert.Equal(t, 20.0, cfg.Acquisition.MaxCloudCover)
		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.True(t, cfg.Pipeline.Resumable)
	})

	t.Run("InvalidFileRejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		doc := `
pipeline:
  years: [2020, 2019]
  cells: ["33TVL_512_768"]
acquisition:
  endpoint: http://imagery.example.com
`
		assert.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		_, err := config.LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestManager(t *testing.T) {
	t.Run("UpdateAppliesValidSettings", func(t *testing.T) {
		cfg := validConfig()
		mgr := config.NewManager(&cfg)

		s := mgr.Settings()
		s.Threshold = 0.7
		s.Cells = []string{"33TVL_0_0"}
		assert.NoError(t, mgr.Update(s))

		got := mgr.Get()
		assert.Equal(t, 0.7, got.Model.Threshold)
		assert.Equal(t, []string{"33TVL_0_0"}, got.Pipeline.Cells)
	})

	t.Run("UpdateRejectsInvalidSettingsWholesale", func(t *testing.T) {
		cfg := validConfig()
		mgr := config.NewManager(&cfg)

		s := mgr.Settings()
		s.Threshold = 0.7
		s.Concurrency = 0
		assert.Error(t, mgr.Update(s))
		// The valid part of the rejected update must not leak through.
		assert.Equal(t, 0.5, mgr.Get().Model.Threshold)
	})

	t.Run("UpdateRefusedWhileRunActive", func(t *testing.T) {
		cfg := validConfig()
		mgr := config.NewManager(&cfg)
		mgr.SetActiveProbe(func() bool { return true })

		err := mgr.Update(mgr.Settings())
		assert.ErrorIs(t, err, config.ErrRunActive)
	})
}
