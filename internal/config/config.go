package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all configuration for the change-detection pipeline
type Config struct {
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Model       ModelConfig       `mapstructure:"model"`
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
}

// PipelineConfig drives the stage orchestrator
type PipelineConfig struct {
	Years             []int         `mapstructure:"years"`
	Cells             []string      `mapstructure:"cells"`
	Resumable         bool          `mapstructure:"resumable"`
	WaitForStart      bool          `mapstructure:"wait_for_start"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	TaskDelay         time.Duration `mapstructure:"task_delay"` // Rate limit toward the imagery provider
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

// AcquisitionConfig configures scene acquisition
type AcquisitionConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	MaxCloudCover float64       `mapstructure:"max_cloud_cover"` // percent, 0-100
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ModelConfig bounds the change-detection derivation
type ModelConfig struct {
	Threshold     float64 `mapstructure:"threshold"` // 0-1
	Concurrency   int     `mapstructure:"concurrency"`
	MemoryLimitMB int     `mapstructure:"memory_limit_mb"`
}

// ServerConfig contains the control/monitor channel settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains checkpoint, artifact and catalog locations
type StorageConfig struct {
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	DataDir       string `mapstructure:"data_dir"`
	PostgresURL   string `mapstructure:"postgres_url"`
}

// Validate checks every field against its declared bound.
func (c *Config) Validate() error {
	if len(c.Pipeline.Years) == 0 {
		return errors.New("pipeline.years must not be empty")
	}
	for i, y := range c.Pipeline.Years {
		if y < 1984 || y > 2100 {
			return errors.Errorf("pipeline.years[%d]=%d out of range [1984, 2100]", i, y)
		}
		if i > 0 && y <= c.Pipeline.Years[i-1] {
			return errors.New("pipeline.years must be strictly increasing")
		}
	}
	if len(c.Pipeline.Cells) == 0 {
		return errors.New("pipeline.cells must not be empty")
	}
	for i, cell := range c.Pipeline.Cells {
		if strings.TrimSpace(cell) == "" {
			return errors.Errorf("pipeline.cells[%d] is empty", i)
		}
	}
	if c.Pipeline.RetryAttempts < 0 || c.Pipeline.RetryAttempts > 10 {
		return errors.Errorf("pipeline.retry_attempts=%d out of range [0, 10]", c.Pipeline.RetryAttempts)
	}
	if c.Pipeline.PollInterval <= 0 {
		return errors.New("pipeline.poll_interval must be positive")
	}
	if c.Pipeline.BroadcastInterval <= 0 {
		return errors.New("pipeline.broadcast_interval must be positive")
	}
	if strings.TrimSpace(c.Acquisition.Endpoint) == "" {
		return errors.New("acquisition.endpoint required")
	}
	if c.Acquisition.MaxCloudCover < 0 || c.Acquisition.MaxCloudCover > 100 {
		return errors.Errorf("acquisition.max_cloud_cover=%.1f out of range [0, 100]", c.Acquisition.MaxCloudCover)
	}
	if c.Model.Threshold <= 0 || c.Model.Threshold > 1 {
		return errors.Errorf("model.threshold=%.3f out of range (0, 1]", c.Model.Threshold)
	}
	if c.Model.Concurrency < 1 || c.Model.Concurrency > 64 {
		return errors.Errorf("model.concurrency=%d out of range [1, 64]", c.Model.Concurrency)
	}
	if c.Model.MemoryLimitMB < 256 || c.Model.MemoryLimitMB > 65536 {
		return errors.Errorf("model.memory_limit_mb=%d out of range [256, 65536]", c.Model.MemoryLimitMB)
	}
	if strings.TrimSpace(c.Storage.CheckpointDir) == "" {
		return errors.New("storage.checkpoint_dir required")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir required")
	}
	return nil
}

// Periods returns the configured years as period strings, in order.
func (c *Config) Periods() []string {
	periods := make([]string, len(c.Pipeline.Years))
	for i, y := range c.Pipeline.Years {
		periods[i] = fmt.Sprintf("%d", y)
	}
	return periods
}

// LoadConfig loads config from file and EOCD_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("pipeline.resumable", true)
	v.SetDefault("pipeline.wait_for_start", false)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_delay", "5s")
	v.SetDefault("pipeline.task_delay", "1s")
	v.SetDefault("pipeline.poll_interval", "1s")
	v.SetDefault("pipeline.broadcast_interval", "2s")
	v.SetDefault("acquisition.max_cloud_cover", 20.0)
	v.SetDefault("acquisition.timeout", "60s")
	v.SetDefault("model.threshold", 0.5)
	v.SetDefault("model.concurrency", 4)
	v.SetDefault("model.memory_limit_mb", 2048)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("storage.checkpoint_dir", "checkpoints")
	v.SetDefault("storage.data_dir", "data")

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("EOCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env carry a full config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
