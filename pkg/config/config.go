// Package config loads the server configuration from YAML and validates
// it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StorageConfig configures the LSM engines.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir" validate:"required"`
	MemTableBytes   int    `yaml:"memtable_bytes" validate:"gte=0"`
	Level0FileLimit int    `yaml:"level0_file_limit" validate:"gte=0"`
	MaxLevels       int    `yaml:"max_levels" validate:"gte=0,lte=16"`
	Multiplier      int64  `yaml:"level_multiplier" validate:"gte=0"`
	BloomBitsPerKey int    `yaml:"bloom_bits_per_key" validate:"gte=0"`
	Compression     bool   `yaml:"compression"`
	MemoryLimit     int64  `yaml:"memory_limit_bytes" validate:"gte=0"`
}

// ComputeConfig configures the join pipeline.
type ComputeConfig struct {
	Operator     string  `yaml:"operator" validate:"required"`
	WindowLenUS  int64   `yaml:"window_len_us" validate:"gt=0"`
	SlideLenUS   int64   `yaml:"slide_len_us" validate:"gt=0"`
	EnableAQP    bool    `yaml:"enable_aqp"`
	AQPThreshold float64 `yaml:"aqp_threshold" validate:"gte=0,lte=1"`
	TimeoutMS    int64   `yaml:"timeout_ms" validate:"gte=0"`
	MaxThreads   int     `yaml:"max_threads" validate:"gte=0"`
	StreamSTable string  `yaml:"stream_s_table" validate:"required"`
	StreamRTable string  `yaml:"stream_r_table" validate:"required"`
	ResultTable  string  `yaml:"result_table" validate:"required"`
}

// SchedulerConfig configures windowing and triggering.
type SchedulerConfig struct {
	WindowType            string        `yaml:"window_type" validate:"oneof=tumbling sliding session"`
	TriggerPolicy         string        `yaml:"trigger_policy" validate:"oneof=time count hybrid manual"`
	TriggerCheckInterval  time.Duration `yaml:"trigger_check_interval"`
	TriggerCountThreshold int64         `yaml:"trigger_count_threshold" validate:"gte=0"`
	WatermarkSlackUS      int64         `yaml:"watermark_slack_us" validate:"gte=0"`
	AllowLateData         bool          `yaml:"allow_late_data"`
	MaxConcurrentWindows  int           `yaml:"max_concurrent_windows" validate:"gte=0"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// Config is the full server configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" validate:"required"`
	Compute   ComputeConfig   `yaml:"compute"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns a runnable configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Storage: StorageConfig{
			DataDir:         dataDir,
			MemTableBytes:   4 * 1024 * 1024,
			Level0FileLimit: 4,
			MaxLevels:       7,
			Multiplier:      10,
			BloomBitsPerKey: 10,
		},
		Compute: ComputeConfig{
			Operator:     "IAWJ",
			WindowLenUS:  1_000_000,
			SlideLenUS:   1_000_000,
			TimeoutMS:    10_000,
			StreamSTable: "stream_s",
			StreamRTable: "stream_r",
			ResultTable:  "join_results",
		},
		Scheduler: SchedulerConfig{
			WindowType:            "tumbling",
			TriggerPolicy:         "time",
			TriggerCheckInterval:  10 * time.Millisecond,
			TriggerCountThreshold: 1000,
			WatermarkSlackUS:      50_000,
			MaxConcurrentWindows:  4,
		},
		Server: ServerConfig{
			ListenAddr: ":8086",
			LogLevel:   "info",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default("./lsm_data")

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over a configuration.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
