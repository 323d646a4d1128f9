package lsm

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidate = validator.New()

// Config is every tunable of one Tree instance: memtable sizing,
// journal sharding and durability, block layout, caching, and
// compaction behavior.
type Config struct {
	DataDir string `yaml:"data_dir" validate:"required"`

	MaxMemtableSize int `yaml:"max_memtable_size" validate:"required,min=1024"`

	JournalShards    int           `yaml:"journal_shards" validate:"required,min=1"`
	FsyncPolicy      string        `yaml:"fsync_policy" validate:"required,oneof=every_write interval never"`
	FsyncIntervalMS  int           `yaml:"fsync_interval_ms" validate:"omitempty,min=1"`

	BlockSize       int     `yaml:"block_size" validate:"required,min=512"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate" validate:"required,gt=0,lt=1"`

	BlockCacheCapacity int `yaml:"block_cache_capacity" validate:"required,min=1"`
	MaxOpenFiles       int `yaml:"max_open_files" validate:"required,min=1"`

	Levels                int   `yaml:"levels" validate:"required,min=1"`
	LevelBaseSize         int64 `yaml:"level_base_size" validate:"required,min=1"`
	LevelSizeRatio        int64 `yaml:"level_size_ratio" validate:"required,min=2"`
	L0CompactionThreshold int   `yaml:"l0_compaction_threshold" validate:"required,min=1"`
	MaxSegmentBytes       int64 `yaml:"max_segment_bytes" validate:"required,min=1"`
	MaxConcurrentCompactions int `yaml:"max_concurrent_compactions" validate:"required,min=1"`
	// CompactionInterval is the background compaction tick; 0 disables
	// the background compaction loop.
	CompactionInterval    time.Duration `yaml:"compaction_interval" validate:"min=0"`

	// MaxDiskBytes caps the total live segment bytes the tree will admit
	// across every level; 0 means unlimited. AddSegment/CommitCompaction
	// return common.ErrDiskFull once the quota would be exceeded.
	MaxDiskBytes int64 `yaml:"max_disk_bytes" validate:"omitempty,min=0"`
}

// DefaultConfig returns spec.md's defaults: 7 levels, a 256MiB level
// base size, a 10x level-to-level ratio, and an L0 compaction threshold
// of 4 files.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,

		MaxMemtableSize: 4 * 1024 * 1024,

		JournalShards:   4,
		FsyncPolicy:     "every_write",
		FsyncIntervalMS: 0,

		BlockSize:              4096,
		BloomFalsePositiveRate: 0.01,

		BlockCacheCapacity: 1024,
		MaxOpenFiles:       256,

		Levels:                   7,
		LevelBaseSize:            256 * 1024 * 1024,
		LevelSizeRatio:           10,
		L0CompactionThreshold:    4,
		MaxSegmentBytes:          64 * 1024 * 1024,
		MaxConcurrentCompactions: 4,
		CompactionInterval:       2 * time.Second,
	}
}

// Validate checks struct-tag constraints via go-playground/validator,
// then the cross-field invariants tags can't express.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", formatConfigValidationError(err))
	}
	if c.FsyncPolicy == "interval" && c.FsyncIntervalMS <= 0 {
		return fmt.Errorf("config: fsync_interval_ms must be positive when fsync_policy is \"interval\"")
	}
	return nil
}

func formatConfigValidationError(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrs) == 0 {
		return err
	}
	e := validationErrs[0]
	return fmt.Errorf("%s: failed %q validation", e.Namespace(), e.Tag())
}

// fsyncPolicy maps the config's string policy to the Journal's enum.
func (c Config) fsyncPolicy() FsyncPolicy {
	switch c.FsyncPolicy {
	case "interval":
		return FsyncInterval
	case "never":
		return FsyncNever
	default:
		return FsyncEveryWrite
	}
}

func (c Config) fsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMS) * time.Millisecond
}

func (c Config) leveledConfig() LeveledConfig {
	return LeveledConfig{
		L0CompactionThreshold: c.L0CompactionThreshold,
		LevelBaseSize:         c.LevelBaseSize,
		LevelSizeRatio:        c.LevelSizeRatio,
	}
}

// LoadConfigFile reads a YAML config file, overlaying it onto
// DefaultConfig("") (so the file itself must set data_dir) and
// validating the result.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig("")

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
