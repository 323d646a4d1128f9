package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig("/tmp/somewhere")
	require.NoError(t, cfg.Validate())
	require.Equal(t, FsyncEveryWrite, cfg.fsyncPolicy())
	require.Equal(t, LeveledConfig{L0CompactionThreshold: 4, LevelBaseSize: 256 * 1024 * 1024, LevelSizeRatio: 10}, cfg.leveledConfig())
	require.Equal(t, int64(0), cfg.MaxDiskBytes, "zero means unlimited by default")
}

func TestConfigValidateRejectsMissingDataDir(t *testing.T) {
	cfg := DefaultConfig("")
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsBadFsyncPolicy(t *testing.T) {
	cfg := DefaultConfig("/tmp/somewhere")
	cfg.FsyncPolicy = "sometimes"
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRequiresIntervalWhenFsyncPolicyIsInterval(t *testing.T) {
	cfg := DefaultConfig("/tmp/somewhere")
	cfg.FsyncPolicy = "interval"
	cfg.FsyncIntervalMS = 0
	require.Error(t, cfg.Validate())

	cfg.FsyncIntervalMS = 100
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsBadBloomRate(t *testing.T) {
	cfg := DefaultConfig("/tmp/somewhere")
	cfg.BloomFalsePositiveRate = 1.5
	require.Error(t, cfg.Validate())
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "data_dir: " + dir + "\nblock_size: 8192\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, 8192, cfg.BlockSize)
	// Untouched fields keep DefaultConfig's values.
	require.Equal(t, 4, cfg.JournalShards)
	require.Equal(t, 7, cfg.Levels)
}

func TestLoadConfigFileRejectsMissingFile(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
