package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.NotEmpty(t, cfg.DataDir)
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/glee-test\nlog_level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/glee-test", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/from-file\n"), 0o644))

	t.Setenv(envDataDir, "/tmp/from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env", cfg.DataDir)
}

func TestIntLogLevel_RejectsGarbage(t *testing.T) {
	cfg := Config{LogLevel: "not-a-level"}
	_, err := cfg.IntLogLevel()
	require.Error(t, err)
}

func TestDBPathAndLogDir(t *testing.T) {
	cfg := Config{DataDir: "/data/glee"}
	require.Equal(t, "/data/glee/glee.db", cfg.DBPath())
	require.Equal(t, "/data/glee/logs", cfg.LogDir())
}
