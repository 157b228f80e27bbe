// Package config loads the bootstrap configuration an outer shell
// needs before the store is even open: where the data directory
// lives, how verbose to log, and where to look for a sidecar binary.
// Everything else (generation parameters, lorebook budgets, the model
// path once resolved) is Settings (§3), stored in the database itself.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/glee/core/internal/glerr"
)

const (
	envDataDir     = "GLEECORE_DATA_DIR"
	envLogLevel    = "GLEECORE_LOG_LEVEL"
	envBinaryPaths = "GLEECORE_SIDECAR_BINARY_PATHS"
)

// Config is the optional config.yaml shape, overridable by
// environment variables at load time.
type Config struct {
	DataDir            string   `yaml:"data_dir"`
	LogLevel           string   `yaml:"log_level"`
	LogToFile          bool     `yaml:"log_to_file"`
	SidecarBinaryPaths []string `yaml:"sidecar_binary_paths"`
	InferenceHost      string   `yaml:"inference_host"`
	InferencePort      int      `yaml:"inference_port"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:       filepath.Join(home, ".gleecore"),
		LogLevel:      "info",
		LogToFile:     true,
		InferenceHost: "127.0.0.1",
	}
}

// Load reads an optional YAML file at path (absent is not an error),
// then applies environment-variable overrides — the same
// override-chain idiom the teacher's cron store path resolution uses.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, glerr.Validation("parsing config.yaml: " + err.Error())
			}
		case os.IsNotExist(err):
			// no config file is a perfectly normal first run
		default:
			return Config{}, glerr.IO("reading config.yaml", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(envDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(envBinaryPaths)); v != "" {
		cfg.SidecarBinaryPaths = strings.Split(v, string(os.PathListSeparator))
	}
}

// DBPath is where the sqlite file lives under DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "glee.db")
}

// LogDir is where rotated log files live under DataDir.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func (c Config) IntLogLevel() (int, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return 0, nil
	case "info":
		return 1, nil
	case "warn":
		return 2, nil
	case "error":
		return 3, nil
	}
	// Allow a raw zerolog level number for advanced users.
	if n, err := strconv.Atoi(c.LogLevel); err == nil {
		return n, nil
	}
	return 0, glerr.Validation("unrecognized log_level: " + c.LogLevel)
}
