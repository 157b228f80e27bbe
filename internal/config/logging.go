package config

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the root logger every subsystem's own
// `.With().Str("component", ...).Logger()` derives from: a colorized
// console writer in an interactive terminal, and (when LogToFile is
// set) a rotated file sink under LogDir, fanned out with
// zerolog.MultiLevelWriter the same way a multi-sink setup composes
// any two zerolog writers.
func NewLogger(cfg Config) (zerolog.Logger, error) {
	level, err := cfg.IntLogLevel()
	if err != nil {
		return zerolog.Logger{}, err
	}

	writers := []io.Writer{consoleWriter()}
	if cfg.LogToFile {
		if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogDir() + "/glee.log",
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.Level(level)).
		With().Timestamp().Logger()
	return log, nil
}

func consoleWriter() io.Writer {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return zerolog.ConsoleWriter{Out: colorable.NewColorable(os.Stdout)}
	}
	return os.Stdout
}
