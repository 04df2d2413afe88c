// Package logging configures zerolog for the triage service and hands out
// per-component loggers so log lines can be traced back to the pipeline
// stage that produced them.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to emit ("debug", "info", "warn", "error").
	Level string
	// FilePath, when set, appends plain JSON logs to the given file in
	// addition to the console writer.
	FilePath string
	// Console enables the human-readable console writer on stderr.
	Console bool
}

// DefaultConfig returns the configuration used when none is provided.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

var setupOnce sync.Once

// Setup installs the global zerolog logger. Safe to call more than once;
// only the first call wins.
func Setup(cfg Config) error {
	var err error
	setupOnce.Do(func() {
		err = setup(cfg)
	})
	return err
}

func setup(cfg Config) error {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return nil
}

// ForComponent returns a logger tagged with the given component name.
// Components are the pipeline stages: orchestrator, router, escalation, etc.
func ForComponent(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
