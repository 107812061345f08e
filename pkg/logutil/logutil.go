// Package logutil wires the CLI's --log-level/--log-format flags (spec §6)
// into github.com/pingcap/log's zap-backed global logger, the same setup
// tiflow's own cmd packages perform before starting any worker.
package logutil

import (
	"fmt"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap/zapcore"
)

// Config selects the global logger's level and encoding.
type Config struct {
	Level  string // DEBUG, INFO, WARNING, ERROR
	Format string // json, console
}

// Init installs cfg as the process-wide logger used by every package that
// calls log.Info/log.Warn/log.Error (github.com/pingcap/log's package-level
// logger).
func Init(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return err
	}

	logCfg := &log.Config{Level: level, Format: format}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		return fmt.Errorf("logutil: init logger: %w", err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

func parseLevel(level string) (string, error) {
	switch strings.ToUpper(level) {
	case "", "INFO":
		return "info", nil
	case "DEBUG":
		return "debug", nil
	case "WARNING", "WARN":
		return "warn", nil
	case "ERROR":
		return "error", nil
	default:
		return "", fmt.Errorf("logutil: unknown log level %q", level)
	}
}

func parseFormat(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return "json", nil
	case "console":
		return "console", nil
	default:
		return "", fmt.Errorf("logutil: unknown log format %q", format)
	}
}

// zapLevelOf is kept for callers (tests) that want to assert a Config maps
// to the expected zapcore.Level without going through the global logger.
func zapLevelOf(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
