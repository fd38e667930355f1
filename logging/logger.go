// Package logging builds the console's zap logger: a console core plus an
// optional rotating JSON file, both with credential redaction.
package logging

import (
	"errors"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"opsconsole/core"
)

// Options configures New.
type Options struct {
	Level       string
	File        string // empty disables the file sink
	Development bool
	Console     io.Writer // defaults to os.Stderr
	Rotation    FileWriterConfig
}

// OptionsFromConfig reads the logging fields of cfg.
func OptionsFromConfig(cfg *core.Config) Options {
	return Options{
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		Development: cfg.Development,
		Rotation:    FileWriterConfig{Compress: true},
	}
}

// New builds a logger. Development mode lowers the default level to debug.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, core.ErrInvalidConfig("log_level", opts.Level, "use debug, info, warn or error")
	}
	if opts.Development && opts.Level == "" {
		level = zapcore.DebugLevel
	}

	var console zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.Console != nil {
		console = zapcore.AddSync(opts.Console)
	}
	var file zapcore.WriteSyncer
	if opts.File != "" {
		file = NewFileWriter(opts.File, opts.Rotation)
	}

	zopts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.Development {
		zopts = append(zopts, zap.Development())
	}
	return zap.New(newTee(level, console, file, opts.Development), zopts...), nil
}

// Sync flushes logger, ignoring the EINVAL that some terminals return.
func Sync(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
		return err
	}
	return nil
}

func isIgnorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		strings.Contains(err.Error(), "inappropriate ioctl for device")
}
