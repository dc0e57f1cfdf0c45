// Package logging builds the structured loggers used by the stitch CLI:
// human-readable console output on stderr and an optional rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config defines the logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output string // console, file, both
	File   FileConfig
}

// FileConfig defines file output configuration.
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// DefaultConfig logs info and above to the console.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "console",
		Output: "console",
		File: FileConfig{
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 5,
		},
	}
}

// Validate validates the logger configuration.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Level)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", c.Format)
	}
	switch c.Output {
	case "console":
	case "file", "both":
		if c.File.Filename == "" {
			return fmt.Errorf("log file name is required when output is %q", c.Output)
		}
		if c.File.MaxSize <= 0 {
			return fmt.Errorf("log file max size must be greater than 0")
		}
		if c.File.MaxBackups < 0 || c.File.MaxAge < 0 {
			return fmt.Errorf("log file max backups and max age cannot be negative")
		}
	default:
		return fmt.Errorf("invalid log output %q, must be 'console', 'file' or 'both'", c.Output)
	}
	return nil
}

// Logger wraps zap.Logger and owns its file writer.
type Logger struct {
	*zap.Logger
	file io.Closer
}

// New creates a logger. Console output goes to stderr so that command
// output on stdout stays parseable.
func New(cfg *Config) (*Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg *Config, console io.Writer) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger configuration: %w", err)
	}
	level, _ := zapcore.ParseLevel(strings.ToLower(cfg.Level))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var cores []zapcore.Core
	l := &Logger{}

	if cfg.Output == "console" || cfg.Output == "both" {
		enc := encoderConfig
		var encoder zapcore.Encoder
		if cfg.Format == "json" {
			encoder = zapcore.NewJSONEncoder(enc)
		} else {
			enc.EncodeLevel = zapcore.CapitalLevelEncoder
			encoder = zapcore.NewConsoleEncoder(enc)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(console), level))
	}

	if cfg.Output == "file" || cfg.Output == "both" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Filename), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		fw := &lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSize,
			MaxAge:     cfg.File.MaxAge,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
			LocalTime:  true,
		}
		l.file = fw
		// The log file is always JSON.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fw), level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...))
	return l, nil
}

// PassLog derives the configuration of a pass that also records to
// <base>.log next to its outputs.
func PassLog(base *Config, outputBase string) *Config {
	cfg := *base
	if cfg.File.Filename == "" {
		cfg.File.Filename = outputBase + ".log"
	}
	if cfg.File.MaxSize <= 0 {
		cfg.File.MaxSize = DefaultConfig().File.MaxSize
	}
	cfg.Output = "both"
	return &cfg
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
