// Package logging builds the zap logger shared by the CLI and the reconcile
// daemon. Records go to a single append-only file as
// "<UTC time> <LEVEL> <hostname>[.<component>] <message> {fields}", with the
// level color-coded.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FallbackFileName is created in os.TempDir when the configured log file
// cannot be opened.
const FallbackFileName = "blobnfs.log"

const (
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

// Options describes where and how to log.
type Options struct {
	File       string
	Verbose    bool
	MaxSizeMB  int // 0 disables rotation
	MaxBackups int
	Compress   bool
}

// Logger bundles the zap logger with its adjustable level and the file it
// actually writes to.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
	Path  string // empty when writing to stderr

	pinned atomic.Bool
}

// New creates the file logger. It never fails: when the configured file
// cannot be opened it falls back to a file in the temp directory, and then to
// stderr. The fallback is reported on the returned logger.
func New(opts Options) *Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Verbose {
		level.SetLevel(zap.DebugLevel)
	}

	sink, path, openErr := openSink(opts)

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), sink, level)
	logger := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).Named(hostname())

	if openErr != nil {
		logger.Warn("log file unavailable, using fallback",
			zap.String("configured", opts.File),
			zap.String("fallback", displayPath(path)),
			zap.Error(openErr),
		)
	}

	return &Logger{Logger: logger, Level: level, Path: path}
}

// PinVerbose enables debug records and keeps them on across SetVerbose calls.
// The CLI pins the level when -v is given so config reloads cannot lower it.
func (l *Logger) PinVerbose() {
	l.pinned.Store(true)
	l.Level.SetLevel(zap.DebugLevel)
}

// SetVerbose switches debug records on or off at runtime. A pinned logger
// stays verbose.
func (l *Logger) SetVerbose(verbose bool) {
	if verbose || l.pinned.Load() {
		l.Level.SetLevel(zap.DebugLevel)
		return
	}
	l.Level.SetLevel(zap.InfoLevel)
}

// Success logs a completed operation at info level with a green marker.
func Success(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Info(msg, append(fields, zap.String("status", colorGreen+"SUCCESS"+colorReset))...)
}

// encoderConfig mirrors the console encoder used by the daemon, with UTC
// timestamps and the hostname carried in the logger name.
func encoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.NameKey = "host"
	encoderConfig.EncodeTime = utcTimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return encoderConfig
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	zapcore.ISO8601TimeEncoder(t.UTC(), enc)
}

func openSink(opts Options) (zapcore.WriteSyncer, string, error) {
	sink, err := openFile(opts.File, opts)
	if err == nil {
		return sink, opts.File, nil
	}

	fallback := filepath.Join(os.TempDir(), FallbackFileName)
	if fallback != opts.File {
		if sink, fallbackErr := openFile(fallback, opts); fallbackErr == nil {
			return sink, fallback, err
		}
	}

	return zapcore.Lock(os.Stderr), "", err
}

func openFile(path string, opts Options) (zapcore.WriteSyncer, error) {
	if path == "" {
		return nil, fmt.Errorf("no log file configured")
	}

	// Open once even when rotating so that permission problems surface here
	// instead of on the first write.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if opts.MaxSizeMB <= 0 {
		return zapcore.Lock(file), nil
	}
	file.Close()

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
	}), nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

func displayPath(path string) string {
	if path == "" {
		return "stderr"
	}
	return path
}
