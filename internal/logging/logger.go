// Package logging provides categorized file-based logging for airbcm.
// Logs are written to the run's log directory (.logs/ or .logs/<namespace>/)
// with a separate file per category, one file per day.
// Each category is backed by its own zap core so text and JSON output share
// the same encoder configuration.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config resolution
	CategoryAPI      Category = "api"      // Air REST calls
	CategoryDeploy   Category = "deploy"   // Orchestrator phases
	CategoryRemote   Category = "remote"   // SSH sessions, uploads, reboots
	CategoryShell    Category = "shell"    // Local process execution (rsync)
	CategoryProgress Category = "progress" // Checkpoint reads and writes
	CategoryTopology Category = "topology" // Topology parsing and detection
	CategoryFeatures Category = "features" // Post-install actions
	CategoryStore    Category = "store"    // Deployment history database
)

// Options configures the logging system.
type Options struct {
	// Dir is where category files are written. Empty disables file logging.
	Dir string
	// Level is one of debug, info, warn, error.
	Level string
	// JSONFormat switches the file encoder from console to JSON.
	JSONFormat bool
	// Disabled turns every logger into a no-op.
	Disabled bool
	// Categories optionally toggles individual categories. Missing entries are enabled.
	Categories map[string]bool
}

// Logger wraps a sugared zap logger bound to one category file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	opts   Options
	optsMu sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory and level.
// Safe to call more than once; open files are closed first.
func Initialize(o Options) error {
	CloseAll()

	optsMu.Lock()
	opts = o
	optsMu.Unlock()

	level.SetLevel(parseLevel(o.Level))

	if o.Disabled || o.Dir == "" {
		return nil
	}

	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== airbcm logging initialized ===")
	boot.Info("Logs directory: %s", o.Dir)
	boot.Debug("Log level: %s, json=%v", level.Level(), o.JSONFormat)
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel changes the level for every category at runtime.
func SetLevel(s string) {
	level.SetLevel(parseLevel(s))
}

// Dir returns the configured log directory.
func Dir() string {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.Dir
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if opts.Disabled || opts.Dir == "" {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging is disabled or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(Dir(), fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(newCore(file)).Sugar().With("cat", string(category)),
	}
	loggers[category] = l
	return l
}

func newCore(file *os.File) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	optsMu.RLock()
	jsonFormat := opts.JSONFormat
	optsMu.RUnlock()

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(file), level)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying extra key/value context on every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.sugar.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...interface{})  { Get(CategoryAPI).Warn(format, args...) }
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

func Deploy(format string, args ...interface{})      { Get(CategoryDeploy).Info(format, args...) }
func DeployDebug(format string, args ...interface{}) { Get(CategoryDeploy).Debug(format, args...) }
func DeployWarn(format string, args ...interface{})  { Get(CategoryDeploy).Warn(format, args...) }
func DeployError(format string, args ...interface{}) { Get(CategoryDeploy).Error(format, args...) }

func Remote(format string, args ...interface{})      { Get(CategoryRemote).Info(format, args...) }
func RemoteDebug(format string, args ...interface{}) { Get(CategoryRemote).Debug(format, args...) }
func RemoteWarn(format string, args ...interface{})  { Get(CategoryRemote).Warn(format, args...) }
func RemoteError(format string, args ...interface{}) { Get(CategoryRemote).Error(format, args...) }

func Shell(format string, args ...interface{})      { Get(CategoryShell).Info(format, args...) }
func ShellDebug(format string, args ...interface{}) { Get(CategoryShell).Debug(format, args...) }
func ShellWarn(format string, args ...interface{})  { Get(CategoryShell).Warn(format, args...) }
func ShellError(format string, args ...interface{}) { Get(CategoryShell).Error(format, args...) }

func Progress(format string, args ...interface{})      { Get(CategoryProgress).Info(format, args...) }
func ProgressDebug(format string, args ...interface{}) { Get(CategoryProgress).Debug(format, args...) }
func ProgressWarn(format string, args ...interface{})  { Get(CategoryProgress).Warn(format, args...) }

func Topology(format string, args ...interface{})      { Get(CategoryTopology).Info(format, args...) }
func TopologyDebug(format string, args ...interface{}) { Get(CategoryTopology).Debug(format, args...) }
func TopologyWarn(format string, args ...interface{})  { Get(CategoryTopology).Warn(format, args...) }

func Features(format string, args ...interface{})      { Get(CategoryFeatures).Info(format, args...) }
func FeaturesDebug(format string, args ...interface{}) { Get(CategoryFeatures).Debug(format, args...) }
func FeaturesWarn(format string, args ...interface{})  { Get(CategoryFeatures).Warn(format, args...) }
func FeaturesError(format string, args ...interface{}) { Get(CategoryFeatures).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

// Timer tracks operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
