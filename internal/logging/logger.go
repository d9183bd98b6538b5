// Package logging provides category-based file logging for the dossier
// platform. Each subsystem writes to its own date-stamped log file under
// .dossier/logs/, so a noisy ingestion run never buries the job dispatcher's
// trail. Loggers are created lazily and cached per category.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"
	CategoryServer  Category = "server"
	CategoryJobs    Category = "jobs"
	CategoryMaker   Category = "maker"
	CategoryLLM     Category = "llm"
	CategoryIngest  Category = "ingest"
	CategoryEmbed   Category = "embedding"
	CategoryStore   Category = "store"
	CategorySearch  Category = "search"
	CategoryWatch   Category = "watch"
	CategoryWorker  Category = "worker"
	CategoryPolicy  Category = "policy"
	CategoryMonitor Category = "monitor"
)

// Level controls verbosity per category.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "INFO"
}

// fileConfig mirrors the optional "logging" block of .dossier/config.json.
type fileConfig struct {
	Logging struct {
		Enabled    *bool             `json:"enabled,omitempty"`
		Level      string            `json:"level,omitempty"`
		Categories map[string]string `json:"categories,omitempty"`
	} `json:"logging"`
}

var (
	baseDirMu sync.RWMutex
	baseDir   = "."

	cfgOnce sync.Once
	cfg     fileConfig

	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)
)

// Initialize sets the workspace directory that holds .dossier/logs and
// creates the log directory. Safe to call more than once; later calls move
// the base for loggers created afterwards.
func Initialize(workspace string) error {
	baseDirMu.Lock()
	baseDir = workspace
	baseDirMu.Unlock()

	dir := filepath.Join(workspace, ".dossier", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func loadConfig() {
	cfgOnce.Do(func() {
		baseDirMu.RLock()
		path := filepath.Join(baseDir, ".dossier", "config.json")
		baseDirMu.RUnlock()

		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		_ = json.Unmarshal(data, &cfg)
	})
}

func levelFor(category Category) Level {
	loadConfig()
	if s, ok := cfg.Logging.Categories[string(category)]; ok {
		return parseLevel(s)
	}
	if env := os.Getenv("DOSSIER_LOG_LEVEL"); env != "" {
		return parseLevel(env)
	}
	if cfg.Logging.Level != "" {
		return parseLevel(cfg.Logging.Level)
	}
	return LevelInfo
}

func enabled() bool {
	loadConfig()
	if cfg.Logging.Enabled != nil {
		return *cfg.Logging.Enabled
	}
	return true
}

// Logger writes leveled, timestamped lines for one category.
type Logger struct {
	mu       sync.Mutex
	category Category
	level    Level
	enabled  bool
	file     *os.File
	logger   *log.Logger
}

// Get returns the cached logger for a category, creating it on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok = loggers[category]; ok {
		return l
	}
	l = newLogger(category)
	loggers[category] = l
	return l
}

func newLogger(category Category) *Logger {
	l := &Logger{
		category: category,
		level:    levelFor(category),
		enabled:  enabled(),
	}
	if !l.enabled {
		return l
	}

	baseDirMu.RLock()
	dir := filepath.Join(baseDir, ".dossier", "logs")
	baseDirMu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		l.enabled = false
		return l
	}

	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.enabled = false
		return l
	}
	l.file = f
	l.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	return l
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if l == nil || !l.enabled || l.logger == nil || level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// SetLevel overrides the level for this logger.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// StructuredLog writes a single-line JSON event, for entries that tooling
// needs to parse back out of the log files.
func StructuredLog(category Category, level Level, event string, fields map[string]interface{}) {
	l := Get(category)
	if l == nil || !l.enabled || l.logger == nil || level < l.level {
		return
	}
	payload := map[string]interface{}{
		"event": event,
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		l.logf(level, "%s %v (marshal failed: %v)", event, fields, err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("[%s] %s", level, data)
}

// CloseAll flushes and closes every open log file. Call on shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		l.mu.Lock()
		if l.file != nil {
			_ = l.file.Close()
			l.file = nil
			l.logger = nil
			l.enabled = false
		}
		l.mu.Unlock()
	}
	loggers = make(map[Category]*Logger)
}

// ===== CATEGORY CONVENIENCE FUNCTIONS =====

// Boot logs startup/shutdown events.
func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Server logs HTTP API activity.
func Server(format string, args ...interface{})      { Get(CategoryServer).Info(format, args...) }
func ServerDebug(format string, args ...interface{}) { Get(CategoryServer).Debug(format, args...) }
func ServerError(format string, args ...interface{}) { Get(CategoryServer).Error(format, args...) }

// Jobs logs orchestrator and dispatcher activity.
func Jobs(format string, args ...interface{})      { Get(CategoryJobs).Info(format, args...) }
func JobsDebug(format string, args ...interface{}) { Get(CategoryJobs).Debug(format, args...) }
func JobsWarn(format string, args ...interface{})  { Get(CategoryJobs).Warn(format, args...) }
func JobsError(format string, args ...interface{}) { Get(CategoryJobs).Error(format, args...) }

// Maker logs consensus voting rounds.
func Maker(format string, args ...interface{})      { Get(CategoryMaker).Info(format, args...) }
func MakerDebug(format string, args ...interface{}) { Get(CategoryMaker).Debug(format, args...) }
func MakerWarn(format string, args ...interface{})  { Get(CategoryMaker).Warn(format, args...) }

// LLM logging convenience functions.
func LLM(format string, args ...interface{})      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }
func LLMWarn(format string, args ...interface{})  { Get(CategoryLLM).Warn(format, args...) }
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

// Ingest logs the document pipeline.
func Ingest(format string, args ...interface{})      { Get(CategoryIngest).Info(format, args...) }
func IngestDebug(format string, args ...interface{}) { Get(CategoryIngest).Debug(format, args...) }
func IngestWarn(format string, args ...interface{})  { Get(CategoryIngest).Warn(format, args...) }
func IngestError(format string, args ...interface{}) { Get(CategoryIngest).Error(format, args...) }

// Embedding logging convenience functions.
func Embedding(format string, args ...interface{})      { Get(CategoryEmbed).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbed).Debug(format, args...) }
func EmbeddingWarn(format string, args ...interface{})  { Get(CategoryEmbed).Warn(format, args...) }

// Store logs persistence operations.
func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

// Search logs retriever activity.
func Search(format string, args ...interface{})      { Get(CategorySearch).Info(format, args...) }
func SearchDebug(format string, args ...interface{}) { Get(CategorySearch).Debug(format, args...) }

// Watch logs watcher channels and pollers.
func Watch(format string, args ...interface{})      { Get(CategoryWatch).Info(format, args...) }
func WatchDebug(format string, args ...interface{}) { Get(CategoryWatch).Debug(format, args...) }
func WatchWarn(format string, args ...interface{})  { Get(CategoryWatch).Warn(format, args...) }
func WatchError(format string, args ...interface{}) { Get(CategoryWatch).Error(format, args...) }

// Worker logs the façade workers.
func Worker(format string, args ...interface{})      { Get(CategoryWorker).Info(format, args...) }
func WorkerDebug(format string, args ...interface{}) { Get(CategoryWorker).Debug(format, args...) }
func WorkerError(format string, args ...interface{}) { Get(CategoryWorker).Error(format, args...) }

// Policy logs the ingestion admission gate.
func Policy(format string, args ...interface{})     { Get(CategoryPolicy).Info(format, args...) }
func PolicyWarn(format string, args ...interface{}) { Get(CategoryPolicy).Warn(format, args...) }

// Monitor logs audit/metrics activity.
func Monitor(format string, args ...interface{}) { Get(CategoryMonitor).Info(format, args...) }

// ===== REQUEST LOGGER =====

// RequestLogger carries a request id (and optional fields) through one
// API request's log lines.
type RequestLogger struct {
	category  Category
	requestID string
	fields    map[string]string
}

// WithRequestID creates a request-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		category:  category,
		requestID: requestID,
		fields:    make(map[string]string),
	}
}

// WithField returns a copy carrying an extra key=value field.
func (r *RequestLogger) WithField(key, value string) *RequestLogger {
	nr := &RequestLogger{
		category:  r.category,
		requestID: r.requestID,
		fields:    make(map[string]string, len(r.fields)+1),
	}
	for k, v := range r.fields {
		nr.fields[k] = v
	}
	nr.fields[key] = value
	return nr
}

func (r *RequestLogger) prefix() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[req=%s]", r.requestID)
	for k, v := range r.fields {
		fmt.Fprintf(&sb, " %s=%s", k, v)
	}
	return sb.String()
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	Get(r.category).Debug("%s %s", r.prefix(), fmt.Sprintf(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	Get(r.category).Info("%s %s", r.prefix(), fmt.Sprintf(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	Get(r.category).Warn("%s %s", r.prefix(), fmt.Sprintf(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	Get(r.category).Error("%s %s", r.prefix(), fmt.Sprintf(format, args...))
}

// ===== TIMER =====

// Timer measures one operation's duration.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when the operation exceeded the
// threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
