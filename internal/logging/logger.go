// Package logging provides categorized logging for lorebank subsystems.
// Each category maps to a named zap logger so per-subsystem output can be
// filtered downstream. Until Init is called all loggers are no-ops, which
// keeps library code quiet in tests.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category identifies a lorebank subsystem.
type Category string

const (
	CategoryStore        Category = "store"        // Relational store operations
	CategoryVector       Category = "vecindex"     // Vector index operations
	CategoryEmbedding    Category = "embedding"    // Embedding engine
	CategoryMemory       Category = "memory"       // Memory manager (ingest/retrieve)
	CategoryConversation Category = "conversation" // Conversation store and privacy rules
	CategoryMigration    Category = "migration"    // Migration orchestrator
)

// Logger wraps a sugared zap logger with printf-style level methods.
type Logger struct {
	s *zap.SugaredLogger
}

func (l *Logger) Debug(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.s.Errorf(format, args...) }

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*Logger)
)

// Init installs the process-wide root logger. Called once at startup by the
// CLI; safe to call again (e.g. to swap in a verbose logger).
func Init(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = make(map[Category]*Logger)
}

// Get returns the logger for a category.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := &Logger{s: root.Named(string(c)).WithOptions(zap.AddCallerSkip(1)).Sugar()}
	loggers[c] = l
	return l
}

// Convenience helpers, one pair per category. Info for state changes,
// Debug for chatty per-operation detail.

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

func Vector(format string, args ...interface{})      { Get(CategoryVector).Info(format, args...) }
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }

func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

func Memory(format string, args ...interface{})      { Get(CategoryMemory).Info(format, args...) }
func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debug(format, args...) }

func Conversation(format string, args ...interface{}) {
	Get(CategoryConversation).Info(format, args...)
}
func ConversationDebug(format string, args ...interface{}) {
	Get(CategoryConversation).Debug(format, args...)
}

func Migration(format string, args ...interface{}) { Get(CategoryMigration).Info(format, args...) }
func MigrationDebug(format string, args ...interface{}) {
	Get(CategoryMigration).Debug(format, args...)
}

// Timer measures an operation's wall time and logs it at debug on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation within a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s completed in %v", t.operation, time.Since(t.start))
}
