package crashlog

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	"github.com/neboloop/foreman/internal/db"
	"github.com/neboloop/foreman/internal/logging"
)

// Logger persists errors and panics to the error_logs table.
// Safe for concurrent use from multiple goroutines.
type Logger struct {
	store *db.Store
	mu    sync.Mutex
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init sets up the global crash logger. Call once at startup.
func Init(store *db.Store) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if store == nil {
		global = nil
		return
	}
	global = &Logger{store: store}
}

func current() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// LogPanic records a recovered panic with a full stack trace.
// Safe to call even if Init() was never called.
func LogPanic(module string, r any, ctx map[string]string) {
	msg := fmt.Sprintf("%v", r)
	stack := make([]byte, 8192)
	n := runtime.Stack(stack, false)
	stackStr := string(stack[:n])

	logging.Errorf("[PANIC] %s: %s\n%s", module, msg, stackStr)

	if l := current(); l != nil {
		l.insert("panic", module, msg, stackStr, ctx)
	}
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}
	l := current()
	if l == nil {
		logging.Errorf("[%s] %v", module, err)
		return
	}
	l.insert("error", module, err.Error(), "", ctx)
}

// LogWarn records a warning.
func LogWarn(module string, msg string, ctx map[string]string) {
	l := current()
	if l == nil {
		logging.Warnf("[%s] %s", module, msg)
		return
	}
	l.insert("warn", module, msg, "", ctx)
}

func (l *Logger) insert(level, module, message, stacktrace string, ctx map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ctxJSON string
	if len(ctx) > 0 {
		if b, err := json.Marshal(ctx); err == nil {
			ctxJSON = string(b)
		}
	}

	err := l.store.InsertErrorLog(context.Background(), db.ErrorLog{
		Level:      level,
		Module:     module,
		Message:    message,
		Stacktrace: stacktrace,
		Context:    ctxJSON,
	})
	if err != nil {
		logging.Errorf("[crashlog] failed to persist %s from %s: %v (original: %s)", level, module, err, message)
	}
}
