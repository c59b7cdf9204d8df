// Package lifecycle provides event hooks for Foreman startup, shutdown and
// job progress.
package lifecycle

import (
	"sync"
	"time"

	"github.com/neboloop/foreman/internal/logging"
)

// Event types for lifecycle hooks
type Event string

const (
	// Server lifecycle events
	EventServerStarted    Event = "server_started"
	EventShutdownStarted  Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"

	// Plugin events
	EventPluginsReloaded Event = "plugins_reloaded"

	// Job events
	EventJobCreated    Event = "job_created"
	EventJobDispatched Event = "job_dispatched"
	EventJobFinished   Event = "job_finished"

	// Watchdog events
	EventSessionState Event = "session_state"
)

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

// Global lifecycle manager
var global = NewManager()

// On registers a handler for a lifecycle event
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// Reset drops every global handler.
func Reset() {
	global.Reset()
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] Emitting event: %s", event)
	for _, h := range handlers {
		// Run handlers synchronously (they can spawn goroutines if needed)
		h(event, data)
	}
}

func (m *Manager) Reset() {
	m.mu.Lock()
	m.handlers = make(map[Event][]Handler)
	m.mu.Unlock()
}

// OnServerStarted is a convenience function to register a server started handler
func OnServerStarted(handler func()) {
	On(EventServerStarted, func(e Event, data any) {
		handler()
	})
}

// OnShutdown is a convenience function to register a shutdown handler
func OnShutdown(handler func()) {
	On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}

// JobEventData contains data for job events
type JobEventData struct {
	JobID   string
	Owner   string
	Status  string
	Summary string
	At      time.Time
}

// SessionEventData contains data for watchdog session events
type SessionEventData struct {
	SessionID        string
	JobID            string
	State            string
	StallCount       int
	RecoveryAttempts int
}

// OnJob registers a handler for one of the job events
func OnJob(event Event, handler func(data JobEventData)) {
	On(event, func(e Event, data any) {
		if d, ok := data.(JobEventData); ok {
			handler(d)
		}
	})
}

// OnSessionState registers a handler for watchdog state changes
func OnSessionState(handler func(data SessionEventData)) {
	On(EventSessionState, func(e Event, data any) {
		if d, ok := data.(SessionEventData); ok {
			handler(d)
		}
	})
}
