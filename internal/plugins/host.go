package plugins

import (
	"sync"
	"sync/atomic"

	"github.com/neboloop/foreman/internal/logging"
)

// Host owns the active registry. Readers never block; a reload builds a new
// registry off to the side and swaps it in only when the load succeeds.
type Host struct {
	current  atomic.Pointer[Registry]
	handlers HandlerTable

	mu       sync.Mutex // serializes reloads
	sources  []string
	onChange []func(*Registry)
}

// NewHost performs the initial load. A failed initial load is returned.
func NewHost(sources []string, handlers HandlerTable) (*Host, error) {
	reg, err := Load(sources, handlers)
	if err != nil {
		return nil, err
	}
	h := &Host{handlers: handlers, sources: append([]string(nil), sources...)}
	h.current.Store(reg)
	return h, nil
}

// Registry returns the active registry.
func (h *Host) Registry() *Registry {
	return h.current.Load()
}

// Sources returns the sources of the active registry.
func (h *Host) Sources() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sources...)
}

// Reload replaces the active registry with one built from sources. On error
// the previous registry stays active and the error is returned.
func (h *Host) Reload(sources []string) error {
	h.mu.Lock()
	reg, err := Load(sources, h.handlers)
	if err != nil {
		h.mu.Unlock()
		logging.Errorf("[plugins] Reload failed, keeping previous registry: %v", err)
		return err
	}
	h.current.Store(reg)
	h.sources = append([]string(nil), sources...)
	callbacks := append([]func(*Registry){}, h.onChange...)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(reg)
	}
	return nil
}

// OnChange registers a callback run after every successful reload.
func (h *Host) OnChange(fn func(*Registry)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}
