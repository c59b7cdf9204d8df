// Package channels is the messaging surface Foreman talks to owners through.
// Adapters turn transport events into InboundMessages and deliver
// OutboundMessages; the wire format is the adapter's business.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neboloop/foreman/internal/logging"
)

// ErrNoRecipient is returned by Manager.Notify when no channel reached the owner.
var ErrNoRecipient = errors.New("no connected channel for owner")

// InboundMessage is one message from an owner.
type InboundMessage struct {
	ChannelType string
	Owner       string
	Text        string
	Timestamp   time.Time
}

// OutboundMessage is one reply or notification to an owner.
type OutboundMessage struct {
	Owner string
	Text  string
}

// Handler processes an inbound message and returns the synchronous reply.
type Handler func(ctx context.Context, msg InboundMessage) OutboundMessage

// Channel is a messaging transport adapter.
type Channel interface {
	// ID returns the channel identifier
	ID() string
	// Send delivers msg. It returns ErrNoRecipient when the owner is not reachable.
	Send(ctx context.Context, msg OutboundMessage) error
	// SetHandler sets the callback for incoming messages
	SetHandler(fn Handler)
}

// Manager fans notifications out to every registered channel.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds ch and points its handler at fn.
func (m *Manager) Register(ch Channel, fn Handler) {
	ch.SetHandler(fn)
	m.mu.Lock()
	m.channels[ch.ID()] = ch
	m.mu.Unlock()
}

// Notify sends msg on every channel. It succeeds when at least one channel
// delivered it.
func (m *Manager) Notify(ctx context.Context, msg OutboundMessage) error {
	m.mu.RLock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.RUnlock()

	delivered := false
	var errs []error
	for _, ch := range chs {
		err := ch.Send(ctx, msg)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoRecipient):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", ch.ID(), err))
		}
	}
	if delivered {
		return nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logging.Debugf("[channels] No channel reached %s", msg.Owner)
	return ErrNoRecipient
}
