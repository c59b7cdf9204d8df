// Package web is the HTTP and websocket channel adapter.
//
// Owners post messages to /api/v1/messages and get the reply in the response
// body, or hold a websocket on /ws and exchange JSON frames. Notifications
// for an owner are pushed to every websocket that owner has open.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/neboloop/foreman/internal/channels"
	"github.com/neboloop/foreman/internal/httputil"
	"github.com/neboloop/foreman/internal/logging"
)

// ChannelID identifies this adapter in InboundMessage.ChannelType.
const ChannelID = "web"

// Frame types.
const (
	FrameMessage      = "message"
	FrameReply        = "reply"
	FrameNotification = "notification"
	FrameError        = "error"
)

// Frame is the websocket wire format in both directions.
type Frame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// MessageRequest is the body of POST /api/v1/messages.
type MessageRequest struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

// MessageResponse is the synchronous reply to a posted message.
type MessageResponse struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

// Adapter implements channels.Channel over HTTP.
type Adapter struct {
	allow    func(owner string) bool
	upgrader websocket.Upgrader
	router   chi.Router

	rateLimit rate.Limit
	rateBurst int
	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter

	mu      sync.RWMutex
	handler channels.Handler
	clients map[string]map[*client]struct{}
	closed  bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRateLimit limits each owner to perSecond messages with bursts of up
// to burst. A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *Adapter) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.rateLimit = rate.Limit(perSecond)
		a.rateBurst = burst
	}
}

// New creates an adapter. allow decides which owners may talk to Foreman; a
// nil allow denies everyone.
func New(allow func(owner string) bool, opts ...Option) *Adapter {
	if allow == nil {
		allow = func(string) bool { return false }
	}
	a := &Adapter{
		allow:    allow,
		limiters: make(map[string]*rate.Limiter),
		clients:  make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Owners are gated by the allow-list, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestLog)

	r.Get("/health", a.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", a.postMessage)
	})
	r.Get("/ws", a.serveWS)

	a.router = r
	return a
}

// Handler returns the HTTP handler serving every route of the adapter.
func (a *Adapter) Handler() http.Handler { return a.router }

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) SetHandler(fn channels.Handler) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

// admit reports whether owner may send another message now.
func (a *Adapter) admit(owner string) bool {
	if a.rateLimit == 0 {
		return true
	}
	a.limitMu.Lock()
	l, ok := a.limiters[owner]
	if !ok {
		l = rate.NewLimiter(a.rateLimit, a.rateBurst)
		a.limiters[owner] = l
	}
	a.limitMu.Unlock()
	return l.Allow()
}

func (a *Adapter) currentHandler() channels.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler
}

// Send pushes msg to every websocket the owner has open.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) error {
	a.mu.RLock()
	targets := make([]*client, 0, len(a.clients[msg.Owner]))
	for c := range a.clients[msg.Owner] {
		targets = append(targets, c)
	}
	a.mu.RUnlock()

	if len(targets) == 0 {
		return channels.ErrNoRecipient
	}

	frame := Frame{Type: FrameNotification, Owner: msg.Owner, Text: msg.Text, Timestamp: time.Now()}
	delivered := false
	var errs []error
	for _, c := range targets {
		if err := c.enqueue(frame); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	for _, err := range errs {
		if !errors.Is(err, errClientClosed) {
			return fmt.Errorf("web: %w", errors.Join(errs...))
		}
	}
	return channels.ErrNoRecipient
}

// Connections returns how many websockets owner has open.
func (a *Adapter) Connections(owner string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients[owner])
}

// Close disconnects every websocket. http.Server.Shutdown does not touch
// hijacked connections, so callers close the adapter after shutting down the
// server.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	var all []*client
	for _, set := range a.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	a.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (a *Adapter) register(c *client) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	set := a.clients[c.owner]
	if set == nil {
		set = make(map[*client]struct{})
		a.clients[c.owner] = set
	}
	set[c] = struct{}{}
	return true
}

func (a *Adapter) unregister(c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.clients[c.owner]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(a.clients, c.owner)
		}
	}
}

func (a *Adapter) health(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	conns := 0
	for _, set := range a.clients {
		conns += len(set)
	}
	a.mu.RUnlock()
	httputil.OkJSON(w, map[string]any{"status": "ok", "connections": conns})
}

func (a *Adapter) postMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	req.Text = strings.TrimSpace(req.Text)
	if req.Owner == "" || req.Text == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "owner and text are required")
		return
	}
	if !a.allow(req.Owner) {
		logging.Warnf("[web] Rejected message from %s: owner not allowed", req.Owner)
		httputil.Forbidden(w, "owner not allowed")
		return
	}
	if !a.admit(req.Owner) {
		httputil.ErrorWithCode(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	handler := a.currentHandler()
	if handler == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "not ready")
		return
	}

	// An accepted command runs to completion even if the client hangs up.
	ctx := context.WithoutCancel(r.Context())
	out := handler(ctx, channels.InboundMessage{
		ChannelType: ChannelID,
		Owner:       req.Owner,
		Text:        req.Text,
		Timestamp:   time.Now(),
	})
	httputil.OkJSON(w, MessageResponse{Owner: req.Owner, Text: out.Text})
}

func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(httputil.QueryString(r, "owner", ""))
	if owner == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "owner is required")
		return
	}
	if !a.allow(owner) {
		logging.Warnf("[web] Rejected websocket from %s: owner not allowed", owner)
		httputil.Forbidden(w, "owner not allowed")
		return
	}
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("[web] WebSocket upgrade error: %v", err)
		return
	}

	c := newClient(a, conn, owner)
	if !a.register(c) {
		conn.Close()
		return
	}
	logging.Infof("[web] WebSocket connected for %s", owner)

	go c.writePump()
	go c.readPump()
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debugf("[web] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
