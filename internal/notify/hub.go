// Package notify fans call events out to dashboard listeners.
package notify

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event names published by the bridge.
const (
	EventCallStarted  = "call.started"
	EventCallEnded    = "call.ended"
	EventTranscript   = "transcript"
	EventToolExecuted = "tool.executed"
	EventConfirmation = "confirmation.requested"
)

const (
	subscriberBuffer = 32
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
)

// Publisher receives call events. Implementations must not block.
type Publisher interface {
	Publish(tenantID, event string, payload any)
}

// Event is the envelope written to subscribers.
type Event struct {
	Tenant    string    `json:"tenant"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Hub keeps per-tenant subscribers. Slow subscribers miss events rather
// than stalling the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		logger:      logger.With().Str("component", "notify_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Subscribe registers a listener for a tenant. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(tenantID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	listeners := h.subscribers[tenantID]
	if listeners == nil {
		listeners = make(map[chan Event]struct{})
		h.subscribers[tenantID] = listeners
	}
	listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if listeners := h.subscribers[tenantID]; listeners != nil {
				delete(listeners, ch)
				if len(listeners) == 0 {
					delete(h.subscribers, tenantID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the tenant.
func (h *Hub) Publish(tenantID, event string, payload any) {
	if h == nil {
		return
	}
	msg := Event{Tenant: tenantID, Event: event, Payload: payload, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[tenantID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribers returns the number of listeners for a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}

// ServeWS streams a tenant's events over a websocket: GET /events?tenant=<id>.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenantID == "" {
		http.Error(w, "tenant query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade events connection")
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe(tenantID)
	defer cancel()

	logger := h.logger.With().Str("tenant_id", tenantID).Logger()
	logger.Debug().Msg("Events subscriber connected")

	// The read side only services control frames and notices the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logger.Debug().Msg("Events subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("Events write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
