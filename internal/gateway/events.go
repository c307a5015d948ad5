package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/metrics"
)

// Event is one message on the admin event stream.
type Event struct {
	Type      string    `json:"type"`
	Peer      string    `json:"peer,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Status    uint8     `json:"status"`
	Available uint64    `json:"available,omitempty"`
	At        time.Time `json:"at"`
}

// eventClient is a connected event stream subscriber.
type eventClient struct {
	events chan []byte
}

// eventHub fans status changes out to websocket subscribers. It subscribes to
// the cache once; each client gets a bounded buffer.
type eventHub struct {
	clients map[*eventClient]bool
	mu      sync.RWMutex
	metrics *metrics.GatewayMetrics

	cache   *cache.Cache
	handler func(cache.StatusChange)
}

func newEventHub(c *cache.Cache, m *metrics.GatewayMetrics) (*eventHub, error) {
	h := &eventHub{
		clients: make(map[*eventClient]bool),
		metrics: m,
		cache:   c,
	}
	h.handler = h.onStatusChange
	if err := c.Subscribe(h.handler); err != nil {
		return nil, err
	}
	return h, nil
}

// close detaches the hub from the cache and drops every client.
func (h *eventHub) close() {
	_ = h.cache.Unsubscribe(h.handler)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.events)
	}
	h.setGauge()
}

func (h *eventHub) register(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.setGauge()
	log.Debug().Int("clients", len(h.clients)).Msg("event client connected")
}

func (h *eventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.events)
		h.setGauge()
		log.Debug().Int("clients", len(h.clients)).Msg("event client disconnected")
	}
}

// setGauge must be called with h.mu held.
func (h *eventHub) setGauge() {
	if h.metrics != nil {
		h.metrics.EventClients.Set(float64(len(h.clients)))
	}
}

func (h *eventHub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.events <- data:
		default:
			// Client buffer full, skip
			log.Debug().Msg("event client buffer full, skipping event")
		}
	}
}

func (h *eventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) onStatusChange(ch cache.StatusChange) {
	h.broadcast(Event{
		Type:      "status",
		Peer:      ch.Peer,
		From:      ch.From.String(),
		To:        ch.To.String(),
		Status:    uint8(ch.To),
		Available: ch.Available,
		At:        ch.At,
	})
}
