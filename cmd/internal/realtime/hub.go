package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"vigil/cmd/internal/auth/session"
	v1 "vigil/shared/contracts/session/v1"

	"github.com/prometheus/client_golang/prometheus"
)

// Hub tracks connected tabs and fans server envelopes out to all of them.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	connected prometheus.Gauge
	dropped   prometheus.Counter
}

// NewHub constructs a Hub. Collectors are registered with reg when non-nil.
func NewHub(log *slog.Logger, reg prometheus.Registerer) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:     log,
		clients: make(map[string]*Client),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "ws",
			Name:      "connected_clients",
			Help:      "Currently connected UI tabs.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "ws",
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast envelopes dropped because a client queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.connected, h.dropped)
	}
	return h
}

// Join adds a client.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.ConnID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.ConnID] = client
	n := len(h.clients)
	h.mu.Unlock()

	h.connected.Set(float64(n))
	h.log.Info("ws.client.join", "connection_id", client.ConnID, "clients", n)
}

// Leave removes a client and signals shutdown for it.
func (h *Hub) Leave(connID string) {
	if h == nil || connID == "" {
		return
	}

	h.mu.Lock()
	cl := h.clients[connID]
	delete(h.clients, connID)
	n := len(h.clients)
	h.mu.Unlock()

	// Signal after removal so broadcasters never hold a closing client.
	if cl != nil {
		cl.Close()
	}

	h.connected.Set(float64(n))
	h.log.Info("ws.client.leave", "connection_id", connID, "clients", n)
}

// Close disconnects every client. Connections see a going-away close.
func (h *Hub) Close() {
	if h == nil {
		return
	}

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.connected.Set(0)
	h.log.Info("ws.hub.close", "clients", len(clients))
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast fans env out to all clients and returns how many accepted it.
func (h *Hub) Broadcast(env v1.Envelope) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.clients {
		if c == nil {
			continue
		}
		if c.offer(env) {
			delivered++
			continue
		}
		h.dropped.Inc()
	}
	return delivered
}

// Redirect implements session.Navigator by telling every tab to navigate.
func (h *Hub) Redirect(_ context.Context, r session.Redirect) {
	now := time.Now().UTC()
	payload, _ := json.Marshal(v1.SessionRedirectPayload{Path: r.Path, Reason: string(r.Reason)})
	n := h.Broadcast(newEnvelope(v1.TypeSessionRedirect, payload, now))
	h.log.Info("session.redirect", "path", r.Path, "reason", r.Reason, "delivered", n)
}

var _ session.Navigator = (*Hub)(nil)
