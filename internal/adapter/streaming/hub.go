package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/domain"
)

// SecurityRecorder appends audit entries for policy breaches.
type SecurityRecorder interface {
	RecordSecurityEvent(ctx context.Context, event string, details map[string]any) error
}

type bridge struct {
	cancel context.CancelFunc
	sub    domain.Subscription
}

// Hub tracks rooms (one per job id) and the bridge task that forwards
// broker updates into each room. The first subscriber of a job spawns the
// bridge; the last one leaving tears it down.
type Hub struct {
	bus     domain.UpdateBus
	guard   *Guard
	auditor SecurityRecorder

	idleTimeout time.Duration
	maxLifetime time.Duration

	mu      sync.Mutex
	rooms   map[string]map[string]*Client
	bridges map[string]*bridge
}

// NewHub builds a Hub. Run must be started for idle sweeping to work.
func NewHub(bus domain.UpdateBus, guard *Guard, auditor SecurityRecorder, idleTimeout, maxLifetime time.Duration) *Hub {
	return &Hub{
		bus:         bus,
		guard:       guard,
		auditor:     auditor,
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
		rooms:       make(map[string]map[string]*Client),
		bridges:     make(map[string]*bridge),
	}
}

// register adds the client to its room and spawns the room's bridge when
// it is the first subscriber.
func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	room, ok := h.rooms[c.jobID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[c.jobID] = room
	}
	room[c.connID] = c
	_, hasBridge := h.bridges[c.jobID]
	if !hasBridge {
		h.bridges[c.jobID] = nil // reserved while subscribing
	}
	h.mu.Unlock()

	h.guard.Register(c.ip, c.connID)
	observability.StreamConnectionsActive.Inc()

	if hasBridge {
		return nil
	}

	// The bridge outlives the handshake request, so it runs on its own
	// context and is cancelled by the last unregister.
	bctx, cancel := context.WithCancel(context.Background())
	sub, err := h.bus.SubscribeUpdates(bctx, c.jobID)
	if err != nil {
		cancel()
		h.dropClient(c)
		h.mu.Lock()
		delete(h.bridges, c.jobID)
		h.mu.Unlock()
		return err
	}
	h.mu.Lock()
	h.bridges[c.jobID] = &bridge{cancel: cancel, sub: sub}
	h.mu.Unlock()
	observability.StreamBridgesActive.Inc()
	go h.runBridge(bctx, c.jobID, sub)
	return nil
}

// unregister removes the client; the last client of a room tears down its
// bridge subscription.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.jobID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := room[c.connID]; !present {
		h.mu.Unlock()
		return
	}
	delete(room, c.connID)
	// Closed under the lock so broadcast can never send on a closed channel.
	close(c.send)
	var br *bridge
	if len(room) == 0 {
		delete(h.rooms, c.jobID)
		br = h.bridges[c.jobID]
		delete(h.bridges, c.jobID)
	}
	h.mu.Unlock()

	h.guard.Unregister(c.ip, c.connID)
	observability.StreamConnectionsActive.Dec()

	if br != nil {
		br.cancel()
		_ = br.sub.Close()
		observability.StreamBridgesActive.Dec()
	}
}

// dropClient is unregister for clients that never reached a working
// bridge; it does not close the send channel since no pump runs yet.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.jobID]; ok {
		delete(room, c.connID)
		if len(room) == 0 {
			delete(h.rooms, c.jobID)
		}
	}
	h.mu.Unlock()
	h.guard.Unregister(c.ip, c.connID)
	observability.StreamConnectionsActive.Dec()
}

// runBridge forwards broker updates for one job into its room. Updates are
// advisory; anything malformed or mislabeled is dropped, and clients
// reconcile against the stored record if they care.
func (h *Hub) runBridge(ctx context.Context, jobID string, sub domain.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				// Broker subscription failed underneath us; the stored
				// record remains authoritative, so close the room and let
				// clients re-join.
				h.closeRoom(jobID, websocket.CloseInternalServerErr, "update stream lost")
				return
			}
			var u domain.JobUpdate
			if err := json.Unmarshal(msg, &u); err != nil || u.JobID != jobID {
				slog.Debug("dropping malformed update", slog.String("job_id", jobID))
				continue
			}
			if u.Timestamp == 0 {
				u.Timestamp = float64(time.Now().UnixNano()) / 1e9
				if stamped, err := json.Marshal(u); err == nil {
					msg = stamped
				}
			}
			h.broadcast(jobID, msg)
			observability.StreamMessagesTotal.WithLabelValues(u.Type).Inc()
		}
	}
}

// broadcast fans a raw payload out to every client in the room. Sends are
// non-blocking under the room lock; a client whose buffer is full is
// closed rather than allowed to stall the others.
func (h *Hub) broadcast(jobID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.rooms[jobID] {
		select {
		case c.send <- payload:
		default:
			slog.Warn("dropping slow stream client",
				slog.String("job_id", jobID), slog.String("conn_id", c.connID))
			go c.closeWith(websocket.CloseInternalServerErr, "client too slow")
		}
	}
}

// closeRoom closes every client of one room with the given close code.
func (h *Hub) closeRoom(jobID string, code int, reason string) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.rooms[jobID]))
	for _, c := range h.rooms[jobID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeWith(code, reason)
	}
}

// Run sweeps idle and over-age connections once a minute until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	var stale []*Client
	for _, room := range h.rooms {
		for _, c := range room {
			if c.idleFor(now) > h.idleTimeout || now.Sub(c.connectedAt) > h.maxLifetime {
				stale = append(stale, c)
			}
		}
	}
	h.mu.Unlock()
	for _, c := range stale {
		slog.Info("closing stale stream connection",
			slog.String("job_id", c.jobID), slog.String("conn_id", c.connID))
		c.closeWith(websocket.CloseNormalClosure, "connection expired")
	}
}

// recordEvent appends a security audit entry without blocking the caller.
func (h *Hub) recordEvent(event, ip, jobID string) {
	if h.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	details := map[string]any{"client_ip": ip}
	if jobID != "" {
		details["job_id"] = jobID
	}
	if err := h.auditor.RecordSecurityEvent(ctx, event, details); err != nil {
		slog.Warn("security event write failed", slog.String("event", event), slog.Any("error", err))
	}
}
