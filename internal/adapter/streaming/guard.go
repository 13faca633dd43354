// Package streaming is the push channel between job updates on the broker
// and subscribed WebSocket clients. One room per job id, one bridge task
// per room; the stored job record stays authoritative and the channel is
// an optimization.
package streaming

import (
	"sync"
	"time"
)

// Guard enforces the per-IP stream limits: concurrent connections, event
// rate, and temporary bans after repeated breaches. State is process-local;
// connection tables never leave the stream service.
type Guard struct {
	mu sync.Mutex

	maxConns  int
	maxEvents int
	banFor    time.Duration

	conns   map[string]map[string]struct{} // ip -> connection ids
	events  map[string]*eventWindow
	bans    map[string]time.Time
	strikes map[string]int

	now func() time.Time
}

type eventWindow struct {
	start time.Time
	count int
}

const strikesBeforeBan = 3

// NewGuard builds a Guard with the given per-IP limits.
func NewGuard(maxConns, maxEventsPerMin int, banFor time.Duration) *Guard {
	return &Guard{
		maxConns:  maxConns,
		maxEvents: maxEventsPerMin,
		banFor:    banFor,
		conns:     make(map[string]map[string]struct{}),
		events:    make(map[string]*eventWindow),
		bans:      make(map[string]time.Time),
		strikes:   make(map[string]int),
		now:       time.Now,
	}
}

// Banned reports whether ip is currently banned. Expired bans are lifted
// lazily.
func (g *Guard) Banned(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bans[ip]
	if !ok {
		return false
	}
	if g.now().After(until) {
		delete(g.bans, ip)
		delete(g.strikes, ip)
		return false
	}
	return true
}

// ConnectionAllowed reports whether ip may open another connection.
func (g *Guard) ConnectionAllowed(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns[ip]) < g.maxConns
}

// Register records an open connection.
func (g *Guard) Register(ip, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.conns[ip]
	if !ok {
		set = make(map[string]struct{})
		g.conns[ip] = set
	}
	set[connID] = struct{}{}
}

// Unregister removes a closed connection.
func (g *Guard) Unregister(ip, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.conns[ip]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.conns, ip)
		}
	}
}

// AllowEvent counts one inbound frame against the ip's per-minute budget.
func (g *Guard) AllowEvent(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	w, ok := g.events[ip]
	if !ok || now.Sub(w.start) > time.Minute {
		g.events[ip] = &eventWindow{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= g.maxEvents
}

// Violation records a policy breach; repeated breaches ban the ip.
func (g *Guard) Violation(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strikes[ip]++
	if g.strikes[ip] >= strikesBeforeBan {
		g.bans[ip] = g.now().Add(g.banFor)
	}
}
