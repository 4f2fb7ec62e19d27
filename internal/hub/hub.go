// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hub implements the per-tenant sync hub: a registry of live
// connections with heartbeat/timeout lifecycle management and
// best-effort fan-out of graph mutation events. There is no persistent
// event log; a reconnecting peer recovers via a sync snapshot, not by
// replaying missed events.
package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/engramd/engram/internal/logger"
)

// ConnState models the connection lifecycle:
// CONNECTING -> ACTIVE -> (HEARTBEAT_TIMEOUT | EXPLICIT_CLOSE) -> TERMINATED.
// Terminal states are not re-enterable.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateActive
	StateHeartbeatTimeout
	StateExplicitClose
	StateTerminated
)

// String returns the state name
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	case StateExplicitClose:
		return "EXPLICIT_CLOSE"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Sender delivers one event to a connection's transport. A send error
// is isolated to that peer; it never aborts delivery to others.
type Sender interface {
	Send(event Event) error
}

// Handle is the hub's per-connection state
type Handle struct {
	InstanceID  string
	TenantID    string
	ConnectedAt time.Time

	mu              sync.RWMutex
	lastHeartbeatAt time.Time
	state           ConnState
	sender          Sender
}

// State returns the connection's current lifecycle state
func (h *Handle) State() ConnState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) setState(s ConnState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// leave moves a live handle into the given intermediate state. Reports
// whether this call performed the transition; a handle already on the
// terminal path is left alone.
func (h *Handle) leave(via ConnState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive && h.state != StateConnecting {
		return false
	}
	h.state = via
	return true
}

// touch refreshes liveness while the connection is active
func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return
	}
	h.lastHeartbeatAt = now
}

func (h *Handle) staleSince(now time.Time, timeout time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == StateActive && now.Sub(h.lastHeartbeatAt) > timeout
}

// SnapshotFunc computes a tenant's current aggregate state for a
// SYNC_RESPONSE; wired to the graph store by the engine
type SnapshotFunc func(tenantID string) (map[string]interface{}, error)

// Token identifies a subscription for later removal
type Token int

// Hub is the per-process connection registry. Constructed once at
// startup and passed into every handler; there is no ambient global.
type Hub struct {
	mu       sync.RWMutex
	registry map[string]map[string]*Handle // tenant -> instance -> handle

	subsMu    sync.RWMutex
	subs      map[EventKind]map[Token]func(Event)
	nextToken Token

	snapshotFn        SnapshotFunc
	heartbeatInterval time.Duration
	timeout           time.Duration

	log  *logger.Logger
	stop chan struct{}
	once sync.Once
}

// Options configures hub timing
type Options struct {
	HeartbeatInterval time.Duration
	TimeoutMultiple   int
}

// New creates a hub. snapshotFn may be nil if sync snapshots are not served.
func New(opts Options, snapshotFn SnapshotFunc, log *logger.Logger) *Hub {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	multiple := opts.TimeoutMultiple
	if multiple < 2 {
		multiple = 3
	}

	return &Hub{
		registry:          make(map[string]map[string]*Handle),
		subs:              make(map[EventKind]map[Token]func(Event)),
		snapshotFn:        snapshotFn,
		heartbeatInterval: interval,
		timeout:           time.Duration(multiple) * interval,
		log:               log.With("component", "SyncHub"),
		stop:              make(chan struct{}),
	}
}

// Register adds a connection to the tenant's registry and announces it
// to the tenant's other connections
func (h *Hub) Register(tenantID, instanceID string, sender Sender) (*Handle, error) {
	if tenantID == "" || instanceID == "" {
		return nil, fmt.Errorf("tenant id and instance id are required")
	}

	now := time.Now()
	handle := &Handle{
		InstanceID:      instanceID,
		TenantID:        tenantID,
		ConnectedAt:     now,
		lastHeartbeatAt: now,
		state:           StateConnecting,
		sender:          sender,
	}

	h.mu.Lock()
	conns, ok := h.registry[tenantID]
	if !ok {
		conns = make(map[string]*Handle)
		h.registry[tenantID] = conns
	}
	if existing, dup := conns[instanceID]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("instance %q already registered for tenant %q since %s",
			instanceID, tenantID, existing.ConnectedAt.Format(time.RFC3339))
	}
	conns[instanceID] = handle
	handle.setState(StateActive)
	h.mu.Unlock()

	h.log.Debug("connection registered", "tenant", tenantID, "instance", instanceID)
	h.Broadcast(NewEvent(EventInstanceJoined, tenantID, instanceID, map[string]interface{}{
		"instance_id": instanceID,
	}))
	return handle, nil
}

// Unregister removes a connection after an explicit disconnect and
// announces the departure to remaining peers
func (h *Hub) Unregister(handle *Handle) {
	if h.remove(handle, StateExplicitClose) {
		h.Broadcast(NewEvent(EventInstanceLeft, handle.TenantID, handle.InstanceID, map[string]interface{}{
			"instance_id": handle.InstanceID,
			"reason":      "disconnect",
		}))
		h.terminate(handle)
	}
}

// remove takes a handle out of the registry, entering the given
// intermediate state. Returns false if the handle was already on the
// terminal path.
func (h *Hub) remove(handle *Handle, via ConnState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !handle.leave(via) {
		return false
	}

	if conns, ok := h.registry[handle.TenantID]; ok {
		delete(conns, handle.InstanceID)
		if len(conns) == 0 {
			delete(h.registry, handle.TenantID)
		}
	}
	return true
}

// terminate finishes the lifecycle; terminal states are not re-enterable
func (h *Hub) terminate(handle *Handle) {
	handle.setState(StateTerminated)
}

// Broadcast delivers an event to every active connection in the
// tenant except the origin instance, and invokes matching subscribers.
// A failed delivery to one peer is logged and skipped; it does not
// abort delivery to others and does not unregister the peer.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	conns := h.registry[event.TenantID]
	targets := make([]*Handle, 0, len(conns))
	for _, handle := range conns {
		if handle.InstanceID == event.OriginInstanceID {
			continue
		}
		if handle.State() != StateActive {
			continue
		}
		targets = append(targets, handle)
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		if err := handle.sender.Send(event); err != nil {
			h.log.Warn("event delivery failed, skipping peer",
				"tenant", event.TenantID, "instance", handle.InstanceID,
				"kind", event.Kind, "error", err)
		}
	}

	h.notifySubscribers(event)
}

// Heartbeat records liveness for a connection. Called whenever the
// connection shows activity, not only on explicit heartbeats.
func (h *Hub) Heartbeat(handle *Handle) {
	handle.touch(time.Now())
}

// SyncRequest serves a tenant snapshot to the requesting connection
// only; it is never fanned out
func (h *Hub) SyncRequest(handle *Handle) error {
	if h.snapshotFn == nil {
		return fmt.Errorf("sync snapshots not configured")
	}

	snapshot, err := h.snapshotFn(handle.TenantID)
	if err != nil {
		return fmt.Errorf("failed to compute snapshot: %w", err)
	}

	event := NewEvent(EventSyncResponse, handle.TenantID, handle.InstanceID, snapshot)
	if err := handle.sender.Send(event); err != nil {
		return fmt.Errorf("failed to deliver snapshot: %w", err)
	}
	return nil
}

// Subscribe registers an in-process handler for an event kind. Handlers
// run synchronously during fan-out; a panicking handler is isolated so
// it cannot abort delivery to connections or other handlers.
func (h *Hub) Subscribe(kind EventKind, handler func(Event)) Token {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	h.nextToken++
	token := h.nextToken
	handlers, ok := h.subs[kind]
	if !ok {
		handlers = make(map[Token]func(Event))
		h.subs[kind] = handlers
	}
	handlers[token] = handler
	return token
}

// Unsubscribe removes a handler by its token
func (h *Hub) Unsubscribe(token Token) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	for kind, handlers := range h.subs {
		if _, ok := handlers[token]; ok {
			delete(handlers, token)
			if len(handlers) == 0 {
				delete(h.subs, kind)
			}
			return
		}
	}
}

func (h *Hub) notifySubscribers(event Event) {
	h.subsMu.RLock()
	handlers := make([]func(Event), 0, len(h.subs[event.Kind]))
	for _, fn := range h.subs[event.Kind] {
		handlers = append(handlers, fn)
	}
	h.subsMu.RUnlock()

	for _, fn := range handlers {
		h.invokeSubscriber(fn, event)
	}
}

func (h *Hub) invokeSubscriber(fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("subscriber panicked, isolated", "kind", event.Kind, "panic", r)
		}
	}()
	fn(event)
}

// Connections returns the instance ids registered for a tenant
func (h *Hub) Connections(tenantID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.registry[tenantID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the heartbeat sweeper, which probes every connection
// on the heartbeat interval and expires those silent past the timeout
// window
func (h *Hub) Start() {
	go func() {
		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.probe()
				h.expireStale(time.Now())
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop halts the heartbeat sweeper
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// probe sends a HEARTBEAT event to every active connection. Send
// failures are logged only; timeout detection handles dead peers.
func (h *Hub) probe() {
	h.mu.RLock()
	targets := make([]*Handle, 0)
	for _, conns := range h.registry {
		for _, handle := range conns {
			if handle.State() == StateActive {
				targets = append(targets, handle)
			}
		}
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		event := NewEvent(EventHeartbeat, handle.TenantID, "", nil)
		if err := handle.sender.Send(event); err != nil {
			h.log.Debug("heartbeat probe failed", "tenant", handle.TenantID, "instance", handle.InstanceID, "error", err)
		}
	}
}

// expireStale transitions connections silent past the timeout window to
// HEARTBEAT_TIMEOUT, removes them from the registry and announces the
// departure to remaining peers
func (h *Hub) expireStale(now time.Time) {
	h.mu.RLock()
	stale := make([]*Handle, 0)
	for _, conns := range h.registry {
		for _, handle := range conns {
			if handle.staleSince(now, h.timeout) {
				stale = append(stale, handle)
			}
		}
	}
	h.mu.RUnlock()

	for _, handle := range stale {
		if h.remove(handle, StateHeartbeatTimeout) {
			h.log.Info("connection heartbeat timeout",
				"tenant", handle.TenantID, "instance", handle.InstanceID)
			h.Broadcast(NewEvent(EventInstanceLeft, handle.TenantID, handle.InstanceID, map[string]interface{}{
				"instance_id": handle.InstanceID,
				"reason":      "heartbeat_timeout",
			}))
			h.terminate(handle)
		}
	}
}
