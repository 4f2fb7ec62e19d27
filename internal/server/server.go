// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package server exposes the sync hub over websocket. Each connection
// represents one peer instance; frames on the wire are the hub's JSON
// event envelope.
package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/engramd/engram/internal/database"
	"github.com/engramd/engram/internal/hub"
	"github.com/engramd/engram/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBufferSize = 32
)

// syncHub is the slice of the hub the server drives
type syncHub interface {
	Register(tenantID, instanceID string, sender hub.Sender) (*hub.Handle, error)
	Unregister(handle *hub.Handle)
	Heartbeat(handle *hub.Handle)
	SyncRequest(handle *hub.Handle) error
	Broadcast(event hub.Event)
}

// Server upgrades HTTP requests to websocket connections and registers
// them with the sync hub.
type Server struct {
	hub      syncHub
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New builds a websocket server bound to a hub.
func New(h *hub.Hub, log *logger.Logger) *Server {
	return &Server{
		hub: h,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Routes returns the HTTP mux for the sync endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.log.Debug("Failed to write health response", "error", err)
		}
	})
	return mux
}

// handleWS joins a peer instance to its tenant's broadcast group. The
// connection stays registered until the peer disconnects or the hub's
// heartbeat sweeper expires it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if !database.IsValidTenantID(tenantID) {
		http.Error(w, "invalid or missing tenant", http.StatusBadRequest)
		return
	}
	instanceID := r.URL.Query().Get("instance")
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "tenant", tenantID, "error", err)
		return
	}

	sender := newWSSender(conn)
	handle, err := s.hub.Register(tenantID, instanceID, sender)
	if err != nil {
		s.log.Warn("Registration rejected", "tenant", tenantID, "instance", instanceID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil {
			s.log.Debug("Failed to write close message", "error", werr)
		}
		conn.Close()
		return
	}
	s.log.Info("Instance connected", "tenant", tenantID, "instance", instanceID)

	go sender.writePump(s.log)
	s.readPump(conn, handle, sender)
}

// readPump consumes frames until the connection dies. Runs on the
// handler goroutine so the HTTP request stays open for the connection's
// lifetime.
func (s *Server) readPump(conn *websocket.Conn, handle *hub.Handle, sender *wsSender) {
	defer func() {
		s.hub.Unregister(handle)
		sender.close()
		conn.Close()
		s.log.Info("Instance disconnected", "tenant", handle.TenantID, "instance", handle.InstanceID)
	}()

	conn.SetReadLimit(maxMessageSize)

	for {
		var event hub.Event
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("Read failed", "instance", handle.InstanceID, "error", err)
			}
			return
		}
		s.handleFrame(handle, sender, event)
	}
}

// handleFrame dispatches one inbound frame. Any well-formed frame
// counts as liveness; a peer busy relaying events must not time out
// for skipping explicit heartbeats.
func (s *Server) handleFrame(handle *hub.Handle, sender *wsSender, event hub.Event) {
	s.hub.Heartbeat(handle)

	switch event.Kind {
	case hub.EventHeartbeat:
	case hub.EventSyncRequest:
		if err := s.hub.SyncRequest(handle); err != nil {
			s.sendError(sender, handle, err.Error())
		}
	default:
		if !hub.IsValidEventKind(event.Kind) {
			s.sendError(sender, handle, "unknown event kind")
			return
		}
		// Peer-originated events relay to the tenant's other
		// connections. Identity fields come from the registered
		// handle, never from the frame, so a peer cannot spoof
		// another tenant or instance.
		event.TenantID = handle.TenantID
		event.OriginInstanceID = handle.InstanceID
		s.hub.Broadcast(event)
	}
}

func (s *Server) sendError(sender *wsSender, handle *hub.Handle, message string) {
	event := hub.NewEvent(hub.EventError, handle.TenantID, "", map[string]interface{}{
		"message": message,
	})
	if err := sender.Send(event); err != nil {
		s.log.Debug("Failed to deliver error event", "instance", handle.InstanceID, "error", err)
	}
}

// wsSender adapts a websocket connection to the hub's Sender interface.
// Sends are buffered through a channel so a slow peer blocks only its
// own write pump, never the hub's broadcast path.
type wsSender struct {
	conn   *websocket.Conn
	events chan hub.Event
	done   chan struct{}
	once   sync.Once
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{
		conn:   conn,
		events: make(chan hub.Event, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// Send queues an event for delivery. A full buffer is reported as a
// failure so the hub treats the peer as unhealthy instead of blocking.
func (w *wsSender) Send(event hub.Event) error {
	select {
	case <-w.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case w.events <- event:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (w *wsSender) close() {
	w.once.Do(func() { close(w.done) })
}

func (w *wsSender) writePump(log *logger.Logger) {
	for {
		select {
		case event := <-w.events:
			if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := w.conn.WriteJSON(event); err != nil {
				log.Debug("Write failed", "error", err)
				return
			}
		case <-w.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				log.Debug("Failed to write close frame", "error", err)
			}
			return
		}
	}
}
