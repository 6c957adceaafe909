package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/proxy"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// WebSocket message types.
const (
	MsgSnapshot           = "snapshot"
	MsgRequestCreated     = "request_created"
	MsgRequestResolved    = "request_resolved"
	MsgClientConnected    = "client_connected"
	MsgClientDisconnected = "client_disconnected"
	MsgUpstreamChanged    = "upstream_changed"
)

// WSMessage represents a message sent over the WebSocket.
type WSMessage struct {
	Type string `json:"type"`

	// For snapshot - no omitempty to ensure arrays are always present in JSON
	Requests []PendingRequest   `json:"requests"`
	Clients  []proxy.ClientInfo `json:"clients"`

	// For request_created
	Request *PendingRequest `json:"request,omitempty"`

	// For request_resolved: approved, denied, expired or failed.
	ID     string `json:"id,omitempty"`
	Result string `json:"result,omitempty"`

	// For client_connected/client_disconnected
	Client *proxy.ClientInfo `json:"client,omitempty"`

	// For upstream_changed
	UpstreamAvailable *bool `json:"upstream_available,omitempty"`
}

// WSHandler streams approval and client events to WebSocket subscribers.
type WSHandler struct {
	manager *approval.Manager
	clients ClientProvider
	auth    *Auth

	connsMu sync.RWMutex
	conns   map[*wsConnection]struct{}
}

// NewWSHandler creates a new WebSocket handler. clients may be nil.
func NewWSHandler(manager *approval.Manager, clients ClientProvider, auth *Auth) *WSHandler {
	return &WSHandler{
		manager: manager,
		clients: clients,
		auth:    auth,
		conns:   make(map[*wsConnection]struct{}),
	}
}

// wsConnection represents a single WebSocket connection.
type wsConnection struct {
	handler   *WSHandler
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// HandleWS handles WebSocket upgrade requests.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Authorized(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)

	// The connection outlives the HTTP request.
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()

	h.manager.Subscribe(wsc)

	if err := wsc.sendSnapshot(); err != nil {
		slog.Error("Failed to send snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// OnEvent implements approval.Observer.
func (wsc *wsConnection) OnEvent(event approval.Event) {
	var msg WSMessage

	switch event.Type {
	case approval.EventRequestCreated:
		req := convertRequest(event.Request)
		msg = WSMessage{Type: MsgRequestCreated, Request: &req}
	case approval.EventRequestApproved:
		msg = WSMessage{Type: MsgRequestResolved, ID: event.Request.ID, Result: string(approval.ResolutionApproved)}
	case approval.EventRequestDenied:
		msg = WSMessage{Type: MsgRequestResolved, ID: event.Request.ID, Result: string(approval.ResolutionDenied)}
	case approval.EventRequestExpired:
		msg = WSMessage{Type: MsgRequestResolved, ID: event.Request.ID, Result: string(approval.ResolutionExpired)}
	case approval.EventRequestFailed:
		msg = WSMessage{Type: MsgRequestResolved, ID: event.Request.ID, Result: string(approval.ResolutionFailed)}
	default:
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal WebSocket message", "error", err)
		return
	}

	// Drop the message rather than block the manager on a slow client.
	select {
	case wsc.send <- data:
	default:
		slog.Warn("WebSocket send buffer full, dropping message")
	}
}

// sendSnapshot sends the current state to the client.
func (wsc *wsConnection) sendSnapshot() error {
	h := wsc.handler

	pending := h.manager.List()
	requests := make([]PendingRequest, len(pending))
	for i, req := range pending {
		requests[i] = convertRequest(req)
	}

	clients := []proxy.ClientInfo{}
	if h.clients != nil {
		clients = h.clients.Clients()
	}

	data, err := json.Marshal(WSMessage{
		Type:     MsgSnapshot,
		Requests: requests,
		Clients:  clients,
	})
	if err != nil {
		return err
	}

	// The snapshot goes out before writePump starts.
	ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case message := <-wsc.send:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump only detects the peer closing; client messages are ignored.
func (wsc *wsConnection) readPump() {
	defer wsc.close()

	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

func (wsc *wsConnection) close() {
	wsc.closeOnce.Do(func() {
		wsc.cancel()
		wsc.handler.manager.Unsubscribe(wsc)

		wsc.handler.connsMu.Lock()
		delete(wsc.handler.conns, wsc)
		wsc.handler.connsMu.Unlock()

		wsc.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// CloseAll disconnects every subscriber.
func (h *WSHandler) CloseAll() {
	h.connsMu.RLock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for wsc := range h.conns {
		conns = append(conns, wsc)
	}
	h.connsMu.RUnlock()

	for _, wsc := range conns {
		wsc.close()
	}
}

// OnClientConnected implements proxy.ClientObserver.
func (h *WSHandler) OnClientConnected(client proxy.ClientInfo) {
	h.broadcast(WSMessage{Type: MsgClientConnected, Client: &client})
}

// OnClientDisconnected implements proxy.ClientObserver.
func (h *WSHandler) OnClientDisconnected(client proxy.ClientInfo) {
	h.broadcast(WSMessage{Type: MsgClientDisconnected, Client: &client})
}

// BroadcastUpstream announces a change in upstream agent availability.
func (h *WSHandler) BroadcastUpstream(available bool) {
	h.broadcast(WSMessage{Type: MsgUpstreamChanged, UpstreamAvailable: &available})
}

// broadcast sends a message to all connected clients.
func (h *WSHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	h.connsMu.RLock()
	defer h.connsMu.RUnlock()

	for wsc := range h.conns {
		select {
		case wsc.send <- data:
		default:
			// Drop if buffer full
		}
	}
}
