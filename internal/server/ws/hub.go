// Package ws exposes the relay's duplex event channel over websockets: one
// read goroutine and one buffered write goroutine per connection, with all
// presence transitions routed through the injected registry.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ndvanh/vaultchat/internal/presence"
	"github.com/ndvanh/vaultchat/internal/repository"
	"github.com/ndvanh/vaultchat/internal/router"
	"github.com/ndvanh/vaultchat/internal/wire"
)

const (
	// outboundBuffer bounds per-connection queued events. A consumer that
	// cannot drain a full buffer is dropped rather than stalling the hub.
	outboundBuffer = 64

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// TokenVerifier validates a bearer token and returns the authenticated
// principal. The hub treats the result as an already-validated identity.
type TokenVerifier interface {
	VerifyToken(token string) (username string, err error)
}

// conn is one live websocket connection.
type conn struct {
	id       string
	username string // set on join
	ws       *websocket.Conn
	out      chan wire.Frame
	closed   chan struct{}
	once     sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Hub owns connection lifecycle and event dispatch. It implements
// router.Sender.
type Hub struct {
	reg   *presence.Registry
	users repository.UserRepository
	auth  TokenVerifier
	log   *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*conn
	router *router.Router

	upgrader websocket.Upgrader
}

// NewHub constructs a hub over the given registry and user repository.
func NewHub(reg *presence.Registry, users repository.UserRepository, auth TokenVerifier, log *zap.Logger) *Hub {
	return &Hub{
		reg:   reg,
		users: users,
		auth:  auth,
		log:   log,
		conns: make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Attach wires the message router. Must be called before ServeHTTP.
func (h *Hub) Attach(r *router.Router) { h.router = r }

// ServeHTTP upgrades an authenticated request and runs the connection until
// it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade", zap.Error(err))
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		_ = socket.Close()
		return
	}
	c := &conn{
		id:       id.String(),
		username: username,
		ws:       socket,
		out:      make(chan wire.Frame, outboundBuffer),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	connectionsActive.Inc()

	h.log.Info("connected", zap.String("conn", c.id), zap.String("user", username))

	go h.writePump(c)
	h.readLoop(r.Context(), c)
	h.drop(c)
}

// authenticate resolves the bearer token from the Authorization header or the
// token query parameter.
func (h *Hub) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if v := strings.TrimSpace(r.Header.Get("Authorization")); len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		token = strings.TrimSpace(v[7:])
	}
	return h.auth.VerifyToken(token)
}

// Send queues an event for one connection. Reports false when the connection
// is gone or its buffer is full (in which case the connection is dropped; a
// consumer that stalls the hub loses its session, not the hub its liveness).
func (h *Hub) Send(connID, event string, payload any) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	frame, err := wire.NewFrame(event, payload)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	select {
	case c.out <- frame:
		return true
	case <-c.closed:
		return false
	default:
		h.log.Warn("outbound buffer full, dropping connection",
			zap.String("conn", connID), zap.String("user", c.username))
		c.close()
		return false
	}
}

// broadcastRoster pushes a users snapshot to every live connection.
func (h *Hub) broadcastRoster(roster []presence.RosterEntry) {
	entries := make([]wire.RosterEntry, 0, len(roster))
	for _, e := range roster {
		entries = append(entries, wire.RosterEntry{Username: e.Username, PublicKey: e.PublicKey})
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Send(id, wire.EvUsers, entries)
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("read", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.log.Warn("bad frame", zap.String("conn", c.id), zap.Error(err))
			continue
		}
		h.dispatch(ctx, c, frame)
	}
}

// dispatch handles one inbound command. It runs on the connection's read
// goroutine; repository calls may block here without stalling any other
// connection.
func (h *Hub) dispatch(ctx context.Context, c *conn, frame wire.Frame) {
	switch frame.Event {
	case wire.EvJoin:
		var p wire.Join
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		h.handleJoin(ctx, c, p)

	case wire.EvDM:
		var p wire.DM
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		h.router.HandleSend(ctx, c.id, p)

	case wire.EvTyping, wire.EvStopTyping:
		var p wire.Typing
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		h.router.HandleTyping(frame.Event, p)

	case wire.EvGetHistory:
		var p wire.GetHistory
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		h.router.HandleHistory(ctx, c.id, p)

	case wire.EvGetContacts:
		var p wire.GetContacts
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		h.router.HandleContacts(ctx, c.id, p)

	case wire.EvAddContact:
		var p wire.AddContact
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		h.router.HandleAddContact(ctx, c.id, p)

	default:
		h.log.Debug("unknown event", zap.String("event", frame.Event), zap.String("conn", c.id))
	}
}

// handleJoin announces the identity: presence upsert (last join wins),
// durable key record, roster broadcast, then offline-queue flush.
func (h *Hub) handleJoin(ctx context.Context, c *conn, p wire.Join) {
	username := strings.ToLower(strings.TrimSpace(p.Username))
	if username == "" || len(p.PublicKey) == 0 {
		return
	}
	if username != c.username {
		h.log.Warn("join identity mismatch",
			zap.String("conn", c.id), zap.String("token", c.username), zap.String("join", username))
		c.close()
		return
	}

	evicted, roster := h.reg.Join(username, p.PublicKey, c.id)
	if evicted != "" {
		// Single-active-session policy: the prior connection keeps its
		// socket but no longer receives anything addressed to this identity.
		h.log.Info("session replaced", zap.String("user", username), zap.String("evicted", evicted))
	}

	if err := h.users.RecordJoin(ctx, username, p.PublicKey, time.Now()); err != nil {
		h.log.Error("record join", zap.String("user", username), zap.Error(err))
	}

	h.log.Info("joined", zap.String("user", username), zap.String("conn", c.id))
	h.broadcastRoster(roster)
	h.router.FlushPending(ctx, username, c.id)
}

// drop tears a connection down: presence removal via the reverse index,
// offline stamp, roster broadcast.
func (h *Hub) drop(c *conn) {
	c.close()
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	connectionsActive.Dec()

	username, removed, roster := h.reg.Leave(c.id)
	if !removed {
		return
	}
	if err := h.users.RecordLeave(context.Background(), username, time.Now()); err != nil {
		h.log.Error("record leave", zap.String("user", username), zap.Error(err))
	}
	h.log.Info("left", zap.String("user", username), zap.String("conn", c.id))
	h.broadcastRoster(roster)
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
