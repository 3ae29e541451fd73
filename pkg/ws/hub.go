package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connectioner is the write side of a websocket connection.
type Connectioner interface {
	SendMessage(message []byte) error
	Close() error
}

type HubOptions struct {
	Logger       *logrus.Logger
	CheckOrigin  func(r *http.Request) bool
	OnConnect    func(r *http.Request, hub *Hub, conn *Connection) error
	OnDisconnect func(conn *Connection)
}

type Connection struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	hub  *Hub
	dead bool
}

func (c *Connection) SendMessage(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil
	}
	c.dead = true
	return c.ws.Close()
}

type Hub struct {
	logger       *logrus.Logger
	upgrader     websocket.Upgrader
	onConnect    func(r *http.Request, hub *Hub, conn *Connection) error
	onDisconnect func(conn *Connection)

	mu       sync.RWMutex
	channels map[string]map[*Connection]struct{}
}

func NewHub(opts *HubOptions) *Hub {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		onConnect:    opts.OnConnect,
		onDisconnect: opts.OnDisconnect,
		channels:     make(map[string]map[*Connection]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.WithError(err).Warn("ws: failed to upgrade connection")
		}
		return
	}
	conn := &Connection{ws: ws, hub: h}
	if h.onConnect != nil {
		if err := h.onConnect(r, h, conn); err != nil {
			if h.logger != nil {
				h.logger.WithError(err).Warn("ws: connect hook rejected connection")
			}
			_ = conn.Close()
			return
		}
	}
	go h.readLoop(conn)
}

// readLoop drains incoming frames so close/ping frames are processed; the
// demo protocol is server push only.
func (h *Hub) readLoop(conn *Connection) {
	defer func() {
		h.drop(conn)
		if h.onDisconnect != nil {
			h.onDisconnect(conn)
		}
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) JoinChannel(channel string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Connection]struct{})
		h.channels[channel] = members
	}
	members[conn] = struct{}{}
}

func (h *Hub) LeaveChannel(channel string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, conn)
	}
}

// BroadcastToChannel sends message to every member of channel. Write
// failures drop the connection from all channels.
func (h *Hub) BroadcastToChannel(channel string, message []byte) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.channels[channel]))
	for conn := range h.channels[channel] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.SendMessage(message); err != nil {
			if h.logger != nil {
				h.logger.WithError(err).Debug("ws: dropping dead connection")
			}
			h.drop(conn)
			_ = conn.Close()
		}
	}
}

func (h *Hub) drop(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.channels {
		delete(members, conn)
	}
}
