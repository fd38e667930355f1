package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broadcaster fans messages out to connected UI clients. Registration,
// removal and delivery all happen on the Run goroutine; each client has
// its own write pump so one slow client cannot stall the others.
type Broadcaster struct {
	cfg      BroadcasterConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	snapshotMu sync.RWMutex
	snapshot   func() WSMessage
}

type wsClient struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	send        chan []byte
}

// BroadcasterConfig tunes keepalive and buffering.
type BroadcasterConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// MaxMessageSize bounds what a client may send; clients only send
	// control frames.
	MaxMessageSize int64

	BroadcastBufferSize  int
	ClientSendBufferSize int

	Logger *zap.Logger
}

// DefaultBroadcasterConfig returns the production settings.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		MaxMessageSize:       512,
		BroadcastBufferSize:  256,
		ClientSendBufferSize: 256,
	}
}

// NewBroadcaster creates a broadcaster. Run must be running for
// connections to be accepted.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	def := DefaultBroadcasterConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.BroadcastBufferSize <= 0 {
		cfg.BroadcastBufferSize = def.BroadcastBufferSize
	}
	if cfg.ClientSendBufferSize <= 0 {
		cfg.ClientSendBufferSize = def.ClientSendBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		cfg:        cfg,
		logger:     logger.Named("ws"),
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, cfg.BroadcastBufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the local API binds to loopback by default
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetSnapshot sets the message each client receives before any broadcast.
func (b *Broadcaster) SetSnapshot(fn func() WSMessage) {
	b.snapshotMu.Lock()
	b.snapshot = fn
	b.snapshotMu.Unlock()
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (b *Broadcaster) Run(ctx context.Context) {
	ping := time.NewTicker(b.cfg.PingInterval)
	defer ping.Stop()
	defer close(b.done)

	b.logger.Debug("Broadcaster started")
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			b.logger.Debug("Broadcaster stopped")
			return
		case c := <-b.register:
			b.addClient(c)
		case c := <-b.unregister:
			b.removeClient(c)
		case data := <-b.broadcast:
			b.deliver(data)
		case <-ping.C:
			b.pingAll()
		}
	}
}

// HandleConnection upgrades the request and registers the client.
func (b *Broadcaster) HandleConnection(w http.ResponseWriter, r *http.Request) {
	select {
	case <-b.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(b.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	})

	c := &wsClient{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  getClientIP(r),
		connectedAt: time.Now(),
		send:        make(chan []byte, b.cfg.ClientSendBufferSize),
	}
	select {
	case b.register <- c:
	case <-b.done:
		conn.Close()
		return
	}
	go b.readPump(c)
}

// Broadcast queues msg for every client. It never blocks; when the queue
// is full the message is dropped.
func (b *Broadcaster) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("Dropping unencodable message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case <-b.done:
	case b.broadcast <- data:
	default:
		b.logger.Warn("Broadcast queue full, dropping message", zap.String("type", msg.Type))
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) addClient(c *wsClient) {
	b.snapshotMu.RLock()
	snapshot := b.snapshot
	b.snapshotMu.RUnlock()
	if snapshot != nil {
		if data, err := json.Marshal(snapshot()); err == nil {
			c.send <- data
		} else {
			b.logger.Warn("Could not encode initial state", zap.Error(err))
		}
	}

	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.clientsMu.Unlock()

	go b.writePump(c)
	b.logger.Info("UI client connected",
		zap.String("client_id", c.id),
		zap.String("remote", c.remoteAddr),
		zap.Int("clients", n),
	)
}

// removeClient closes the client's queue; the write pump then sends a
// close frame and closes the connection.
func (b *Broadcaster) removeClient(c *wsClient) {
	b.clientsMu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
	}
	n := len(b.clients)
	b.clientsMu.Unlock()
	if !ok {
		return
	}
	close(c.send)
	b.logger.Info("UI client disconnected",
		zap.String("client_id", c.id),
		zap.Duration("connected_for", time.Since(c.connectedAt)),
		zap.Int("clients", n),
	)
}

func (b *Broadcaster) deliver(data []byte) {
	b.clientsMu.RLock()
	var slow []*wsClient
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.clientsMu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("UI client too slow, disconnecting", zap.String("client_id", c.id))
		b.removeClient(c)
	}
}

func (b *Broadcaster) pingAll() {
	b.clientsMu.RLock()
	var dead []*wsClient
	deadline := time.Now().Add(b.cfg.WriteWait)
	for c := range b.clients {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			dead = append(dead, c)
		}
	}
	b.clientsMu.RUnlock()

	for _, c := range dead {
		b.removeClient(c)
	}
}

func (b *Broadcaster) closeAll() {
	b.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clientsMu.Unlock()
	for _, c := range clients {
		b.removeClient(c)
	}
}

// readPump discards client frames; it exists to process pongs and notice
// disconnects.
func (b *Broadcaster) readPump(c *wsClient) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.done:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("UI client read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (b *Broadcaster) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Debug("UI client write failed", zap.String("client_id", c.id), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
