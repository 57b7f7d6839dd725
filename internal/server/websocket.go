package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-micgrid/internal/locate"
	"github.com/teslashibe/go-micgrid/internal/protocol"
)

// wsClient serializes writes to one connection
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub manages WebSocket connections. Peaks are pushed as they are
// confirmed; readings are broadcast at a fixed rate.
type WSHub struct {
	session  *locate.Session
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(session *locate.Session, interval time.Duration, logger *slog.Logger) *WSHub {
	return &WSHub{
		session:  session,
		interval: interval,
		logger:   logger,
		clients:  make(map[*websocket.Conn]*wsClient),
		done:     make(chan struct{}),
	}
}

// Run starts the broadcast loop
func (h *WSHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.lifeMu.Lock()
	h.cancel = cancel
	h.lifeMu.Unlock()
	defer close(h.done)

	reports := h.session.Subscribe()
	defer h.session.Unsubscribe(reports)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("websocket hub started", "readings_interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return

		case report, ok := <-reports:
			if !ok {
				h.logger.Info("session closed, websocket hub stopping")
				return
			}
			h.broadcast(protocol.TypePeak, report)

		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.broadcast(protocol.TypeReadings, h.session.Readings())
		}
	}
}

func (h *WSHub) broadcast(msgType protocol.MessageType, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if err := client.write(data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the peak stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &wsClient{conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}

		h.handleCommand(client, msg)
	}
}

func (h *WSHub) handleCommand(client *wsClient, data []byte) {
	cmd, err := protocol.ParseMessage(data)
	if err != nil {
		return
	}

	var reply *protocol.Message
	switch cmd.Type {
	case protocol.TypePing:
		reply = protocol.NewPongMessage()
	case protocol.TypeGetStats:
		reply, err = protocol.NewMessage(protocol.TypeStats, h.session.Stats())
		if err != nil {
			return
		}
	default:
		return
	}

	out, err := reply.Bytes()
	if err != nil {
		return
	}
	if err := client.write(out); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.lifeMu.Lock()
	cancel := h.cancel
	h.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
}
