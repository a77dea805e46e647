package services

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"botforge/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StatusMessage is one frame on the push channel.
type StatusMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	BotID     uint        `json:"bot_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusClient one connected observer, subscribed to a single bot.
type StatusClient struct {
	ID    string
	BotID uint
	Conn  *websocket.Conn
	Send  chan StatusMessage
	Hub   *StatusHub
}

// StatusHub pushes coarse status snapshots to observers whenever a bot's
// content changes phase, coalesced to at most one push per window per bot.
// Only the latest state is guaranteed to arrive; intermediate snapshots may
// be skipped, and snapshots for one bot are never delivered out of order.
type StatusHub struct {
	clients    map[string]*StatusClient
	broadcast  chan StatusMessage
	register   chan *StatusClient
	unregister chan *StatusClient
	mutex      sync.RWMutex

	window   time.Duration
	snapshot func(ctx context.Context, botID uint) (*StatusSnapshot, error)

	// pending marks bots with a scheduled flush; flushMu serializes flushes
	// so one bot's snapshots go out in order.
	pendingMu sync.Mutex
	pending   map[uint]bool
	flushMu   sync.Mutex

	logger *logrus.Logger
}

var statusUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

// NewStatusHub creates the hub. window bounds the push rate per bot under
// bursty pipelines; zero or negative falls back to one second.
func NewStatusHub(window time.Duration, logger *logrus.Logger) *StatusHub {
	if window <= 0 {
		window = time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &StatusHub{
		clients:    make(map[string]*StatusClient),
		broadcast:  make(chan StatusMessage, 64),
		register:   make(chan *StatusClient),
		unregister: make(chan *StatusClient),
		window:     window,
		pending:    make(map[uint]bool),
		logger:     logger,
	}
}

// SetSnapshotProvider wires the status service's poll form as the source of
// pushed snapshots.
func (h *StatusHub) SetSnapshotProvider(fn func(ctx context.Context, botID uint) (*StatusSnapshot, error)) {
	h.snapshot = fn
}

// Run processes register/unregister/broadcast events until the process ends.
func (h *StatusHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Status observer %s connected (bot=%d)", client.ID, client.BotID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("Status observer %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			// Write lock: a slow client gets removed here, and removal must
			// not interleave with readers of the client map.
			h.mutex.Lock()
			for _, client := range h.clients {
				if client.BotID != message.BotID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// NotifyChange schedules a push for the bot. Calls landing inside an already
// scheduled window are folded into the pending push.
func (h *StatusHub) NotifyChange(botID uint) {
	h.pendingMu.Lock()
	if h.pending[botID] {
		h.pendingMu.Unlock()
		metrics.IncSnapshotCoalesced()
		return
	}
	h.pending[botID] = true
	h.pendingMu.Unlock()

	time.AfterFunc(h.window, func() { h.flush(botID) })
}

func (h *StatusHub) flush(botID uint) {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	// Clear pending before building the snapshot: a change arriving while we
	// read gets its own later push rather than being lost.
	h.pendingMu.Lock()
	delete(h.pending, botID)
	h.pendingMu.Unlock()

	if h.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := h.snapshot(ctx, botID)
	if err != nil {
		h.logger.Warnf("Status push skipped for bot %d: %v", botID, err)
		return
	}

	h.broadcast <- StatusMessage{
		Type:      "status-snapshot",
		Data:      snap,
		BotID:     botID,
		Timestamp: time.Now(),
	}
	metrics.IncSnapshotPushed()
}

// ObserverCount returns the number of connected observers.
func (h *StatusHub) ObserverCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and subscribes it to ?bot_id=N.
func (h *StatusHub) HandleWebSocket(c *gin.Context) {
	botID, err := strconv.ParseUint(c.Query("bot_id"), 10, 32)
	if err != nil || botID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bot_id is required"})
		return
	}

	conn, err := statusUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &StatusClient{
		ID:    uuid.NewString(),
		BotID: uint(botID),
		Conn:  conn,
		Send:  make(chan StatusMessage, 64),
		Hub:   h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *StatusClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Observers only listen; the read loop exists to notice disconnects and
	// answer pings.
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *StatusClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
