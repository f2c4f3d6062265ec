package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// nodeHub fans out active-node-count updates to every connected websocket
// client. New as of SPEC_FULL.md §6 (C7 expansion) — the teacher has no
// equivalent, so this is built directly from gorilla/websocket's documented
// chat-room broadcast pattern rather than adapted from a teacher file.
type nodeHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newNodeHub(logger *zap.Logger) *nodeHub {
	return &nodeHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

type nodeUpdate struct {
	ActiveNodes int       `json:"active_nodes"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("api: websocket upgrade failed", zap.Error(err))
		return
	}

	s.hub.mu.Lock()
	s.hub.clients[conn] = struct{}{}
	s.hub.mu.Unlock()

	// Send the current count immediately so a client that connects between
	// ticks isn't left blank until the next discovery tick broadcasts.
	_, active := s.cache.Stats()
	_ = conn.WriteJSON(nodeUpdate{ActiveNodes: active, Timestamp: time.Now()})

	go s.hub.readUntilClosed(conn)
}

// readUntilClosed drains and discards client frames purely to detect
// disconnects (gorilla/websocket requires reads to notice a closed
// connection); this feed is server-push only.
func (h *nodeHub) readUntilClosed(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *nodeHub) broadcast(active int) {
	update := nodeUpdate{ActiveNodes: active, Timestamp: time.Now()}
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug("api: websocket write failed, dropping client", zap.Error(err))
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}
