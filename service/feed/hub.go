package feed

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	userID uint
	conn   *websocket.Conn
	send   chan []byte
}

// Hub pushes newly ingested signal records to the owning account's open
// dashboard connections. Accounts with no connection just miss the push and
// see the record on the next trade-log fetch.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint][]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uint][]*client)}
}

func (h *Hub) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/signals", h.ServeWS)
}

// PublishSignal implements signals.Publisher.
func (h *Hub) PublishSignal(record *models.SignalRecord) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":   "signal",
		"signal": record,
	})
	if err != nil {
		return
	}

	// Sends happen under the read lock so they cannot race unregister,
	// which closes the send channel under the write lock.
	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients[record.UserID] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Slow consumers get dropped.
	for _, c := range slow {
		h.unregister(c)
	}
}

// ServeWS upgrades the connection. Browsers cannot set headers on websocket
// dials, so the access token travels in the token query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		http.Error(w, "token query parameter required", http.StatusUnauthorized)
		return
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(os.Getenv("SECRET_KEY")), nil
	})
	if err != nil || !token.Valid {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		http.Error(w, "Invalid user ID in token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		userID: uint(userID),
		conn:   conn,
		send:   make(chan []byte, 16),
	}

	h.mu.Lock()
	h.clients[c.userID] = append(h.clients[c.userID], c)
	h.mu.Unlock()

	go c.writeLoop()
	go c.readLoop(h)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.clients[c.userID]
	for i, existing := range conns {
		if existing == c {
			h.clients[c.userID] = append(conns[:i], conns[i+1:]...)
			close(c.send)
			break
		}
	}
	if len(h.clients[c.userID]) == 0 {
		delete(h.clients, c.userID)
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readLoop drains client frames so pings are answered and closes are seen.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
