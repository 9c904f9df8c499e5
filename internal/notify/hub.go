package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"moldflow/backend/internal/logging"
	"moldflow/backend/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

type client struct {
	actor models.Actor
	send  chan *models.Notification
}

// Hub streams new notifications to connected websocket clients. A client
// whose buffer is full misses messages instead of blocking dispatch; the
// persisted feed stays authoritative.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Publish offers each notification to the clients it is addressed to.
func (h *Hub) Publish(ns []*models.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		for _, n := range ns {
			if !addressedTo(n, c.actor) {
				continue
			}
			select {
			case c.send <- n:
			default:
				h.logger.Warn("Dropping notification for slow client", "actor", c.actor.ID, "notification_id", n.ID)
			}
		}
	}
}

func addressedTo(n *models.Notification, actor models.Actor) bool {
	if n.RecipientID != "" {
		return n.RecipientID == actor.ID
	}
	if n.RecipientRole == "" || n.RecipientRole != actor.Role {
		return false
	}
	return n.CompanyID == "" || n.CompanyID == actor.CompanyID
}

// ServeWS upgrades the request and streams the actor's notifications until
// the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &client{actor: actor, send: make(chan *models.Notification, sendBuffer)}
	h.register(c)
	defer h.unregister(c)
	h.logger.Debug("Notification stream opened", "actor", actor.ID, "role", actor.Role)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case n := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-done:
			h.logger.Debug("Notification stream closed", "actor", actor.ID)
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}
