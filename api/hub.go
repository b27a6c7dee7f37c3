package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/airchains-network/donation-anchor/batch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// subscriber is one connected event feed
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans batch events out to websocket subscribers. It implements
// batch.Notifier.
type Hub struct {
	clients    map[*subscriber]bool
	broadcast  chan []byte
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	log        *logrus.Logger
}

// NewHub creates a hub; call Run before serving connections
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*subscriber]bool),
		broadcast:  make(chan []byte, 100),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run owns the subscriber set until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.log.Infof("Event subscriber connected. Total subscribers: %d", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Infof("Event subscriber disconnected. Total subscribers: %d", len(h.clients))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow subscriber
					close(c.send)
					delete(h.clients, c)
				}
			}
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		}
	}
}

// Stop ends Run and disconnects every subscriber
func (h *Hub) Stop() {
	close(h.done)
}

// Notify queues ev for every subscriber, dropping it when the queue is full
func (h *Hub) Notify(ev batch.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorf("Failed to marshal %s event: %v", ev.Type, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warnf("Event queue full, dropping %s for batch %s", ev.Type, ev.BatchID)
	}
}

func (h *Hub) serve(c *gin.Context, upgrader websocket.Upgrader) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("Failed to upgrade connection to WebSocket: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump(h)
}

// readPump only handles control frames; the feed is one-way
func (s *subscriber) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Errorf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		// the feed sits behind the admin token
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}
