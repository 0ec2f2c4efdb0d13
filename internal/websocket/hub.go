// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is the envelope every frame sent to UI clients uses.
type Message struct {
	Type    string      `json:"type"`
	SiteID  string      `json:"site_id,omitempty"`
	Payload interface{} `json:"payload"`
}

type unicast struct {
	client *Client
	msg    []byte
}

type frame struct {
	siteID string
	msg    []byte
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	unicast    chan unicast
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		unicast:    make(chan unicast),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		log:        logger.With("component", "ws-hub"),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.Send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("client registered", "remote", c.remote())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.Send)
				h.log.Debug("client unregistered", "remote", c.remote())
			}
			h.mu.Unlock()

		case u := <-h.unicast:
			h.mu.Lock()
			if _, ok := h.clients[u.client]; ok {
				select {
				case u.client.Send <- u.msg:
				default:
				}
			}
			h.mu.Unlock()

		case f := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(f.siteID) {
					continue
				}
				select {
				case c.Send <- f.msg:
				default:
					h.log.Warn("client send buffer full, dropping", "remote", c.remote())
					close(c.Send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// RegisterClient hands a client to the hub. It is a no-op once the hub stopped.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.Send)
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish encodes msg and queues it for every client subscribed to msg.SiteID.
// A message without a site goes to every client.
func (h *Hub) Publish(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal broadcast", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- frame{siteID: msg.SiteID, msg: b}:
	case <-h.done:
	}
}

// SendTo queues msg for one registered client only.
func (h *Hub) SendTo(c *Client, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal unicast", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.unicast <- unicast{client: c, msg: b}:
	case <-h.done:
	}
}

// BroadcastReadings sends newly persisted readings of a site.
func (h *Hub) BroadcastReadings(siteID string, readings interface{}) {
	h.Publish(Message{Type: "readings", SiteID: siteID, Payload: readings})
}

// BroadcastAlert sends an alert event.
func (h *Hub) BroadcastAlert(siteID string, event interface{}) {
	h.Publish(Message{Type: "alert", SiteID: siteID, Payload: event})
}
