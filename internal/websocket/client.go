// internal/websocket/client.go
package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBuffer     = 256
)

// Client is a middleman between the websocket connection and the hub.
// A client with a SiteID only receives that site's messages.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	SiteID string
	Send   chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, siteID string) *Client {
	return &Client{Hub: hub, Conn: conn, SiteID: siteID, Send: make(chan []byte, sendBuffer)}
}

func (c *Client) wants(siteID string) bool {
	return c.SiteID == "" || siteID == "" || c.SiteID == siteID
}

func (c *Client) remote() string {
	if c.Conn == nil {
		return ""
	}
	return c.Conn.RemoteAddr().String()
}

// ReadPump drains the connection so control frames (close, pong) are processed.
// The UI does not send application messages.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregisterClient(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("websocket read error", "remote", c.remote(), "err", err)
			}
			return
		}
	}
}

// WritePump writes hub messages and pings to the connection, one frame per message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.log.Debug("websocket write error", "remote", c.remote(), "err", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
