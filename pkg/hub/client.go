package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan Message
	greeting []Message
	done     chan struct{}
}

// Serve registers conn, queues greeting ahead of any broadcast and pumps
// messages until the connection closes or the hub stops. It blocks until the
// writer has released conn, so call it from the websocket handler.
func (h *Hub) Serve(conn *websocket.Conn, greeting ...Message) {
	h.serve(conn, greeting)
}

func (h *Hub) serve(conn *websocket.Conn, greeting []Message) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan Message, sendBuffer),
		greeting: greeting,
		done:     make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.quit:
		close(c.done)
		conn.Close()
		return c
	}
	go c.writePump()
	c.readPump()
	<-c.done
	return c
}

// readPump only detects disconnects and pongs; clients never send data.
// Unregistering closes send, which stops the writer.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection and the one that closes it.
// done closes only after the hub has closed send.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		for range c.send {
		}
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
