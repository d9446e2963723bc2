package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one live socket. Frames are written only by writePump.
type client struct {
	id          string
	principalID string
	ws          *websocket.Conn
	send        chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, principalID string, ws *websocket.Conn, queue int) *client {
	return &client{
		id:          id,
		principalID: principalID,
		ws:          ws,
		send:        make(chan Frame, queue),
		done:        make(chan struct{}),
	}
}

// enqueue reports false when the client is closing or its queue is full.
func (c *client) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump(cfg Config, onError func(error)) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				onError(err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				onError(err)
				c.close()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(cfg.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
