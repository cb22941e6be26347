package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection lifecycle. A connection only receives broadcasts while open;
// the hub drops sends to connections in any other state.
const (
	stateConnecting = iota
	stateAuthenticated
	stateOpen
	stateClosed
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	outgoingBuffer = 64
)

// Conn wraps one moderator websocket. The queues map is owned by the hub's
// Run goroutine; state is the only field touched from multiple goroutines.
type Conn struct {
	hub *Hub
	ws  *websocket.Conn
	did string

	// outgoing is never closed; writers race with shutdown, so close is
	// signalled through quit instead
	outgoing chan *ServerMessage
	quit     chan struct{}

	queues map[int64]bool

	stateLk sync.Mutex
	state   int

	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, did string) *Conn {
	return &Conn{
		hub:      h,
		ws:       ws,
		did:      did,
		outgoing: make(chan *ServerMessage, outgoingBuffer),
		quit:     make(chan struct{}),
		queues:   make(map[int64]bool),
		state:    stateAuthenticated,
	}
}

func (c *Conn) isOpen() bool {
	c.stateLk.Lock()
	defer c.stateLk.Unlock()
	return c.state == stateOpen
}

func (c *Conn) setState(s int) {
	c.stateLk.Lock()
	c.state = s
	c.stateLk.Unlock()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.quit)
		_ = c.ws.Close()
	})
}

// wantsQueues reports whether a broadcast scoped to the given queues should
// reach this connection. Queue-less broadcasts reach everyone.
func (c *Conn) wantsQueues(queueIds []int64) bool {
	if len(queueIds) == 0 {
		return true
	}
	for _, q := range queueIds {
		if c.queues[q] {
			return true
		}
	}
	return false
}

// writePump drains the outgoing channel onto the socket and pings on an
// interval to detect dead peers.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.hub.logger.Warn("failed to write to client", "did", c.did, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout)); err != nil {
				c.hub.logger.Warn("failed to ping client", "did", c.did, "err", err)
				return
			}
		case <-c.quit:
			_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeTimeout))
			return
		}
	}
}

// readPump reads and dispatches client messages until the socket errors or
// the context ends. Unknown message types are logged and dropped, never
// echoed back as protocol errors.
func (c *Conn) readPump(ctx context.Context) {
	defer c.hub.submit(&operation{op: opUnregister, conn: c})

	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client connection error", "did", c.did, "err", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Warn("invalid client message", "did", c.did, "err", err)
			c.sendError("invalid message")
			continue
		}
		c.hub.dispatch(ctx, c, &msg)
	}
}

func (c *Conn) sendError(text string) {
	if !c.isOpen() {
		return
	}
	select {
	case c.outgoing <- &ServerMessage{Type: MsgError, Error: text}:
	default:
	}
}
