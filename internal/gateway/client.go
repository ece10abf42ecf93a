package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/muxworks/muxd/pkg/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 256
	rateBurst     = 5
)

// outFrame is either an event or a method response on the wire.
type outFrame struct {
	Event    *protocol.Event    `json:"event,omitempty"`
	Response *protocol.Response `json:"response,omitempty"`
}

// client is one websocket connection. Writes go through a queue so bus
// handlers never block; a saturated queue drops events (the client can
// request a replay).
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	limiter *rate.Limiter

	send      chan outFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, s *Server) *client {
	var limiter *rate.Limiter
	if rpm := s.deps.Config.Get().Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rateBurst)
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		limiter: limiter,
		send:    make(chan outFrame, sendQueueSize),
		closed:  make(chan struct{}),
	}
	go c.writePump()
	return c
}

// sendEvent enqueues an event for this client. Must not block: it runs
// on the bus publish path.
func (c *client) sendEvent(ev protocol.Event) {
	select {
	case c.send <- outFrame{Event: &ev}:
	case <-c.closed:
	default:
		slog.Warn("gateway.client_queue_full", "client", c.id, "event", ev.Type)
	}
}

func (c *client) sendResponse(resp protocol.Response) {
	select {
	case c.send <- outFrame{Response: &resp}:
	case <-c.closed:
	}
}

func (c *client) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// run reads method frames until the connection dies.
func (c *client) run() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("gateway.bad_frame", "client", c.id, "err", err)
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendResponse(protocol.Response{ID: req.ID, Error: "rate limit exceeded"})
			continue
		}
		c.sendResponse(c.server.dispatch(req))
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
