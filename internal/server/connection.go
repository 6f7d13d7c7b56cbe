package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/ttsam-rt/dispatcher/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 30 * time.Second

	// Ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Consecutive full-queue drops before a slow client is evicted.
	slowClientStrikes = 3

	// Inbound message rate limit per connection.
	inboundBurst  = 100
	inboundPerSec = 10
)

// Client is one WebSocket connection. Frames flow through a bounded send
// queue; the queue never blocks a producer, and a client that overflows it
// slowClientStrikes times in a row is disconnected.
type Client struct {
	id   int64
	conn net.Conn

	send    chan []byte
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	strikes     int32
	closeOnce   sync.Once
	connectedAt time.Time
}

func newClient(parent context.Context, id int64, conn net.Conn, queue int) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, queue),
		limiter:     rate.NewLimiter(rate.Limit(inboundPerSec), inboundBurst),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
}

// Context is cancelled when the connection goes away. In-flight historical
// replays hang off it.
func (c *Client) Context() context.Context { return c.ctx }

// enqueue queues a frame without blocking. A full queue is a strike; the
// strike counter resets on any successful send.
func (c *Client) enqueue(frame []byte, event string) bool {
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.strikes, 0)
		monitoring.FramesSent.WithLabelValues(event).Inc()
		return true
	default:
		monitoring.FramesDropped.Inc()
		if atomic.AddInt32(&c.strikes, 1) >= slowClientStrikes {
			c.evict()
		}
		return false
	}
}

// evict force-closes a slow client with a policy-violation close frame.
func (c *Client) evict() {
	c.closeOnce.Do(func() {
		monitoring.SlowClientsDisconnected.Inc()
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "too slow to consume stream")
		ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.conn.Close()
	})
	c.cancel()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
	c.cancel()
}

// readPump consumes inbound frames until the connection dies, applying the
// per-connection rate limit before dispatching events.
func (s *Server) readPump(c *Client) {
	defer s.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				monitoring.RateLimitedMessages.Inc()
				s.sendError(c, "RATE_LIMITED", "too many messages, slow down")
				continue
			}
			s.handleClientEvent(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame); err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("Write to client failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
