package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// closeGracePeriod bounds how long Close waits for the write loop to
// flush frames queued before the teardown.
const closeGracePeriod = 5 * time.Second

// wsConn wraps one websocket with a buffered outbound queue. A read loop
// feeds inbound frames to the session in arrival order while the write
// loop drains the queue and keeps the peer alive with heartbeat pings.
type wsConn struct {
	id     uuid.UUID
	sock   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	writeDone chan struct{}
	closeOnce sync.Once
}

func newWSConn(parent context.Context, sock *websocket.Conn, heartbeatInterval, heartbeatTimeout time.Duration, logger *zap.Logger) *wsConn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	return &wsConn{
		id:                id,
		sock:              sock,
		send:              make(chan []byte, 256),
		logger:            logger.With(zap.String("conn_id", id.String())),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		ctx:               ctx,
		cancel:            cancel,
		writeDone:         make(chan struct{}),
	}
}

// Send queues a frame for delivery. Never blocks: a peer whose buffer is
// full misses the frame and catches up later from the persisted log, so a
// stalled connection cannot hold up the sender's read loop.
func (c *wsConn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		c.logger.Debug("send buffer full, frame dropped")
	}
}

// Close tears the connection down exactly once. The write loop gets a
// grace period to flush frames queued before the teardown, so a
// rejection's err frame reaches the peer ahead of the socket close.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		select {
		case <-c.writeDone:
		case <-time.After(closeGracePeriod):
		}
		_ = c.sock.Close(websocket.StatusNormalClosure, "")
		c.logger.Debug("connection closed")
	})
}

// readLoop delivers inbound frames until the peer goes away or the
// connection is closed. It blocks the calling goroutine, which is what
// keeps per-connection processing in arrival order.
func (c *wsConn) readLoop(onMessage func([]byte)) {
	defer c.Close()
	for {
		messageType, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}
		if messageType != websocket.MessageText && messageType != websocket.MessageBinary {
			continue
		}
		onMessage(data)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	defer c.Close()
	defer close(c.writeDone)

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), c.heartbeatTimeout)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		case <-c.ctx.Done():
			c.drainQueued()
			return
		}
	}
}

// write delivers one frame under its own deadline. The context is
// deliberately not derived from c.ctx: an in-flight write must complete
// even while Close is cancelling the connection.
func (c *wsConn) write(frame []byte) bool {
	writeCtx, cancel := context.WithTimeout(context.Background(), c.heartbeatTimeout)
	defer cancel()
	if err := c.sock.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return false
	}
	return true
}

// drainQueued flushes frames that were queued before the teardown.
func (c *wsConn) drainQueued() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		default:
			return
		}
	}
}
