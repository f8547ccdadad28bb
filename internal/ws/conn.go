package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/HsiangNianian/hidrelay/internal/protocol"
	"github.com/HsiangNianian/hidrelay/internal/registry"
)

// conn is one relay connection. Its reader runs on the HTTP handler
// goroutine; writePump is the only goroutine that writes to ws.
type conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn
	log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// gate holds off other connections' frames while this connection
	// registers as a target or joins one, so its own ack is queued first.
	gate sync.RWMutex

	// Owned by the reader goroutine.
	rec   *registry.Record
	token string
}

var _ registry.Peer = (*conn)(nil)

func (h *Hub) newConn(wsConn *websocket.Conn, remote string) *conn {
	id := h.nextConnID(remote)
	ctx, cancel := context.WithCancel(h.ctx)
	c := &conn{
		id:     id,
		hub:    h,
		ws:     wsConn,
		log:    h.log.WithFields(logrus.Fields{"conn_id": id}),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, h.opts.QueueSize),
		done:   make(chan struct{}),
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	return c
}

func (c *conn) ID() string { return c.id }

// Enqueue blocks until frame is queued, the connection closes or ctx ends.
// Frames offered after close are dropped.
func (c *conn) Enqueue(ctx context.Context, frame []byte) error {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.enqueue(ctx, frame)
}

func (c *conn) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the connection. The writer flushes what is already queued,
// sends a close frame and closes the transport, which unblocks the reader.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(c.hub.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (c *conn) write(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// send queues env for this connection. Only the reader goroutine calls it.
func (c *conn) send(env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		c.log.WithError(err).Error("encode outbound frame")
		return
	}
	c.hub.logEvent(c.log, "send", env)
	if err := c.enqueue(c.ctx, frame); err != nil {
		c.log.WithError(err).Debug("outbound frame dropped")
	}
}

// readEnvelope reads the next frame and decodes its outer structure. A
// transport failure is returned as is; a bad frame as a *protocol.DecodeError.
func (c *conn) readEnvelope() (protocol.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(data)
}
