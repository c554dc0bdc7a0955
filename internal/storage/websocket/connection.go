package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/roadrl/carlaenv/pkg/streaming"
)

const (
	sendChSize       = 4096
	ackChSize        = 16
	maxReconnect     = 10
	maxBackoff       = 30 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	handshakeTimeout = 10 * time.Second
	ackTimeout       = 10 * time.Second
)

var errConnClosed = errors.New("streaming connection closed")

// connection owns one websocket session at a time. Frames go through a
// single write goroutine; acks come back through the read goroutine. When
// the session breaks it redials and replays the open episode's start frame
// before anything else is written.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	session uint64 // bumped per dial so stale loops exit
	replay  []byte // start frame of the open episode
	closed  bool

	sendCh chan []byte
	ackCh  chan streaming.AckMessage
	done   chan struct{}

	wsURL   string
	secret  string
	dropped atomic.Int64

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		sendCh: make(chan []byte, sendChSize),
		ackCh:  make(chan streaming.AckMessage, ackChSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// dial connects and starts the session loops.
func (c *connection) dial(ctx context.Context, rawURL, secret string) error {
	c.wsURL = rawURL
	c.secret = secret

	conn, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}
	c.start(conn)
	return nil
}

// dialOnce performs a single handshake with the secret as a query param.
func (c *connection) dialOnce(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if c.secret != "" {
		q := u.Query()
		q.Set("secret", c.secret)
		u.RawQuery = q.Encode()
	}

	dialer := ws.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *connection) start(conn *ws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.session++
	session := c.session
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writeLoop(conn, session)
	go c.readLoop(conn, session)
}

// current reports whether session is still the live one.
func (c *connection) current(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.session == session
}

// writeLoop drains sendCh and keeps the session alive with pings.
func (c *connection) writeLoop(conn *ws.Conn, session uint64) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.broken(session, fmt.Errorf("ping: %w", err))
				return
			}
		case data := <-c.sendCh:
			if !c.current(session) {
				// hand the frame to the next session
				c.requeue(data)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.requeue(data)
				c.broken(session, fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.requeue(data)
				c.broken(session, fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// readLoop routes ack messages to ackCh.
func (c *connection) readLoop(conn *ws.Conn, session uint64) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.broken(session, fmt.Errorf("read: %w", err))
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(message, &ack); err != nil || ack.Type != streaming.TypeAck {
			c.logger.Debug("Non-ack message received", "raw", string(message))
			continue
		}

		select {
		case c.ackCh <- ack:
		default:
			c.logger.Debug("Ack channel full, dropping", "for", ack.For, "seq", ack.Seq)
		}
	}
}

// broken retires session and starts a reconnect, once per session.
func (c *connection) broken(session uint64, err error) {
	c.mu.Lock()
	if c.closed || c.session != session {
		c.mu.Unlock()
		return
	}
	c.session++ // no further loop of this session reconnects
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.logger.Warn("WebSocket session lost", "error", err)
	go c.reconnect()
}

// reconnect redials with exponential backoff and replays the start frame of
// the open episode before resuming the loops.
func (c *connection) reconnect() {
	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Reconnecting to WebSocket", "attempt", attempt)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := c.dialOnce(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.mu.Lock()
		replay := c.replay
		c.mu.Unlock()
		if replay != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(ws.TextMessage, replay); err != nil {
				c.logger.Warn("Failed to replay episode start after reconnect", "error", err)
				_ = conn.Close()
				continue
			}
		}

		c.logger.Info("WebSocket reconnected", "attempt", attempt)
		c.start(conn)
		return
	}

	c.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// setReplay stores the frame sent first after every reconnect. nil clears it.
func (c *connection) setReplay(data []byte) {
	c.mu.Lock()
	c.replay = data
	c.mu.Unlock()
}

// send queues data for the write loop. It never blocks; a full queue drops
// the frame and counts it.
func (c *connection) send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("send queue full")
	}
}

func (c *connection) requeue(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		c.dropped.Add(1)
	}
}

// sendAndWait sends data and blocks until the server acknowledges seq or the
// timeout expires.
func (c *connection) sendAndWait(data []byte, ackFor string, seq uint64, timeout time.Duration) error {
	if err := c.send(data); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.ackCh:
			if ack.For == ackFor && ack.Seq == seq {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q (seq %d)", ackFor, seq)
		case <-c.done:
			return errConnClosed
		}
	}
}

// close sends a close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return conn.Close()
}
