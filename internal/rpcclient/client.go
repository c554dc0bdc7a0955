// Package rpcclient implements pkg/sim over a JSON-RPC websocket bridge to
// the simulator. Calls are correlated by id; sensor payloads arrive as
// server pushes and are routed to the listening sensor through a
// dispatcher.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/roadrl/carlaenv/internal/channel"
	"github.com/roadrl/carlaenv/internal/dispatcher"
	"github.com/roadrl/carlaenv/internal/logging"
	"github.com/roadrl/carlaenv/pkg/sim"
)

const (
	sendChSize  = 1024
	writeWait   = 10 * time.Second
	callTimeout = 30 * time.Second
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("rpc client closed")

type response struct {
	result json.RawMessage
	err    error
}

// Client is a connection to a simulator bridge. It implements sim.Client.
type Client struct {
	conn   *ws.Conn
	sendCh channel.Channel[[]byte]
	disp   *dispatcher.Dispatcher
	logger *slog.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan response
	closed  bool
	done    chan struct{}
	err     error // why the read loop stopped

	unrouted atomic.Int64
	timeout  time.Duration
}

// Dial connects to ws://host:port/rpc. timeout bounds the handshake and
// every later call.
func Dial(ctx context.Context, host string, port int, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = callTimeout
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/rpc"}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := ws.DefaultDialer.DialContext(dctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}

	disp, err := dispatcher.New(logging.ForComponent(logger, "rpcclient"))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		sendCh:  channel.New[[]byte](sendChSize),
		disp:    disp,
		logger:  logger,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	disp.SetFallback(c.unroutedPush)
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// unroutedPush takes pushes for sensors nobody listens to any more. The
// server may still have frames in flight after Stop.
func (c *Client) unroutedPush(e dispatcher.Event) (any, error) {
	n := c.unrouted.Add(1)
	if push, ok := e.Payload.(*SensorPush); ok {
		c.logger.Debug("Push for unknown sensor", "actor", push.Actor, "total", n)
	}
	return nil, nil
}

// UnroutedPushes returns how many sensor pushes arrived for actors without
// a listener.
func (c *Client) UnroutedPushes() int64 {
	return c.unrouted.Load()
}

// Dialer adapts Dial to the supervisor's dialer interface.
type Dialer struct {
	Logger *slog.Logger
}

// Dial implements server.Dialer.
func (d Dialer) Dial(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error) {
	return Dial(ctx, host, port, timeout, d.Logger)
}

// writeLoop drains sendCh. It is the only writer of data frames.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh.Receive():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// readLoop routes responses to their pending call and pushes to the
// dispatcher.
func (c *Client) readLoop() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("Malformed frame from simulator", "error", err)
			continue
		}

		if f.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*f.ID]
			delete(c.pending, *f.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("Response for unknown call", "id", *f.ID)
				continue
			}
			var r response
			if f.Error != nil {
				r.err = f.Error
			} else {
				r.result = f.Result
			}
			ch <- r
			continue
		}

		if f.Method == MethodSensorDataPush {
			var push SensorPush
			if err := json.Unmarshal(f.Params, &push); err != nil {
				c.logger.Warn("Malformed sensor push", "error", err)
				continue
			}
			if _, err := c.disp.Dispatch(dispatcher.Event{
				Command:   sensorCommand(push.Actor),
				Payload:   &push,
				Timestamp: time.Now(),
			}); err != nil {
				c.logger.Debug("Dropped sensor push", "actor", push.Actor, "error", err)
			}
			continue
		}
		c.logger.Debug("Unhandled push", "method", f.Method)
	}
}

func sensorCommand(id sim.ActorID) string {
	return MethodSensorDataPush + ":" + strconv.FormatUint(uint64(id), 10)
}

// fail stops the client and fails every pending call with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	c.sendCh.Close()
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: fmt.Errorf("%w: %w", ErrClosed, err)}
	}
	_ = c.conn.Close()
	c.disp.Close()
	c.logger.Warn("Simulator connection lost", "error", err)
}

// call performs one request and decodes the result into out when non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.sendCh.Send(ctx, data); err != nil {
		c.forget(id)
		if errors.Is(err, channel.ErrClosed) {
			return ErrClosed
		}
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", method, mapError(r.err))
		}
		if out != nil && len(r.result) > 0 {
			if err := json.Unmarshal(r.result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%s: timed out after %s", method, c.timeout)
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func mapError(err error) error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeNotFound {
		return fmt.Errorf("%w: %s", sim.ErrNotFound, rpcErr.Message)
	}
	return err
}

// ServerVersion implements sim.Client.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var v string
	err := c.call(ctx, MethodServerVersion, nil, &v)
	return v, err
}

// World implements sim.Client.
func (c *Client) World(ctx context.Context) (sim.World, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return &world{c: c}, nil
}

// Close sends a close frame and stops the loops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.sendCh.Close()
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrClosed}
	}
	c.disp.Close()
	_ = c.conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.conn.Close()
}
