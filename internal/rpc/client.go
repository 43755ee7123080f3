package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
	"github.com/ElevenGiants/eleven-server-sub000/internal/metrics"
)

// Connection states, reported by Client.State for observability.
const (
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
	StateReconnecting = "RECONNECTING"
)

const dialTimeout = 5 * time.Second

// ClientConfig parametrizes one outbound shard connection.
type ClientConfig struct {
	Addr            string
	MaxMsgSize      int
	Timeout         time.Duration
	ReconnectWindow time.Duration
	SweepInterval   time.Duration
}

type pending struct {
	ch       chan result
	deadline time.Time
	done     bool
}

type result struct {
	raw json.RawMessage
	err error
}

// Client is the outbound transport to one peer shard. While the
// connection is down, outgoing calls are buffered for the reconnect
// window and replayed in order on reconnect; past the window they fail
// immediately with ErrConnectionUnavailable. A sweep loop fails each
// pending call exactly once after the per-call timeout, whether or not
// a late response still arrives.
type Client struct {
	cfg    ClientConfig
	nextID atomic.Int64

	mu        sync.Mutex
	conn      net.Conn
	state     string
	downSince time.Time
	buffer    [][]byte
	pendings  map[int64]*pending

	stop chan struct{}
	once sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	c := &Client{
		cfg:      cfg,
		state:    StateConnecting,
		pendings: make(map[int64]*pending),
		stop:     make(chan struct{}),
	}
	go c.connectLoop()
	go c.sweepLoop()
	return c
}

// State returns the current connection state string.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the connection and fails everything in flight.
func (c *Client) Close() {
	c.once.Do(func() { close(c.stop) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	for id, p := range c.pendings {
		c.settle(id, p, result{err: eserr.ErrConnectionUnavailable})
	}
	c.buffer = nil
	c.mu.Unlock()
}

// Call issues one request and blocks until response, timeout or ctx
// cancellation.
func (c *Client) Call(ctx context.Context, method string, params []any) (any, error) {
	id := c.nextID.Add(1)
	frame, err := encodeFrame(Request{ID: id, Method: method, Params: params}, c.cfg.MaxMsgSize)
	if err != nil {
		return nil, err
	}

	p := &pending{
		ch:       make(chan result, 1),
		deadline: time.Now().Add(c.cfg.Timeout),
	}

	c.mu.Lock()
	switch c.state {
	case StateConnected:
		conn := c.conn
		c.pendings[id] = p
		c.mu.Unlock()
		metrics.RpcInFlight.Inc()
		if err := c.send(conn, frame); err != nil {
			c.dropConn(conn, err)
			// The pending stays registered; the reconnect replay does
			// not cover it, so the sweep will time it out.
		}
	case StateConnecting, StateReconnecting:
		if !c.downSince.IsZero() && time.Since(c.downSince) > c.cfg.ReconnectWindow {
			c.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", c.cfg.Addr, eserr.ErrConnectionUnavailable)
		}
		c.pendings[id] = p
		c.buffer = append(c.buffer, frame)
		c.mu.Unlock()
		metrics.RpcInFlight.Inc()
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.cfg.Addr, eserr.ErrConnectionUnavailable)
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			return nil, r.err
		}
		var v any
		if err := json.Unmarshal(r.raw, &v); err != nil {
			return nil, fmt.Errorf("decoding rpc result: %w", err)
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send writes one frame under the write lock of the connection.
func (c *Client) send(conn net.Conn, frame []byte) error {
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("writing to %s: %w", c.cfg.Addr, err)
	}
	return nil
}

func encodeFrame(req Request, maxSize int) ([]byte, error) {
	var buf frameBuffer
	if err := WriteMsg(&buf, req, maxSize); err != nil {
		return nil, err
	}
	return buf.b, nil
}

type frameBuffer struct{ b []byte }

func (f *frameBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}

// settle delivers a result to a pending exactly once. Caller holds mu.
func (c *Client) settle(id int64, p *pending, r result) {
	if p.done {
		return
	}
	p.done = true
	delete(c.pendings, id)
	metrics.RpcInFlight.Dec()
	p.ch <- r
}

// dropConn transitions to reconnecting after a send or read failure.
func (c *Client) dropConn(conn net.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return // a newer connection already replaced this one
	}
	conn.Close()
	c.conn = nil
	c.state = StateReconnecting
	c.downSince = time.Now()
	slog.Warn("rpc connection lost", "peer", c.cfg.Addr, "error", cause)
}

func (c *Client) connectLoop() {
	backoff := 250 * time.Millisecond
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", c.cfg.Addr, dialTimeout)
		if err != nil {
			slog.Debug("rpc dial failed", "peer", c.cfg.Addr, "error", err)
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.downSince = time.Time{}
		replay := c.buffer
		c.buffer = nil
		c.mu.Unlock()
		slog.Info("rpc connected", "peer", c.cfg.Addr)

		// Replay buffered frames in enqueue order before new traffic.
		ok := true
		for _, frame := range replay {
			if err := c.send(conn, frame); err != nil {
				c.dropConn(conn, err)
				ok = false
				break
			}
		}
		if ok {
			c.readLoop(conn)
		}

		select {
		case <-c.stop:
			return
		default:
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		payload, err := ReadMsg(conn, c.cfg.MaxMsgSize)
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			slog.Warn("rpc response undecodable", "peer", c.cfg.Addr, "error", err)
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pendings[resp.ID]
	if !ok {
		// Late response after the sweep already failed the call.
		slog.Debug("rpc response for unknown id", "peer", c.cfg.Addr, "id", resp.ID)
		return
	}
	if resp.Error != nil {
		c.settle(resp.ID, p, result{err: &eserr.RemoteError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Stack:   resp.Error.Stack,
		}})
		return
	}
	c.settle(resp.ID, p, result{raw: resp.Result})
}

// sweepLoop fails pendings that outlived the per-call timeout.
func (c *Client) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Client) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pendings {
		if now.Before(p.deadline) {
			continue
		}
		metrics.RpcTimeouts.Inc()
		slog.Warn("rpc call timed out", "peer", c.cfg.Addr, "id", id)
		c.settle(id, p, result{err: eserr.ErrRpcTimeout})
	}
}

// IsTransportErr reports whether err is one of the canned transport
// failures rather than a remote application error.
func IsTransportErr(err error) bool {
	return errors.Is(err, eserr.ErrRpcTimeout) || errors.Is(err, eserr.ErrConnectionUnavailable)
}
