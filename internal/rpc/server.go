package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ElevenGiants/eleven-server-sub000/internal/gsjs"
	"github.com/ElevenGiants/eleven-server-sub000/internal/rq"
)

// Server accepts inbound shard-to-shard connections and dispatches the
// two wire methods: "obj" runs an entity method on the target's request
// queue, "api" invokes a global script function directly.
type Server struct {
	bind    string
	maxSize int

	router   *Router
	queues   *rq.Manager
	registry *gsjs.Registry

	mu    sync.Mutex
	ln    net.Listener
	conns map[*serverConn]struct{}
}

func NewServer(bind string, maxSize int, router *Router, queues *rq.Manager, registry *gsjs.Registry) *Server {
	return &Server{
		bind:     bind,
		maxSize:  maxSize,
		router:   router,
		queues:   queues,
		registry: registry,
		conns:    make(map[*serverConn]struct{}),
	}
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", s.bind, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	slog.Info("rpc server listening", "bind", s.bind)

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for sc := range s.conns {
			sc.close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpc accept: %w", err)
		}
		sc := &serverConn{srv: s, conn: conn}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		go sc.serve(ctx)
	}
}

// Addr returns the bound listener address, nil before Run has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// serverConn is one inbound peer connection. Responses from concurrent
// queue workers interleave on it, serialized by the write mutex; the
// closed flag keeps late onDone callbacks from writing to dead sockets.
type serverConn struct {
	srv  *Server
	conn net.Conn

	wmu    sync.Mutex
	closed bool
}

func (sc *serverConn) close() {
	sc.wmu.Lock()
	sc.closed = true
	sc.wmu.Unlock()
	sc.conn.Close()
}

func (sc *serverConn) serve(ctx context.Context) {
	defer func() {
		sc.close()
		sc.srv.mu.Lock()
		delete(sc.srv.conns, sc)
		sc.srv.mu.Unlock()
	}()

	peer := sc.conn.RemoteAddr().String()
	for {
		payload, err := ReadMsg(sc.conn, sc.srv.maxSize)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				slog.Debug("rpc peer gone", "peer", peer, "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			sc.reply(Response{ID: req.ID, Error: &ErrorObj{
				Code:    CodeParse,
				Message: "Did not receive valid JSON-RPC data",
			}})
			continue
		}
		sc.dispatch(ctx, req)
	}
}

func (sc *serverConn) dispatch(ctx context.Context, req Request) {
	switch req.Method {
	case "obj":
		sc.handleObj(ctx, req)
	case "api":
		sc.handleAPI(req)
	default:
		sc.reply(Response{ID: req.ID, Error: &ErrorObj{
			Code:    CodeMethodNotFound,
			Message: "Requested method does not exist",
		}})
	}
}

// handleObj runs an entity method inside the owning queue's request
// lifecycle: params are [callerGsid, tsid, fname, args].
func (sc *serverConn) handleObj(ctx context.Context, req Request) {
	if len(req.Params) < 3 {
		sc.reply(Response{ID: req.ID, Error: &ErrorObj{
			Code:    CodeInvalidParams,
			Message: "obj call needs [caller, tsid, fname, args]",
		}})
		return
	}
	caller, _ := req.Params[0].(string)
	tsid, tok := req.Params[1].(string)
	fname, fok := req.Params[2].(string)
	if !tok || !fok {
		sc.reply(Response{ID: req.ID, Error: &ErrorObj{
			Code:    CodeInvalidParams,
			Message: "obj call needs [caller, tsid, fname, args]",
		}})
		return
	}
	var args []any
	if len(req.Params) > 3 {
		args, _ = req.Params[3].([]any)
	}

	owner, err := sc.srv.router.OwnerRoot(ctx, tsid)
	if err != nil {
		sc.replyErr(req.ID, err)
		return
	}

	tag := fmt.Sprintf("rpc.%s.%s", caller, fname)
	q := sc.srv.queues.Get(owner)
	pushErr := q.Push(tag, func(ctx context.Context) (any, error) {
		rc, err := rq.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		e, err := rc.Get(ctx, tsid)
		if err != nil {
			return nil, err
		}
		res, err := sc.srv.registry.Invoke(e, fname, args)
		if err != nil {
			return nil, err
		}
		// Script methods mutate in place; the engine owns the write.
		rc.SetDirty(e)
		return res, nil
	}, func(err error, res any) {
		if err != nil {
			sc.replyErr(req.ID, err)
			return
		}
		sc.replyResult(req.ID, res)
	}, rq.PushOpts{})
	if pushErr != nil {
		sc.replyErr(req.ID, pushErr)
	}
}

func (sc *serverConn) handleAPI(req Request) {
	if len(req.Params) < 1 {
		sc.reply(Response{ID: req.ID, Error: &ErrorObj{
			Code:    CodeInvalidParams,
			Message: "api call needs [fname, args]",
		}})
		return
	}
	fname, ok := req.Params[0].(string)
	if !ok {
		sc.reply(Response{ID: req.ID, Error: &ErrorObj{
			Code:    CodeInvalidParams,
			Message: "api call needs [fname, args]",
		}})
		return
	}
	var args []any
	if len(req.Params) > 1 {
		args, _ = req.Params[1].([]any)
	}
	res, err := sc.srv.registry.InvokeAPI(fname, args)
	if err != nil {
		sc.replyErr(req.ID, err)
		return
	}
	sc.replyResult(req.ID, res)
}

func (sc *serverConn) replyResult(id int64, res any) {
	raw, err := normalizeResult(res)
	if err != nil {
		sc.replyErr(id, err)
		return
	}
	sc.reply(Response{ID: id, Result: raw})
}

func (sc *serverConn) replyErr(id int64, err error) {
	code := CodeInternal
	if err.Error() == "Requested method does not exist" {
		code = CodeMethodNotFound
	}
	sc.reply(Response{ID: id, Error: &ErrorObj{Code: code, Message: err.Error()}})
}

func (sc *serverConn) reply(resp Response) {
	if resp.Result == nil && resp.Error == nil {
		resp.Result = json.RawMessage("null")
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if sc.closed {
		return
	}
	if err := WriteMsg(sc.conn, resp, sc.srv.maxSize); err != nil {
		sc.closed = true
		sc.conn.Close()
		slog.Warn("rpc reply failed", "error", err)
	}
}
