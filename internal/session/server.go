package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/time/rate"

	"github.com/ElevenGiants/eleven-server-sub000/internal/auth"
	"github.com/ElevenGiants/eleven-server-sub000/internal/config"
	"github.com/ElevenGiants/eleven-server-sub000/internal/gsjs"
	"github.com/ElevenGiants/eleven-server-sub000/internal/rq"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

// Server accepts client connections and runs one session per
// connection.
type Server struct {
	cfg      config.Net
	codec    Codec
	w        *world.World
	queues   *rq.Manager
	valid    auth.Validator
	hooks    gsjs.Hooks
	registry *gsjs.Registry
	mgr      *Manager
}

func NewServer(cfg config.Net, w *world.World, queues *rq.Manager,
	valid auth.Validator, hooks gsjs.Hooks, registry *gsjs.Registry, mgr *Manager) (*Server, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		codec:    codec,
		w:        w,
		queues:   queues,
		valid:    valid,
		hooks:    hooks,
		registry: registry,
		mgr:      mgr,
	}, nil
}

// Run listens and serves until ctx is cancelled, then closes every
// live session.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session listen on %s: %w", addr, err)
	}
	slog.Info("session server listening", "bind", addr, "codec", s.codec.Name())

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mgr.CloseAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session accept: %w", err)
		}
		var limiter *rate.Limiter
		if s.cfg.RateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		}
		sess := newSession(conn, s.codec, s.cfg.MaxMsgSize, limiter,
			s.w, s.queues, s.valid, s.hooks, s.registry, s.mgr)
		s.mgr.register(sess)
		go sess.run(ctx)
	}
}
