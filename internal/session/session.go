package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ElevenGiants/eleven-server-sub000/internal/auth"
	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
	"github.com/ElevenGiants/eleven-server-sub000/internal/gsjs"
	"github.com/ElevenGiants/eleven-server-sub000/internal/rq"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

const (
	readBufSize   = 4096
	sendQueueSize = 64
)

// itemChange is one coalesced entry of the outbound changeset. Later
// writes for the same item replace earlier ones within a flush window.
type itemChange struct {
	locTSID string // "" for inventory-scoped changes
	vals    map[string]any
}

// Session is one client connection: a reader goroutine feeding the
// deframer and a writer goroutine draining the send queue. Until the
// login handshake completes only login and ping messages are accepted;
// everything else is a protocol violation that closes the connection.
type Session struct {
	id   string
	conn net.Conn

	codec      Codec
	maxMsgSize int
	limiter    *rate.Limiter

	w         *world.World
	queues    *rq.Manager
	validator auth.Validator
	hooks     gsjs.Hooks
	registry  *gsjs.Registry
	mgr       *Manager

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	loggedIn       bool
	player         *entity.Player
	interShardMove bool
	changes        map[string]itemChange
	anncs          []map[string]any
}

func newSession(conn net.Conn, codec Codec, maxMsgSize int, limiter *rate.Limiter,
	w *world.World, queues *rq.Manager, validator auth.Validator,
	hooks gsjs.Hooks, registry *gsjs.Registry, mgr *Manager) *Session {
	return &Session{
		id:         uuid.NewString(),
		conn:       conn,
		codec:      codec,
		maxMsgSize: maxMsgSize,
		limiter:    limiter,
		w:          w,
		queues:     queues,
		validator:  validator,
		hooks:      hooks,
		registry:   registry,
		mgr:        mgr,
		sendCh:     make(chan []byte, sendQueueSize),
		closed:     make(chan struct{}),
		changes:    make(map[string]itemChange),
	}
}

// SessionID returns the unique connection id.
func (s *Session) SessionID() string { return s.id }

// LoggedIn reports whether the login handshake has completed.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// PlayerTSID returns the bound player id or "".
func (s *Session) PlayerTSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return ""
	}
	return s.player.TSID()
}

// SetInterShardMove marks the upcoming disconnect as a shard handoff:
// the player stays in the location's set because the receiving shard
// takes over.
func (s *Session) SetInterShardMove(v bool) {
	s.mu.Lock()
	s.interShardMove = v
	s.mu.Unlock()
}

// run services the connection until EOF, protocol violation or close.
func (s *Session) run(ctx context.Context) {
	slog.Info("session opened", "session", s.id, "peer", s.conn.RemoteAddr())
	go s.writePump()
	s.readPump(ctx)
	s.Close()
}

func (s *Session) readPump(ctx context.Context) {
	deframer := NewDeframer(s.maxMsgSize)
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				slog.Debug("session read ended", "session", s.id, "error", err)
			}
			return
		}
		frames, err := deframer.Feed(buf[:n])
		for _, frame := range frames {
			if s.limiter != nil && !s.limiter.Allow() {
				slog.Warn("session rate limit exceeded, dropping frame", "session", s.id)
				continue
			}
			s.handleFrame(ctx, frame)
		}
		if err != nil {
			var perr *eserr.ProtocolError
			if errors.As(err, &perr) {
				slog.Warn("session protocol violation", "session", s.id, "reason", perr.Reason)
			}
			return
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case data, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := WriteFrame(s.conn, data, s.maxMsgSize); err != nil {
				slog.Debug("session write failed", "session", s.id, "error", err)
				s.Close()
				return
			}
		}
	}
}

// Send encodes and queues one outbound message. Until the handshake
// completes only ping and login replies pass the gate. A full send
// queue closes the session; a client that stopped reading is gone.
func (s *Session) Send(msg map[string]any) error {
	if !s.LoggedIn() {
		if t, _ := msg["type"].(string); !preLoginSendable(t) {
			return fmt.Errorf("session %s: %q sent before login", s.id, t)
		}
	}
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return fmt.Errorf("session %s: %w", s.id, eserr.ErrConnectionUnavailable)
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		s.Close()
		return fmt.Errorf("session %s send queue full: %w", s.id, eserr.ErrConnectionUnavailable)
	}
}

func preLoginSendable(mtype string) bool {
	switch mtype {
	case "ping", "login_start", "login_end", "relogin_start", "relogin_end":
		return true
	}
	return false
}

// Close tears the connection down and schedules the logout request for
// a bound player. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.mgr != nil {
			s.mgr.deregister(s)
		}
		s.onDisconnect()
		slog.Info("session closed", "session", s.id)
	})
}

// Closed is closed when the session is torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// onDisconnect detaches the session from its player on the player's
// own queue. Outside an inter-shard move the player also leaves the
// location's set and the logout hook fires.
func (s *Session) onDisconnect() {
	s.mu.Lock()
	p := s.player
	move := s.interShardMove
	s.mu.Unlock()
	if p == nil {
		return
	}

	q := s.queues.Get(p.TSID())
	err := q.Push("logout", func(ctx context.Context) (any, error) {
		rc, err := rq.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		p.SetSession(nil)
		rc.SetDirty(p)
		if move {
			return nil, nil
		}
		if locTSID := p.LocationTSID(); locTSID != "" {
			e, err := rc.Get(ctx, locTSID)
			if err == nil {
				if loc, ok := e.(*entity.Location); ok {
					loc.RemovePlayer(p.TSID())
					rc.SetDirty(loc)
					gsjs.Call("onPlayerExit", wrapLocHook(s.hooks.OnPlayerExit, loc, p))
				}
			}
		}
		gsjs.Call("onLogout", wrapPlayerHook(s.hooks.OnLogout, p))
		return nil, nil
	}, nil, rq.PushOpts{})
	if err != nil {
		slog.Warn("logout request rejected", "session", s.id, "player", p.TSID(), "error", err)
	}
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	msg, err := s.codec.Unmarshal(frame)
	if err != nil {
		slog.Warn("session message undecodable", "session", s.id, "error", err)
		s.Close()
		return
	}
	mtype, _ := msg["type"].(string)
	msgID := msg["msg_id"]

	if mtype == "ping" {
		// Pings bypass the request engine; answered on the reader.
		s.Send(map[string]any{
			"type": "ping", "msg_id": msgID, "success": true,
			"ts": time.Now().Unix(),
		})
		return
	}

	if !s.LoggedIn() {
		switch mtype {
		case "login_start", "relogin_start":
			s.handleLoginStart(ctx, mtype, msg)
		case "login_end", "relogin_end":
			s.handleLoginEnd(mtype, msg)
		default:
			slog.Warn("message before login", "session", s.id, "type", mtype)
			s.Close()
		}
		return
	}

	switch mtype {
	case "logout":
		s.Close()
	default:
		s.handleGameMsg(mtype, msg)
	}
}

// handleLoginStart validates the token and binds the player on its own
// request queue. The location entry happens at login_end, after the
// client finished its asset preload.
func (s *Session) handleLoginStart(ctx context.Context, mtype string, msg map[string]any) {
	msgID := msg["msg_id"]
	token, _ := msg["token"].(string)
	tsid, err := s.validator.Validate(ctx, token)
	if err != nil {
		slog.Warn("login rejected", "session", s.id, "error", err)
		s.Send(map[string]any{
			"type": mtype, "msg_id": msgID, "success": false,
			"error": "invalid token",
		})
		s.Close()
		return
	}

	q := s.queues.Get(tsid)
	pushErr := q.Push(mtype, func(ctx context.Context) (any, error) {
		rc, err := rq.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		e, err := rc.Get(ctx, tsid)
		if err != nil {
			return nil, err
		}
		p, ok := e.(*entity.Player)
		if !ok {
			return nil, fmt.Errorf("%s is not a player", tsid)
		}
		if old := p.Session(); old != nil && old.SessionID() != s.id {
			// Relogin kicks the previous connection.
			if oldSess, ok := old.(*Session); ok {
				oldSess.SetInterShardMove(true)
				oldSess.Close()
			}
		}
		p.SetSession(s)
		s.mu.Lock()
		s.player = p
		s.mu.Unlock()
		rc.SetDirty(p)
		gsjs.Call("onLoginStart", wrapPlayerHook(s.hooks.OnLoginStart, p))
		return p.Body(), nil
	}, func(err error, res any) {
		if err != nil {
			s.Send(map[string]any{
				"type": mtype, "msg_id": msgID, "success": false,
				"error": err.Error(),
			})
			s.Close()
			return
		}
		s.Send(map[string]any{
			"type": mtype, "msg_id": msgID, "success": true,
			"player_tsid": tsid,
		})
	}, rq.PushOpts{})
	if pushErr != nil {
		s.Send(map[string]any{
			"type": mtype, "msg_id": msgID, "success": false,
			"error": pushErr.Error(),
		})
		s.Close()
	}
}

// handleLoginEnd places the player into its location and completes the
// handshake.
func (s *Session) handleLoginEnd(mtype string, msg map[string]any) {
	msgID := msg["msg_id"]
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()
	if p == nil {
		slog.Warn("login_end before login_start", "session", s.id)
		s.Close()
		return
	}

	q := s.queues.Get(p.TSID())
	pushErr := q.Push(mtype, func(ctx context.Context) (any, error) {
		rc, err := rq.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		locTSID := p.LocationTSID()
		if locTSID == "" {
			return nil, fmt.Errorf("player %s has no location", p.TSID())
		}
		e, err := rc.Get(ctx, locTSID)
		if err != nil {
			return nil, err
		}
		loc, ok := e.(*entity.Location)
		if !ok {
			return nil, fmt.Errorf("player %s location %s is remote", p.TSID(), locTSID)
		}
		loc.AddPlayer(p)
		rc.SetDirty(loc)
		rc.SetDirty(p)
		gsjs.Call("onPlayerEnter", wrapLocHook(s.hooks.OnPlayerEnter, loc, p))
		gsjs.Call("onLoginEnd", wrapPlayerHook(s.hooks.OnLoginEnd, p))
		return loc.TSID(), nil
	}, func(err error, res any) {
		if err != nil {
			s.Send(map[string]any{
				"type": mtype, "msg_id": msgID, "success": false,
				"error": err.Error(),
			})
			s.Close()
			return
		}
		s.mu.Lock()
		s.loggedIn = true
		s.mu.Unlock()
		s.Send(map[string]any{
			"type": mtype, "msg_id": msgID, "success": true,
			"location_tsid": res,
		})
	}, rq.PushOpts{})
	if pushErr != nil {
		s.Close()
	}
}

// handleGameMsg runs an in-game message through the script registry on
// the player's queue. The reply (if the method produced one) rides on
// the same msg_id.
func (s *Session) handleGameMsg(mtype string, msg map[string]any) {
	msgID := msg["msg_id"]
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()
	if p == nil {
		s.Close()
		return
	}

	q := s.queues.Get(p.TSID())
	pushErr := q.Push("msg."+mtype, func(ctx context.Context) (any, error) {
		rc, err := rq.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		// Re-resolve through the request context so the player joins
		// this request's cache and gets its changes flushed.
		e, err := rc.Get(ctx, p.TSID())
		if err != nil {
			return nil, err
		}
		res, err := s.registry.Invoke(e, "msg_"+mtype, []any{msg})
		if err != nil {
			return nil, err
		}
		rc.SetDirty(e)
		return res, nil
	}, func(err error, res any) {
		if err != nil {
			s.Send(map[string]any{
				"type": mtype, "msg_id": msgID, "success": false,
				"error": err.Error(),
			})
			return
		}
		reply, ok := res.(map[string]any)
		if !ok {
			return // fire-and-forget message
		}
		out := make(map[string]any, len(reply)+3)
		for k, v := range reply {
			out[k] = v
		}
		out["type"] = mtype
		out["msg_id"] = msgID
		out["success"] = true
		s.SendPlayerMsg(out)
	}, rq.PushOpts{})
	if pushErr != nil {
		slog.Warn("game message rejected", "session", s.id, "type", mtype, "error", pushErr)
	}
}

// QueueChanges records an item state change for the next flush. Changes
// coalesce per item, last write wins. Location-scoped entries remember
// the location they belong to and are dropped at flush time if the
// player has moved on.
func (s *Session) QueueChanges(it *entity.Item, removed, compact bool) {
	vals := map[string]any{
		"path_tsid": it.TSID(),
		"count":     it.Count(),
	}
	if removed {
		vals["count"] = int64(0)
	}
	if !compact {
		x, y := it.Pos()
		vals["class_tsid"] = it.ClassTSID()
		vals["label"] = it.Label()
		vals["slot"] = it.Slot()
		vals["x"] = x
		vals["y"] = y
	}

	var locTSID string
	if cont := it.ContainerTSID(); cont != "" && cont[0] == entity.TagLocation {
		locTSID = cont
	}

	s.mu.Lock()
	s.changes[it.TSID()] = itemChange{locTSID: locTSID, vals: vals}
	s.mu.Unlock()
}

// QueueAnnc records an announcement for the next flush.
func (s *Session) QueueAnnc(annc map[string]any) {
	s.mu.Lock()
	s.anncs = append(s.anncs, annc)
	s.mu.Unlock()
}

// mergePending drains the pending outbound diff (changed player
// properties, the coalesced item changeset, queued announcements) into
// a copy of msg. The caller's map is never mutated. Returns the copy
// and whether anything was merged in.
func (s *Session) mergePending(msg map[string]any) (map[string]any, bool) {
	s.mu.Lock()
	p := s.player
	changes := s.changes
	anncs := s.anncs
	s.changes = make(map[string]itemChange)
	s.anncs = nil
	s.mu.Unlock()

	out := make(map[string]any, len(msg)+3)
	for k, v := range msg {
		out[k] = v
	}
	if p == nil {
		return out, false
	}

	props := p.ChangedProps()
	curLoc := p.LocationTSID()

	pc := make(map[string]any)
	loc := make(map[string]any)
	for tsid, ch := range changes {
		if ch.locTSID == "" {
			pc[tsid] = ch.vals
			continue
		}
		if ch.locTSID == curLoc {
			loc[tsid] = ch.vals
		}
	}

	merged := false
	if len(props) > 0 {
		out["property_changes"] = props
		merged = true
	}
	if len(pc) > 0 || len(loc) > 0 {
		out["changes"] = map[string]any{
			"itemstack_values": map[string]any{"pc": pc, "location": loc},
		}
		merged = true
	}
	if len(anncs) > 0 {
		out["announcements"] = anncs
		merged = true
	}
	return out, merged
}

// SendPlayerMsg sends a player-bound message with the pending diff
// merged in, so any reply also carries the state changes the request
// produced.
func (s *Session) SendPlayerMsg(msg map[string]any) error {
	out, _ := s.mergePending(msg)
	return s.Send(out)
}

// FlushChanges sends the batched outbound diff on its own. Called by
// the request engine after a successful commit; a no-op when nothing
// is pending.
func (s *Session) FlushChanges() {
	msg, pending := s.mergePending(map[string]any{"type": "changes"})
	if !pending {
		return
	}
	if err := s.Send(msg); err != nil {
		slog.Debug("change flush dropped", "session", s.id, "error", err)
	}
}

func wrapPlayerHook(fn func(*entity.Player) error, p *entity.Player) func() error {
	if fn == nil {
		return nil
	}
	return func() error { return fn(p) }
}

func wrapLocHook(fn func(*entity.Location, *entity.Player) error, loc *entity.Location, p *entity.Player) func() error {
	if fn == nil {
		return nil
	}
	return func() error { return fn(loc, p) }
}
