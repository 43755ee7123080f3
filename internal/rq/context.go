// Package rq is the request engine: per-owner single-consumer FIFO
// queues whose workers execute request closures inside a request
// context that collects state mutations for the commit phase.
package rq

import (
	"context"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

type rcKey struct{}

// Context is the per-request ambient state: the request-local object
// cache, the dirty set, the unload set, a log tag and the owner the
// queue serializes on. It lives exactly as long as one request.
type Context struct {
	Tag   string
	Owner string

	w *world.World

	cache  map[string]entity.Entity
	dirty  map[string]entity.Entity
	unload map[string]entity.Entity

	deferred []func()
}

func newContext(owner, tag string, w *world.World) *Context {
	return &Context{
		Tag:    tag,
		Owner:  owner,
		w:      w,
		cache:  make(map[string]entity.Entity),
		dirty:  make(map[string]entity.Entity),
		unload: make(map[string]entity.Entity),
	}
}

// FromContext returns the ambient request context. It fails when
// called outside a request worker; entity-mutating code paths use it
// to assert they run inside a request.
func FromContext(ctx context.Context) (*Context, error) {
	rc, ok := ctx.Value(rcKey{}).(*Context)
	if !ok {
		return nil, eserr.ErrNoContext
	}
	return rc, nil
}

// Bind installs rc as the ambient context; exported for tests that
// exercise request bodies without a queue.
func Bind(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, rcKey{}, rc)
}

// Get resolves a TSID through the request-local cache first, then the
// process-wide cache (loading on demand). Remote ids yield rpc proxies
// cached only here, never process-wide.
func (rc *Context) Get(ctx context.Context, tsid string) (entity.Entity, error) {
	if e, ok := rc.cache[tsid]; ok {
		return e, nil
	}
	e, err := rc.w.Get(ctx, tsid)
	if err != nil {
		return nil, err
	}
	rc.cache[tsid] = e
	return e, nil
}

// Create mints an entity via the live-object cache and marks it dirty
// so it persists with this request.
func (rc *Context) Create(ctx context.Context, tag byte, tsid string, body map[string]any) (entity.Entity, error) {
	e, err := rc.w.Create(ctx, tag, tsid, body)
	if err != nil {
		return nil, err
	}
	rc.cache[e.TSID()] = e
	rc.SetDirty(e)
	return e, nil
}

// SetDirty adds an entity to the dirty set. Idempotent; identical
// entries are not re-added.
func (rc *Context) SetDirty(e entity.Entity) {
	if _, ok := rc.dirty[e.TSID()]; ok {
		return
	}
	rc.dirty[e.TSID()] = e
}

// SetUnload schedules an entity for release from the process cache
// after a successful commit.
func (rc *Context) SetUnload(e entity.Entity) {
	rc.unload[e.TSID()] = e
}

// Defer queues fn to run after a successful commit, before onDone.
// Side effects that must not fire on a failed request (outbound
// messages, timer arming) belong here.
func (rc *Context) Defer(fn func()) {
	rc.deferred = append(rc.deferred, fn)
}

// Dirty exposes the dirty set; the commit phase consumes it.
func (rc *Context) Dirty() map[string]entity.Entity { return rc.dirty }

// Unload exposes the unload set.
func (rc *Context) Unload() map[string]entity.Entity { return rc.unload }
