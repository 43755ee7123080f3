// Package world is the live-object cache: the process-wide set of
// currently loaded entities keyed by TSID, with on-demand load from
// the persistence gateway and controlled unload.
//
// For every in-cache entity the owning shard equals this shard; ids
// owned elsewhere come back as rpc proxies and never enter the cache.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/gsjs"
	"github.com/ElevenGiants/eleven-server-sub000/internal/metrics"
	"github.com/ElevenGiants/eleven-server-sub000/internal/pers"
)

// Router is the slice of the shard router the cache needs: local/remote
// classification, proxy construction for remote ids and local TSID
// minting.
type Router interface {
	IsLocal(tsid string) (bool, error)
	Proxy(tsid string) entity.Entity
	MakeLocalTsid(tag byte) (string, error)
}

// World is the live-object cache. Register/deregister are atomic with
// respect to iteration; entity bodies themselves are only touched on
// their owning request queue.
type World struct {
	mu      sync.RWMutex
	objects map[string]entity.Entity

	gw     *pers.Gateway
	router Router
	hooks  gsjs.Hooks

	timerDispatch func(tsid string, fn func())

	loads singleflight.Group
}

// timerOwner is implemented by entities carrying gameplay timers.
type timerOwner interface {
	SetTimerDispatch(d func(fn func()))
}

func New(gw *pers.Gateway, router Router, hooks gsjs.Hooks) *World {
	return &World{
		objects: make(map[string]entity.Entity, 1024),
		gw:      gw,
		router:  router,
		hooks:   hooks,
	}
}

// SetTimerDispatch installs the hand-off used to run expired item
// timers on their owning request queue. Set once at startup, before
// any entity loads.
func (w *World) SetTimerDispatch(d func(tsid string, fn func())) {
	w.timerDispatch = d
}

// Peek returns the entity if it is already loaded, without loading.
func (w *World) Peek(tsid string) (entity.Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.objects[tsid]
	return e, ok
}

// Get returns the unique in-process instance for a locally-owned TSID,
// loading it on a miss. For a TSID owned by another shard it returns
// an rpc proxy that is NOT placed in the cache; per-request caching of
// proxies is the request context's job.
func (w *World) Get(ctx context.Context, tsid string) (entity.Entity, error) {
	if !entity.ValidTSID(tsid) {
		return nil, fmt.Errorf("invalid tsid %q", tsid)
	}
	local, err := w.router.IsLocal(tsid)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", tsid, err)
	}
	if !local {
		return w.router.Proxy(tsid), nil
	}
	if e, ok := w.Peek(tsid); ok {
		return e, nil
	}
	return w.load(ctx, tsid)
}

// load fetches, instantiates and registers an entity. Concurrent
// misses for the same TSID are collapsed so the cache keeps its
// unique-instance guarantee.
func (w *World) load(ctx context.Context, tsid string) (entity.Entity, error) {
	v, err, _ := w.loads.Do(tsid, func() (any, error) {
		if e, ok := w.Peek(tsid); ok {
			return e, nil
		}
		body, err := w.gw.Read(ctx, tsid)
		if err != nil {
			metrics.CacheLoads.WithLabelValues("error").Inc()
			return nil, err
		}
		e, err := entity.New(tsid, body, w.Loader(ctx))
		if err != nil {
			metrics.CacheLoads.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("instantiating %s: %w", tsid, err)
		}
		w.add(e)

		// Load hooks are best-effort: a buggy script must not make
		// an entity unloadable.
		gsjs.Call("gsOnLoad", wrapHook(w.hooks.OnLoad, e))

		metrics.CacheLoads.WithLabelValues("ok").Inc()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(entity.Entity), nil
}

func wrapHook(fn func(entity.Entity) error, e entity.Entity) func() error {
	if fn == nil {
		return nil
	}
	return func() error { return fn(e) }
}

// Loader returns the LoaderFunc bound into objref resolvers, so a
// lazy reference resolves through the same local/remote dispatch as a
// direct Get.
func (w *World) Loader(ctx context.Context) entity.LoaderFunc {
	return func(tsid string) (entity.Entity, error) {
		return w.Get(ctx, tsid)
	}
}

// Create mints a new entity. If tsid is empty a local TSID is minted
// for the tag; a non-empty tsid must not collide with a cached
// instance. The onCreate hook runs inside the caller's request; the
// caller marks the instance dirty in its request context.
func (w *World) Create(ctx context.Context, tag byte, tsid string, body map[string]any) (entity.Entity, error) {
	if tsid == "" {
		var err error
		tsid, err = w.router.MakeLocalTsid(tag)
		if err != nil {
			return nil, fmt.Errorf("minting tsid: %w", err)
		}
	}
	if _, ok := w.Peek(tsid); ok {
		return nil, fmt.Errorf("create: %s already in cache", tsid)
	}
	e, err := entity.New(tsid, body, w.Loader(ctx))
	if err != nil {
		return nil, err
	}
	w.add(e)
	gsjs.Call("onCreate", wrapHook(w.hooks.OnCreate, e))
	return e, nil
}

func (w *World) add(e entity.Entity) {
	if w.timerDispatch != nil {
		if to, ok := e.(timerOwner); ok {
			tsid := e.TSID()
			to.SetTimerDispatch(func(fn func()) { w.timerDispatch(tsid, fn) })
		}
	}
	w.mu.Lock()
	w.objects[e.TSID()] = e
	n := len(w.objects)
	w.mu.Unlock()
	metrics.CacheObjects.Set(float64(n))
}

// Evict removes an entity from the cache after a successful commit of
// a request that marked it for unload, and flags it stale so retained
// handles are detectable.
func (w *World) Evict(tsid string) {
	w.mu.Lock()
	e, ok := w.objects[tsid]
	if ok {
		delete(w.objects, tsid)
	}
	n := len(w.objects)
	w.mu.Unlock()
	metrics.CacheObjects.Set(float64(n))
	if ok {
		e.SetStale(true)
		slog.Debug("entity evicted", "tsid", tsid)
	}
}

// Count returns the number of cached entities.
func (w *World) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.objects)
}

// ForEach iterates a snapshot of the cache. fn returning false stops
// the iteration.
func (w *World) ForEach(fn func(e entity.Entity) bool) {
	w.mu.RLock()
	snapshot := make([]entity.Entity, 0, len(w.objects))
	for _, e := range w.objects {
		snapshot = append(snapshot, e)
	}
	w.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}

// Locations returns the cached locations; the unload sweeper walks
// them.
func (w *World) Locations() []*entity.Location {
	var locs []*entity.Location
	w.ForEach(func(e entity.Entity) bool {
		if l, ok := e.(*entity.Location); ok {
			locs = append(locs, l)
		}
		return true
	})
	return locs
}
