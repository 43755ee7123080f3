package rpc

import (
	"context"
	"time"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
)

// Proxy stands in for an entity owned by another shard. It satisfies
// the Entity interface with a skeleton body so generic code (refs,
// serialization of backrefs) works unchanged, and forwards method
// invocations to the owning shard over rpc.
//
// Proxies live only in request-local caches; the process-wide cache
// never holds them, so a remote entity is re-routed on every request
// and follows its owner across re-homing.
type Proxy struct {
	tsid    string
	router  *Router
	body    map[string]any
	created time.Time
}

var _ entity.Entity = (*Proxy)(nil)

func newProxy(tsid string, router *Router) *Proxy {
	return &Proxy{
		tsid:    tsid,
		router:  router,
		body:    map[string]any{"tsid": tsid},
		created: time.Now(),
	}
}

func (p *Proxy) TSID() string { return p.tsid }

func (p *Proxy) Tag() byte { return p.tsid[0] }

func (p *Proxy) Body() map[string]any { return p.body }

// Serialize returns the minimal objref record. A proxy never owns the
// persisted state; the owning shard writes the real body.
func (p *Proxy) Serialize() map[string]any {
	return entity.RefRecord(p.tsid, "")
}

func (p *Proxy) Deleted() bool { return false }

// SetDeleted is a no-op; deletion must run on the owning shard.
func (p *Proxy) SetDeleted() {}

func (p *Proxy) Stale() bool { return false }

func (p *Proxy) SetStale(bool) {}

func (p *Proxy) Touch() {}

func (p *Proxy) LastMod() time.Time { return p.created }

// Call forwards a method invocation to the owning shard, where it runs
// on the entity's request queue.
func (p *Proxy) Call(ctx context.Context, fname string, args []any) (any, error) {
	return p.router.SendObjRequest(ctx, p.tsid, fname, args)
}
