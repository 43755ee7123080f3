package rpc

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/ElevenGiants/eleven-server-sub000/internal/config"
	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
)

// maxChainDepth bounds container/owner chains while resolving
// ownership, so a corrupted backref cycle cannot spin forever.
const maxChainDepth = 16

// mintAttempts bounds the rejection sampling in MakeLocalTsid.
const mintAttempts = 256

// BodyResolver fetches the raw persisted body of an entity for
// ownership chain walks: live cache first, store second.
type BodyResolver func(ctx context.Context, tsid string) (map[string]any, error)

// Router maps any entity to its owning shard and hands out transport
// clients for the remote ones.
//
// The mapping is deterministic given the cluster configuration:
// locations, geometry and groups hash their TSID suffix into the
// shard table (suffix, not full TSID, so a location and its geometry
// always co-map); players follow their current location; items and
// bags their top container; quests and data containers their owner.
type Router struct {
	selfID int
	gsid   string
	shards []config.ShardEntry

	mu      sync.Mutex
	resolve BodyResolver
	clients map[int]*Client
}

func NewRouter(selfID int, shards []config.ShardEntry) *Router {
	return &Router{
		selfID:  selfID,
		gsid:    fmt.Sprintf("gs%02d", selfID),
		shards:  shards,
		clients: make(map[int]*Client),
	}
}

// GSID is this shard's caller id on the wire.
func (r *Router) GSID() string { return r.gsid }

// SetResolver installs the body resolver. Late-bound because the
// live-object cache and the router construct each other's inputs.
func (r *Router) SetResolver(fn BodyResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolve = fn
}

// RegisterClient attaches the transport client for a peer shard.
func (r *Router) RegisterClient(shardID int, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[shardID] = c
}

// ClientFor returns the transport client for a peer shard.
func (r *Router) ClientFor(shardID int) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[shardID]
	if !ok {
		return nil, fmt.Errorf("no rpc client for shard %d", shardID)
	}
	return c, nil
}

// MapToShard resolves the owning shard of a TSID.
func (r *Router) MapToShard(ctx context.Context, tsid string) (int, error) {
	return r.mapToShard(ctx, tsid, 0)
}

func (r *Router) mapToShard(ctx context.Context, tsid string, depth int) (int, error) {
	if depth > maxChainDepth {
		return 0, fmt.Errorf("ownership chain too deep at %s", tsid)
	}
	tag, err := entity.TagOf(tsid)
	if err != nil {
		return 0, err
	}
	switch tag {
	case entity.TagLocation, entity.TagGeometry, entity.TagGroup:
		return r.hashShard(entity.Suffix(tsid)), nil
	case entity.TagPlayer:
		loc, err := r.edge(ctx, tsid, "location")
		if err != nil {
			return 0, err
		}
		if loc == "" {
			// A player without a location has no better home than
			// the hash of its own id.
			return r.hashShard(entity.Suffix(tsid)), nil
		}
		return r.mapToShard(ctx, loc, depth+1)
	case entity.TagItem, entity.TagBag:
		cont, err := r.edge(ctx, tsid, "tcont")
		if err != nil {
			return 0, err
		}
		if cont == "" {
			return 0, fmt.Errorf("item %s has no container", tsid)
		}
		return r.mapToShard(ctx, cont, depth+1)
	case entity.TagQuest, entity.TagDataContainer:
		owner, err := r.edge(ctx, tsid, "owner")
		if err != nil {
			return 0, err
		}
		if owner == "" {
			return 0, fmt.Errorf("%s has no owner", tsid)
		}
		return r.mapToShard(ctx, owner, depth+1)
	}
	return 0, fmt.Errorf("unhandled type tag %c", tag)
}

// edge reads a single reference field from the entity's body.
func (r *Router) edge(ctx context.Context, tsid, field string) (string, error) {
	r.mu.Lock()
	resolve := r.resolve
	r.mu.Unlock()
	if resolve == nil {
		return "", fmt.Errorf("router has no body resolver")
	}
	body, err := resolve(ctx, tsid)
	if err != nil {
		return "", fmt.Errorf("resolving %s for mapping: %w", tsid, err)
	}
	return refTsid(body[field]), nil
}

// refTsid extracts the target TSID from any reference shape: objref
// record, resolver ref, live entity or plain tsid string.
func refTsid(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *entity.Ref:
		return t.TSID()
	case entity.Entity:
		return t.TSID()
	case map[string]any:
		if s, ok := t["tsid"].(string); ok {
			return s
		}
	}
	return ""
}

func (r *Router) hashShard(suffix string) int {
	h := fnv.New32a()
	h.Write([]byte(suffix))
	return r.shards[int(h.Sum32())%len(r.shards)].ID
}

// IsLocal reports whether this shard owns the TSID.
func (r *Router) IsLocal(tsid string) (bool, error) {
	shard, err := r.MapToShard(context.Background(), tsid)
	if err != nil {
		return false, err
	}
	return shard == r.selfID, nil
}

// MakeLocalTsid mints a TSID that maps back to this shard. Valid only
// for top-level types; everything else inherits placement from its
// container or owner.
func (r *Router) MakeLocalTsid(tag byte) (string, error) {
	if !entity.TopLevelTag(tag) {
		return "", fmt.Errorf("type %c does not get independent placement", tag)
	}
	for i := 0; i < mintAttempts; i++ {
		tsid := entity.NewTSID(tag)
		if r.hashShard(entity.Suffix(tsid)) == r.selfID {
			return tsid, nil
		}
	}
	return "", fmt.Errorf("could not mint local tsid for %c after %d attempts", tag, mintAttempts)
}

// OwnerRoot resolves the entity whose request queue serializes work on
// tsid: players, locations and groups root themselves, geometry roots
// its location, items and bags their top container's root, quests and
// data containers their owner's root.
func (r *Router) OwnerRoot(ctx context.Context, tsid string) (string, error) {
	return r.ownerRoot(ctx, tsid, 0)
}

func (r *Router) ownerRoot(ctx context.Context, tsid string, depth int) (string, error) {
	if depth > maxChainDepth {
		return "", fmt.Errorf("ownership chain too deep at %s", tsid)
	}
	tag, err := entity.TagOf(tsid)
	if err != nil {
		return "", err
	}
	switch tag {
	case entity.TagLocation, entity.TagPlayer, entity.TagGroup:
		return tsid, nil
	case entity.TagGeometry:
		return string(entity.TagLocation) + entity.Suffix(tsid), nil
	case entity.TagItem, entity.TagBag:
		cont, err := r.edge(ctx, tsid, "tcont")
		if err != nil {
			return "", err
		}
		if cont == "" {
			return "", fmt.Errorf("item %s has no container", tsid)
		}
		return r.ownerRoot(ctx, cont, depth+1)
	case entity.TagQuest, entity.TagDataContainer:
		owner, err := r.edge(ctx, tsid, "owner")
		if err != nil {
			return "", err
		}
		if owner == "" {
			return "", fmt.Errorf("%s has no owner", tsid)
		}
		return r.ownerRoot(ctx, owner, depth+1)
	}
	return "", fmt.Errorf("unhandled type tag %c", tag)
}

// Proxy wraps a remotely-owned TSID in an entity handle.
func (r *Router) Proxy(tsid string) entity.Entity {
	return newProxy(tsid, r)
}

// SendObjRequest invokes a method on the named entity in the request
// context of its owning shard.
func (r *Router) SendObjRequest(ctx context.Context, tsid, fname string, args []any) (any, error) {
	shard, err := r.MapToShard(ctx, tsid)
	if err != nil {
		return nil, err
	}
	c, err := r.ClientFor(shard)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, "obj", []any{r.gsid, tsid, fname, args})
}

// SendAPIRequest invokes a global script-layer api call on a peer.
func (r *Router) SendAPIRequest(ctx context.Context, shardID int, fname string, args []any) (any, error) {
	c, err := r.ClientFor(shardID)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, "api", []any{fname, args})
}
