// Package entity holds the data model of the shard runtime: the Entity
// interface every persisted thing implements, the typed variants
// (locations, geometry, players, items, groups, quests, data
// containers), bounded properties and the objref resolver.
//
// Cross-entity edges are never raw pointers. The world is thickly
// connected (locations ↔ players ↔ items, geometry ↔ location), so
// every edge is a *Ref: a TSID plus a lazily-cached resolved handle.
// This keeps in-process entities cleanly separated from rpc proxies.
package entity

import (
	"fmt"
	"sort"
	"time"
)

// LoaderFunc resolves a TSID to a live entity. The live-object cache
// provides the canonical implementation; refs created while parsing a
// persisted body capture it for lazy resolution.
type LoaderFunc func(tsid string) (Entity, error)

// Entity is implemented by every persisted thing, and by the rpc proxy
// standing in for entities owned by another shard.
type Entity interface {
	TSID() string
	Tag() byte

	// Body is the live opaque body (proxified: nested objref records
	// have been replaced by *Ref handles). Typed collections such as a
	// location's player set live on the variant structs, not here.
	Body() map[string]any

	// Serialize produces the persisted shape of the entity: a fresh
	// JSON-serializable map whose "tsid" field is the primary key.
	// Refs and live entities become minimal objref records; typed
	// collections become arrays.
	Serialize() map[string]any

	Deleted() bool
	SetDeleted()
	Stale() bool
	SetStale(bool)

	// Touch updates the last-modified timestamp.
	Touch()
	LastMod() time.Time
}

// Base carries the fields shared by every entity variant. Entities are
// mutated only on their owning request queue, so no locking is needed
// here.
type Base struct {
	tsid    string
	body    map[string]any
	deleted bool
	stale   bool
	lastMod time.Time
}

func newBase(tsid string, body map[string]any) Base {
	if body == nil {
		body = make(map[string]any)
	}
	body["tsid"] = tsid
	return Base{tsid: tsid, body: body, lastMod: time.Now()}
}

func (b *Base) TSID() string { return b.tsid }

func (b *Base) Tag() byte { return b.tsid[0] }

func (b *Base) Body() map[string]any { return b.body }

func (b *Base) Deleted() bool { return b.deleted }

// SetDeleted marks the entity for removal from persistence on the next
// commit. The flag is transient and never serialized.
func (b *Base) SetDeleted() { b.deleted = true }

func (b *Base) Stale() bool { return b.stale }

// SetStale flags an entity that has been unloaded or superseded; any
// further use indicates a retained handle that should have been
// dropped.
func (b *Base) SetStale(v bool) { b.stale = v }

func (b *Base) Touch() { b.lastMod = time.Now() }

func (b *Base) LastMod() time.Time { return b.lastMod }

// serializeBody deep-copies and refifies the opaque body.
func (b *Base) serializeBody() map[string]any {
	out, _ := Refify(b.body).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	out["tsid"] = b.tsid
	return out
}

// New instantiates the correct entity variant for a persisted body,
// dispatched by the TSID type tag. Nested objref records in the opaque
// body are wrapped with resolver refs bound to load.
func New(tsid string, body map[string]any, load LoaderFunc) (Entity, error) {
	tag, err := TagOf(tsid)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = make(map[string]any)
	}
	body = Proxify(body, load).(map[string]any)
	switch tag {
	case TagLocation:
		return newLocation(tsid, body, load), nil
	case TagGeometry:
		return newGeometry(tsid, body), nil
	case TagPlayer:
		return newPlayer(tsid, body, load), nil
	case TagItem:
		return newItem(tsid, body, load), nil
	case TagBag:
		return newBag(tsid, body, load), nil
	case TagGroup, TagQuest, TagDataContainer:
		return newOwned(tsid, body, load), nil
	}
	return nil, fmt.Errorf("unhandled type tag %c", tag)
}

// takeRef pops key from body and converts it (objref record, *Ref or
// tsid string) into a resolver ref. Returns nil when absent.
func takeRef(body map[string]any, key string, load LoaderFunc) *Ref {
	v, ok := body[key]
	if !ok || v == nil {
		return nil
	}
	delete(body, key)
	switch t := v.(type) {
	case *Ref:
		return t
	case string:
		return NewRef(t, "", load)
	case map[string]any:
		if IsObjRefRecord(t) {
			tsid, _ := t["tsid"].(string)
			label, _ := t["label"].(string)
			return NewRef(tsid, label, load)
		}
	}
	return nil
}

// takeRefSet pops key from body and reconstructs a set-keyed-by-TSID
// from its persisted array form.
func takeRefSet(body map[string]any, key string, load LoaderFunc) map[string]*Ref {
	out := make(map[string]*Ref)
	v, ok := body[key]
	if !ok {
		return out
	}
	delete(body, key)
	arr, ok := v.([]any)
	if !ok {
		return out
	}
	for _, el := range arr {
		switch t := el.(type) {
		case *Ref:
			out[t.TSID()] = t
		case string:
			out[t] = NewRef(t, "", load)
		case map[string]any:
			if IsObjRefRecord(t) {
				tsid, _ := t["tsid"].(string)
				label, _ := t["label"].(string)
				out[tsid] = NewRef(tsid, label, load)
			}
		}
	}
	return out
}

// refSetArray serializes a set-keyed-by-TSID to its persisted array
// form with deterministic order.
func refSetArray(set map[string]*Ref) []any {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		r := set[k]
		out = append(out, RefRecord(r.TSID(), r.Label()))
	}
	return out
}
