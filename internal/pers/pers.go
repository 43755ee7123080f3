// Package pers is the persistence gateway: a thin, back-end-agnostic
// adapter between the request engine's commit phase and a key-value
// store of JSON blobs. Entities persist as one blob per TSID.
//
// The gateway itself holds no policy beyond commit ordering: all
// writes first, then all deletes, and on the first write error the
// deletes are skipped so a failed request never half-applies.
package pers

import (
	"context"
	"sort"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
	"github.com/ElevenGiants/eleven-server-sub000/internal/metrics"
)

// Backend is the pluggable key-value store interface. Implementations
// must be safe for concurrent use; every queue worker may call them.
type Backend interface {
	// Read returns the stored body for tsid, or nil when absent.
	Read(ctx context.Context, tsid string) (map[string]any, error)

	// Write persists body, keyed by its "tsid" field. soft requests
	// reduced durability (no-reply); low-priority writes use it.
	Write(ctx context.Context, body map[string]any, soft bool) error

	// Del removes the blob stored under tsid.
	Del(ctx context.Context, tsid string) error

	Close() error
}

// Gateway wraps a Backend with commit semantics and metrics. It is
// used only through the request engine's commit phase plus cache-miss
// reads.
type Gateway struct {
	back Backend
}

func NewGateway(back Backend) *Gateway {
	return &Gateway{back: back}
}

// Read fetches a raw body. Absence is a NotFoundError, not a nil map,
// so callers never confuse "empty" with "missing".
func (g *Gateway) Read(ctx context.Context, tsid string) (map[string]any, error) {
	body, err := g.back.Read(ctx, tsid)
	if err != nil {
		metrics.PersOps.WithLabelValues("read", "error").Inc()
		return nil, &eserr.PersistenceError{Op: "read", TSID: tsid, Err: err}
	}
	if body == nil {
		metrics.PersOps.WithLabelValues("read", "miss").Inc()
		return nil, &eserr.NotFoundError{TSID: tsid}
	}
	metrics.PersOps.WithLabelValues("read", "ok").Inc()
	return body, nil
}

// Commit persists a request's dirty and unload sets: serialized
// writes for live entities first, deletes for entities flagged
// deleted after. Entities only in the unload set carry their last
// in-memory state out of the cache and take the soft write path.
// TSIDs are processed in sorted order so a replayed commit touches
// the store identically. On the first write error the commit aborts
// with a PersistenceError and no delete is issued.
func (g *Gateway) Commit(ctx context.Context, dirty, unload map[string]entity.Entity) error {
	if len(dirty) == 0 && len(unload) == 0 {
		return nil
	}
	all := make(map[string]entity.Entity, len(dirty)+len(unload))
	for tsid, e := range unload {
		all[tsid] = e
	}
	for tsid, e := range dirty {
		all[tsid] = e
	}
	tsids := make([]string, 0, len(all))
	for tsid := range all {
		tsids = append(tsids, tsid)
	}
	sort.Strings(tsids)

	var dels []string
	for _, tsid := range tsids {
		e := all[tsid]
		if e.Deleted() {
			dels = append(dels, tsid)
			continue
		}
		if _, hard := dirty[tsid]; !hard {
			if err := g.WriteSoft(ctx, e.Serialize()); err != nil {
				return err
			}
			continue
		}
		if err := g.back.Write(ctx, e.Serialize(), false); err != nil {
			metrics.PersOps.WithLabelValues("write", "error").Inc()
			return &eserr.PersistenceError{Op: "write", TSID: tsid, Err: err}
		}
		metrics.PersOps.WithLabelValues("write", "ok").Inc()
	}
	for _, tsid := range dels {
		if err := g.back.Del(ctx, tsid); err != nil {
			metrics.PersOps.WithLabelValues("del", "error").Inc()
			return &eserr.PersistenceError{Op: "del", TSID: tsid, Err: err}
		}
		metrics.PersOps.WithLabelValues("del", "ok").Inc()
	}
	return nil
}

// WriteSoft persists a single body with the soft-durability hint.
func (g *Gateway) WriteSoft(ctx context.Context, body map[string]any) error {
	if err := g.back.Write(ctx, body, true); err != nil {
		metrics.PersOps.WithLabelValues("write_soft", "error").Inc()
		tsid, _ := body["tsid"].(string)
		return &eserr.PersistenceError{Op: "write", TSID: tsid, Err: err}
	}
	metrics.PersOps.WithLabelValues("write_soft", "ok").Inc()
	return nil
}

func (g *Gateway) Close() error {
	return g.back.Close()
}
