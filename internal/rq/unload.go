package rq

import (
	"context"
	"log/slog"
	"time"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

// unloadCancelled is the result value of an unload request that found
// the location occupied after all; onDone reopens the queue.
const unloadCancelled = "cancelled"

// UnloadSweeper periodically walks the cached locations and unloads
// the ones nobody needs: no connected player present and no item with
// an active timer. Unloading goes through the location's own request
// queue with close=true, so it serializes after all pending work and
// releases the queue afterwards.
type UnloadSweeper struct {
	w        *world.World
	queues   *Manager
	interval time.Duration
}

func NewUnloadSweeper(w *world.World, queues *Manager, interval time.Duration) *UnloadSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &UnloadSweeper{w: w, queues: queues, interval: interval}
}

// Run executes the periodic check until ctx is cancelled.
func (s *UnloadSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *UnloadSweeper) sweep() {
	for _, loc := range s.w.Locations() {
		s.CheckUnload(loc)
	}
}

// CheckUnload enqueues an unload request for the location when it is
// currently unloadable. The request re-checks on execution: a player
// connecting during the drain cancels the unload and reopens the
// queue.
func (s *UnloadSweeper) CheckUnload(loc *entity.Location) {
	if loc.HasConnectedPlayers() || loc.HasBusyItems() {
		return
	}
	q := s.queues.Get(loc.TSID())
	err := q.Push("unload", func(ctx context.Context) (any, error) {
		return s.unloadBody(ctx, loc)
	}, func(err error, res any) {
		if err != nil {
			slog.Error("location unload failed", "loc", loc.TSID(), "error", err)
			q.Reopen()
			return
		}
		if res == unloadCancelled {
			q.Reopen()
		}
	}, PushOpts{Close: true})
	if err != nil {
		// Already draining; nothing to do.
		return
	}
	slog.Debug("location unload enqueued", "loc", loc.TSID())
}

// unloadBody cascades the unload: stop every contained item's timers
// first, clear the player backref set, then schedule the location and
// its geometry (and the settled items) for eviction after commit.
func (s *UnloadSweeper) unloadBody(ctx context.Context, loc *entity.Location) (any, error) {
	rc, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if loc.HasConnectedPlayers() || loc.HasBusyItems() {
		return unloadCancelled, nil
	}

	for _, ref := range loc.Items() {
		e, ok := ref.Resolved()
		if !ok {
			continue // never loaded, nothing to stop or evict
		}
		if it, ok := e.(*entity.Item); ok {
			it.Unload()
			rc.SetUnload(it)
		}
	}
	for tsid := range loc.Players() {
		loc.RemovePlayer(tsid)
	}

	rc.SetUnload(loc)
	if geo, ok := s.w.Peek(loc.GeoTSID()); ok {
		rc.SetUnload(geo)
	}
	return nil, nil
}
