package rq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
)

func loadLocation(t *testing.T, m *Manager, tsid string) *entity.Location {
	t.Helper()
	q := m.Get("setup")
	res, err := push(t, q, "seed", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		loc, err := rc.Create(ctx, entity.TagLocation, tsid, nil)
		if err != nil {
			return nil, err
		}
		geoTSID := string(rune(entity.TagGeometry)) + entity.Suffix(tsid)
		if _, err := rc.Create(ctx, entity.TagGeometry, geoTSID, nil); err != nil {
			return nil, err
		}
		return loc, nil
	})
	require.NoError(t, err)
	return res.(*entity.Location)
}

func TestUnloadEvictsIdleLocation(t *testing.T) {
	m, w, back := newEngine(t)
	loc := loadLocation(t, m, "LIDLE1")
	require.NotNil(t, w)

	s := NewUnloadSweeper(w, m, time.Minute)
	s.CheckUnload(loc)

	q, ok := m.Peek(loc.TSID())
	require.True(t, ok)
	select {
	case <-q.Released():
	case <-time.After(5 * time.Second):
		t.Fatal("unload queue did not release")
	}

	_, cached := w.Peek("LIDLE1")
	assert.False(t, cached, "idle location must leave the cache")
	_, cached = w.Peek("GIDLE1")
	assert.False(t, cached, "paired geometry unloads with its location")
	assert.True(t, back.Has("LIDLE1"), "unload commits before eviction")
	assert.True(t, loc.Stale())
}

func TestUnloadPersistsClearedPlayerSet(t *testing.T) {
	m, w, back := newEngine(t)
	loc := loadLocation(t, m, "LGHOST1")

	// An offline player lingering in the set does not pin the
	// location, but its backref must not survive the unload.
	q := m.Get("PGHOST")
	_, err := push(t, q, "enter", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		pe, err := rc.Create(ctx, entity.TagPlayer, "PGHOST", nil)
		if err != nil {
			return nil, err
		}
		loc.AddPlayer(pe.(*entity.Player))
		rc.SetDirty(loc)
		return nil, nil
	})
	require.NoError(t, err)

	s := NewUnloadSweeper(w, m, time.Minute)
	s.CheckUnload(loc)
	lq, ok := m.Peek(loc.TSID())
	require.True(t, ok)
	select {
	case <-lq.Released():
	case <-time.After(5 * time.Second):
		t.Fatal("unload queue did not release")
	}

	// The commit carried the unload-time state to the store.
	body, err := back.Read(context.Background(), "LGHOST1")
	require.NoError(t, err)
	players, _ := body["players"].([]any)
	assert.Empty(t, players, "evicted location persists without player backrefs")
}

func TestUnloadSkipsOccupiedLocation(t *testing.T) {
	m, w, _ := newEngine(t)
	loc := loadLocation(t, m, "LBUSY1")

	q := m.Get("PGUEST")
	_, err := push(t, q, "enter", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		pe, err := rc.Create(ctx, entity.TagPlayer, "PGUEST", nil)
		if err != nil {
			return nil, err
		}
		p := pe.(*entity.Player)
		p.SetSession(stubSession{})
		loc.AddPlayer(p)
		rc.SetDirty(loc)
		return nil, nil
	})
	require.NoError(t, err)

	s := NewUnloadSweeper(w, m, time.Minute)
	s.CheckUnload(loc)

	// No unload request was enqueued for the occupied location.
	if lq, ok := m.Peek(loc.TSID()); ok {
		_, err := push(t, lq, "probe", func(ctx context.Context) (any, error) {
			return nil, nil
		})
		require.NoError(t, err, "location queue must still accept work")
	}
	_, cached := w.Peek("LBUSY1")
	assert.True(t, cached)
}

func TestUnloadStopsItemTimers(t *testing.T) {
	m, w, _ := newEngine(t)
	loc := loadLocation(t, m, "LFARM1")

	var it *entity.Item
	q := m.Get(loc.TSID())
	_, err := push(t, q, "plant", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		ie, err := rc.Create(ctx, entity.TagItem, "ICROP1", map[string]any{"tcont": loc.TSID()})
		if err != nil {
			return nil, err
		}
		it = ie.(*entity.Item)
		loc.AddItem(it)
		rc.SetDirty(loc)
		return nil, nil
	})
	require.NoError(t, err)

	// An armed timer pins the location.
	it.StartTimer("growing", time.Hour, func() {})
	s := NewUnloadSweeper(w, m, time.Minute)
	s.CheckUnload(loc)
	_, cached := w.Peek("LFARM1")
	assert.True(t, cached)

	// Once the timer is gone the unload cascades through the items.
	it.Unload()
	s.CheckUnload(loc)
	lq, ok := m.Peek(loc.TSID())
	if ok {
		select {
		case <-lq.Released():
		case <-time.After(5 * time.Second):
			t.Fatal("unload queue did not release")
		}
	}
	_, cached = w.Peek("LFARM1")
	assert.False(t, cached)
	_, cached = w.Peek("ICROP1")
	assert.False(t, cached, "settled items unload with the location")
	assert.False(t, it.HasActiveTimers())
}

type stubSession struct{}

func (stubSession) SessionID() string                          { return "stub" }
func (stubSession) Send(map[string]any) error                  { return nil }
func (stubSession) QueueChanges(*entity.Item, bool, bool)      {}
func (stubSession) QueueAnnc(map[string]any)                   {}
func (stubSession) FlushChanges()                              {}
