package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDispatchesByTag(t *testing.T) {
	tests := []struct {
		tsid string
		want any
	}{
		{"LA1", &Location{}},
		{"GA1", &Geometry{}},
		{"PA1", &Player{}},
		{"IA1", &Item{}},
		{"BA1", &Bag{}},
		{"RA1", &Owned{}},
		{"QA1", &Owned{}},
		{"DA1", &Owned{}},
	}
	for _, tt := range tests {
		t.Run(tt.tsid, func(t *testing.T) {
			e, err := New(tt.tsid, nil, nil)
			require.NoError(t, err)
			assert.IsType(t, tt.want, e)
			assert.Equal(t, tt.tsid, e.TSID())
			assert.Equal(t, tt.tsid, e.Body()["tsid"])
		})
	}

	_, err := New("bogus", nil, nil)
	assert.Error(t, err)
}

func TestItemCountInvariants(t *testing.T) {
	e, err := New("ISTACK", map[string]any{"stackmax": float64(10), "count": float64(3)}, nil)
	require.NoError(t, err)
	it := e.(*Item)

	require.NoError(t, it.SetCount(10))
	assert.Error(t, it.SetCount(11), "count above stackmax must be refused")
	assert.Error(t, it.SetCount(-1), "negative count must be refused")
	assert.Equal(t, int64(10), it.Count())

	// A non-empty stack refuses deletion.
	assert.Error(t, it.Del())
	require.NoError(t, it.SetCount(0))
	require.NoError(t, it.Del())
	assert.True(t, it.Deleted())
}

func TestItemStackMaxFloor(t *testing.T) {
	e, err := New("ISINGLE", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.(*Item).StackMax())
}

func TestItemTimers(t *testing.T) {
	e, err := New("ITIMER", nil, nil)
	require.NoError(t, err)
	it := e.(*Item)
	assert.False(t, it.HasActiveTimers())

	fired := make(chan struct{})
	it.StartTimer("growing", time.Hour, func() { close(fired) })
	assert.True(t, it.HasActiveTimers())

	it.Unload()
	assert.False(t, it.HasActiveTimers())
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestItemTimerDispatch(t *testing.T) {
	e, err := New("ICROP", nil, nil)
	require.NoError(t, err)
	it := e.(*Item)

	runs := make(chan func(), 1)
	it.SetTimerDispatch(func(fn func()) { runs <- fn })

	fired := false
	it.StartTimer("growing", time.Millisecond, func() { fired = true })

	var run func()
	select {
	case run = <-runs:
	case <-time.After(time.Second):
		t.Fatal("expired timer was not dispatched")
	}
	assert.False(t, fired, "callback must not run on the expiry goroutine")
	assert.True(t, it.HasActiveTimers(), "entry stays armed until the callback runs")

	run()
	assert.True(t, fired)
	assert.False(t, it.HasActiveTimers())
}

func TestItemTimerDispatchAfterUnload(t *testing.T) {
	e, err := New("ICROP", nil, nil)
	require.NoError(t, err)
	it := e.(*Item)

	runs := make(chan func(), 1)
	it.SetTimerDispatch(func(fn func()) { runs <- fn })

	fired := false
	it.StartTimer("growing", time.Millisecond, func() { fired = true })
	run := <-runs

	// Unloading between expiry and dispatch execution drops the
	// callback; nothing may mutate an evicted entity.
	it.Unload()
	run()
	assert.False(t, fired)
}

func TestItemTimerRearmInvalidatesPending(t *testing.T) {
	e, err := New("ICROP", nil, nil)
	require.NoError(t, err)
	it := e.(*Item)

	runs := make(chan func(), 2)
	it.SetTimerDispatch(func(fn func()) { runs <- fn })

	firstFired := false
	it.StartTimer("growing", time.Millisecond, func() { firstFired = true })
	run := <-runs

	it.StartTimer("growing", time.Hour, func() {})
	run()
	assert.False(t, firstFired, "replaced timer must not fire")
	assert.True(t, it.HasActiveTimers(), "the replacement stays armed")
}

func TestLocationPlayerAndItemSets(t *testing.T) {
	loc, err := New("LHOME", nil, nil)
	require.NoError(t, err)
	l := loc.(*Location)

	pe, err := New("PBOB", nil, nil)
	require.NoError(t, err)
	p := pe.(*Player)
	ie, err := New("IROCK", nil, nil)
	require.NoError(t, err)
	it := ie.(*Item)

	l.AddPlayer(p)
	l.AddItem(it)
	assert.Contains(t, l.Players(), "PBOB")
	assert.Contains(t, l.Items(), "IROCK")
	assert.Equal(t, "LHOME", it.ContainerTSID())

	// Offline players do not pin the location.
	assert.False(t, l.HasConnectedPlayers())
	p.SetSession(fakeSession{})
	assert.True(t, l.HasConnectedPlayers())

	assert.False(t, l.HasBusyItems())
	it.StartTimer("rot", time.Hour, func() {})
	assert.True(t, l.HasBusyItems())

	l.RemovePlayer("PBOB")
	assert.NotContains(t, l.Players(), "PBOB")
}

func TestLocationSerializeDeterministic(t *testing.T) {
	loc, err := New("LHOME", map[string]any{"label": "Home"}, nil)
	require.NoError(t, err)
	l := loc.(*Location)
	for _, tsid := range []string{"PTED", "PANN", "PMID"} {
		pe, err := New(tsid, nil, nil)
		require.NoError(t, err)
		l.AddPlayer(pe.(*Player))
	}

	out := l.Serialize()
	players := out["players"].([]any)
	require.Len(t, players, 3)
	assert.Equal(t, "PANN", players[0].(map[string]any)["tsid"])
	assert.Equal(t, "PMID", players[1].(map[string]any)["tsid"])
	assert.Equal(t, "PTED", players[2].(map[string]any)["tsid"])
	assert.Equal(t, "Home", out["label"])
	assert.Equal(t, "LHOME", out["tsid"])
}

func TestPlayerSerializeRoundTrip(t *testing.T) {
	body := map[string]any{
		"label":    "Bob",
		"location": map[string]any{"objref": true, "tsid": "LHOME"},
		"items":    []any{map[string]any{"objref": true, "tsid": "IAXE"}},
		"stats": map[string]any{
			"energy": map[string]any{"bottom": float64(0), "top": float64(100), "value": float64(80)},
		},
	}
	e, err := New("PBOB", body, nil)
	require.NoError(t, err)
	p := e.(*Player)

	assert.Equal(t, "LHOME", p.LocationTSID())
	assert.Contains(t, p.Items(), "IAXE")
	assert.Equal(t, int64(80), p.Stat("energy").Value())

	out := p.Serialize()
	assert.Equal(t, map[string]any{"objref": true, "tsid": "LHOME"}, out["location"])
	assert.Equal(t, "IAXE", out["items"].([]any)[0].(map[string]any)["tsid"])
	stats := out["stats"].(map[string]any)["energy"].(map[string]any)
	assert.Equal(t, int64(80), stats["value"])
	assert.Equal(t, "Bob", out["label"])

	// Session state never persists.
	_, ok := out["session"]
	assert.False(t, ok)
}

func TestPlayerChangedProps(t *testing.T) {
	e, err := New("PBOB", nil, nil)
	require.NoError(t, err)
	p := e.(*Player)

	p.Stat("energy").SetVal(50)
	p.Stat("mood").SetVal(7)
	hidden := p.Stat("xp_internal")
	hidden.SetNoClientDiff(true)
	hidden.SetVal(99)

	diff := p.ChangedProps()
	assert.Equal(t, map[string]any{"energy": int64(50), "mood": int64(7)}, diff)

	// Flags are cleared on consumption.
	assert.Nil(t, p.ChangedProps())
}

func TestOwnedSerialize(t *testing.T) {
	e, err := New("QTREE", map[string]any{
		"owner": map[string]any{"objref": true, "tsid": "PBOB"},
		"step":  float64(2),
	}, nil)
	require.NoError(t, err)
	q := e.(*Owned)
	assert.Equal(t, "PBOB", q.OwnerTSID())

	out := q.Serialize()
	assert.Equal(t, map[string]any{"objref": true, "tsid": "PBOB"}, out["owner"])
	assert.Equal(t, float64(2), out["step"])
}

type fakeSession struct{}

func (fakeSession) SessionID() string                   { return "fake" }
func (fakeSession) Send(map[string]any) error           { return nil }
func (fakeSession) QueueChanges(*Item, bool, bool)      {}
func (fakeSession) QueueAnnc(map[string]any)            {}
func (fakeSession) FlushChanges()                       {}
