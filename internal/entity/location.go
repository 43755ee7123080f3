package entity

// Location is a place in the world. It carries the set of players
// currently inside, the set of items on the floor, and a 1:1 paired
// geometry entity whose TSID shares the location's suffix.
type Location struct {
	Base

	// players and items are sets keyed by TSID; they persist as
	// arrays of objref records.
	players map[string]*Ref
	items   map[string]*Ref
}

func newLocation(tsid string, body map[string]any, load LoaderFunc) *Location {
	l := &Location{Base: newBase(tsid, body)}
	l.players = takeRefSet(body, "players", load)
	l.items = takeRefSet(body, "items", load)
	return l
}

// GeoTSID returns the TSID of the paired geometry entity.
func (l *Location) GeoTSID() string {
	return string(TagGeometry) + Suffix(l.tsid)
}

// Players returns the live player set keyed by TSID.
func (l *Location) Players() map[string]*Ref { return l.players }

// Items returns the live item set keyed by TSID.
func (l *Location) Items() map[string]*Ref { return l.items }

// AddPlayer registers a player in the location. The caller is
// responsible for marking both sides dirty.
func (l *Location) AddPlayer(p *Player) {
	l.players[p.TSID()] = LiveRef(p)
	l.Touch()
}

// RemovePlayer drops a player from the location's set.
func (l *Location) RemovePlayer(tsid string) {
	delete(l.players, tsid)
	l.Touch()
}

// AddItem registers an item on the floor and points its container
// backref at this location.
func (l *Location) AddItem(it *Item) {
	l.items[it.TSID()] = LiveRef(it)
	it.SetContainer(l.tsid)
	l.Touch()
}

// RemoveItem drops an item from the floor set.
func (l *Location) RemoveItem(tsid string) {
	delete(l.items, tsid)
	l.Touch()
}

// HasConnectedPlayers reports whether any player in the set is online.
// Unresolved refs count as not connected: a player with a live session
// is always resolved, because the session's login request loaded it.
func (l *Location) HasConnectedPlayers() bool {
	for _, ref := range l.players {
		e, ok := ref.Resolved()
		if !ok {
			continue
		}
		if p, ok := e.(*Player); ok && p.Connected() {
			return true
		}
	}
	return false
}

// HasBusyItems reports whether any resolved item in the location still
// has an active timer. Such a location must not be unloaded.
func (l *Location) HasBusyItems() bool {
	for _, ref := range l.items {
		e, ok := ref.Resolved()
		if !ok {
			continue
		}
		if it, ok := e.(*Item); ok && it.HasActiveTimers() {
			return true
		}
	}
	return false
}

func (l *Location) Serialize() map[string]any {
	out := l.serializeBody()
	out["players"] = refSetArray(l.players)
	out["items"] = refSetArray(l.items)
	return out
}

// Geometry holds the layer/connect data paired 1:1 with a location.
// Its body is opaque to the runtime.
type Geometry struct {
	Base
}

func newGeometry(tsid string, body map[string]any) *Geometry {
	return &Geometry{Base: newBase(tsid, body)}
}

// LocTSID returns the TSID of the paired location.
func (g *Geometry) LocTSID() string {
	return string(TagLocation) + Suffix(g.tsid)
}

func (g *Geometry) Serialize() map[string]any {
	return g.serializeBody()
}
