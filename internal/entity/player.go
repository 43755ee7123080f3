package entity

import "sort"

// SessionRef is the transient backref from an online player to its
// wire session. Populated only while the player is connected; the
// session layer implements it.
type SessionRef interface {
	SessionID() string
	Send(msg map[string]any) error
	QueueChanges(item *Item, removed, compact bool)
	QueueAnnc(annc map[string]any)
	FlushChanges()
}

// Player is a connected (or offline) character. The location backref
// is non-null while the player is active; the session backref is
// populated only when online and never persisted.
type Player struct {
	Base

	location *Ref
	items    map[string]*Ref // inventory, keyed by item TSID
	stats    map[string]*BoundedProp

	sess   SessionRef
	active bool
	load   LoaderFunc
}

func newPlayer(tsid string, body map[string]any, load LoaderFunc) *Player {
	p := &Player{Base: newBase(tsid, body), load: load}
	p.location = takeRef(body, "location", load)
	p.items = takeRefSet(body, "items", load)
	p.stats = make(map[string]*BoundedProp)
	if raw, ok := popKey(body, "stats").(map[string]any); ok {
		for name, v := range raw {
			if prop := boundedPropFrom(name, v); prop != nil {
				p.stats[name] = prop
			}
		}
	}
	return p
}

// Location returns the current location ref (nil for a never-placed
// player).
func (p *Player) Location() *Ref { return p.location }

// LocationTSID returns the current location TSID or "".
func (p *Player) LocationTSID() string {
	if p.location == nil {
		return ""
	}
	return p.location.TSID()
}

// SetLocation repoints the location backref. Moving between locations
// also means moving between the locations' player sets; the request
// body owns that bookkeeping.
func (p *Player) SetLocation(loc *Location) {
	p.location = LiveRef(loc)
	p.Touch()
}

// Items returns the inventory set keyed by item TSID.
func (p *Player) Items() map[string]*Ref { return p.items }

// AddItem puts an item into the inventory and repoints its backref.
func (p *Player) AddItem(it *Item) {
	p.items[it.TSID()] = LiveRef(it)
	it.SetContainer(p.tsid)
	p.Touch()
}

// RemoveItem drops an item from the inventory.
func (p *Player) RemoveItem(tsid string) {
	delete(p.items, tsid)
	p.Touch()
}

// Stats returns the bounded-property table.
func (p *Player) Stats() map[string]*BoundedProp { return p.stats }

// Stat returns a named property, creating an unbounded zero gauge on
// first use so scripted code can rely on presence.
func (p *Player) Stat(name string) *BoundedProp {
	if prop, ok := p.stats[name]; ok {
		return prop
	}
	prop := NewBoundedProp(name, 0, 1<<40, 0)
	p.stats[name] = prop
	return prop
}

// Session returns the transient session backref, nil while offline.
func (p *Player) Session() SessionRef { return p.sess }

// SetSession binds or detaches the wire session. Binding marks the
// player active.
func (p *Player) SetSession(s SessionRef) {
	p.sess = s
	p.active = s != nil
}

// Active reports whether the player is placed in the world.
func (p *Player) Active() bool { return p.active }

// Connected reports whether a live session is attached.
func (p *Player) Connected() bool { return p.sess != nil }

// ChangedProps collects the pending property diff: every changed
// property not flagged no-client-diff, in deterministic order. The
// changed flags are cleared as they are consumed.
func (p *Player) ChangedProps() map[string]any {
	names := make([]string, 0, len(p.stats))
	for name, prop := range p.stats {
		if prop.Changed() && !prop.NoClientDiff() {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	out := make(map[string]any, len(names))
	for _, name := range names {
		prop := p.stats[name]
		out[name] = prop.Value()
		prop.ClearChanged()
	}
	return out
}

func (p *Player) Serialize() map[string]any {
	out := p.serializeBody()
	if p.location != nil {
		out["location"] = RefRecord(p.location.TSID(), p.location.Label())
	}
	out["items"] = refSetArray(p.items)
	stats := make(map[string]any, len(p.stats))
	for name, prop := range p.stats {
		stats[name] = prop.serialize()
	}
	out["stats"] = stats
	return out
}

// Owned covers the entity variants whose only structural edge is an
// owner backref: groups, quests and data containers. The body is
// opaque to the runtime.
type Owned struct {
	Base
	owner *Ref
}

func newOwned(tsid string, body map[string]any, load LoaderFunc) *Owned {
	o := &Owned{Base: newBase(tsid, body)}
	o.owner = takeRef(body, "owner", load)
	return o
}

// Owner returns the owner backref, which must resolve to a live or
// loadable entity.
func (o *Owned) Owner() *Ref { return o.owner }

// OwnerTSID returns the owner TSID or "".
func (o *Owned) OwnerTSID() string {
	if o.owner == nil {
		return ""
	}
	return o.owner.TSID()
}

// SetOwner repoints the owner backref at a live entity.
func (o *Owned) SetOwner(e Entity) {
	o.owner = LiveRef(e)
	o.Touch()
}

func (o *Owned) Serialize() map[string]any {
	out := o.serializeBody()
	if o.owner != nil {
		out["owner"] = RefRecord(o.owner.TSID(), o.owner.Label())
	}
	return out
}
