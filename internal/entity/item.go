package entity

import (
	"fmt"
	"sync"
	"time"
)

// Item is a thing that lives in exactly one container at any time: a
// player's inventory, a location floor, or a bag. Stacks carry a count
// bounded below by zero; stackmax is at least one.
type Item struct {
	Base

	container *Ref // tcont backref: player, location or bag
	count     int64
	stackMax  int64
	slot      int64
	x, y      int64
	classTSID string
	label     string
	load      LoaderFunc

	// Gameplay timers ("growing", "running", ...). A location with
	// items holding active timers refuses to unload. The map is
	// touched from the expiry goroutine, so it has its own lock.
	timerMu   sync.Mutex
	timers    map[string]*time.Timer
	dispatch  func(fn func())
	suspended bool
}

func newItem(tsid string, body map[string]any, load LoaderFunc) *Item {
	it := &Item{}
	initItem(it, tsid, body, load)
	return it
}

// initItem fills an Item in place so Bag can embed one without copying
// its lock.
func initItem(it *Item, tsid string, body map[string]any, load LoaderFunc) {
	it.Base = newBase(tsid, body)
	it.timers = make(map[string]*time.Timer)
	it.load = load
	it.container = takeRef(body, "tcont", load)
	it.count = asInt64(popKey(body, "count"))
	it.stackMax = asInt64(popKey(body, "stackmax"))
	if it.stackMax < 1 {
		it.stackMax = 1
	}
	it.slot = asInt64(popKey(body, "slot"))
	it.x = asInt64(popKey(body, "x"))
	it.y = asInt64(popKey(body, "y"))
	it.classTSID, _ = popKey(body, "class_tsid").(string)
	it.label, _ = popKey(body, "label").(string)
}

func popKey(body map[string]any, key string) any {
	v, ok := body[key]
	if ok {
		delete(body, key)
	}
	return v
}

// Container returns the tcont backref (nil while detached during a
// transfer inside one request).
func (i *Item) Container() *Ref { return i.container }

// ContainerTSID returns the tcont TSID or "" when detached.
func (i *Item) ContainerTSID() string {
	if i.container == nil {
		return ""
	}
	return i.container.TSID()
}

// SetContainer repoints the backref. An item has exactly one live
// container at any instant; the caller moves it out of the previous
// container's set first.
func (i *Item) SetContainer(tsid string) {
	if tsid == "" {
		i.container = nil
	} else {
		i.container = NewRef(tsid, "", i.load)
	}
	i.Touch()
}

func (i *Item) Count() int64 { return i.count }

func (i *Item) StackMax() int64 { return i.stackMax }

// SetCount adjusts the stack count. Negative values are rejected and
// values above stackmax refused, keeping the invariants count ≥ 0 and
// count ≤ stackmax.
func (i *Item) SetCount(n int64) error {
	if n < 0 {
		return fmt.Errorf("item %s: negative count %d", i.tsid, n)
	}
	if n > i.stackMax {
		return fmt.Errorf("item %s: count %d exceeds stackmax %d", i.tsid, n, i.stackMax)
	}
	i.count = n
	i.Touch()
	return nil
}

// Del marks a stack for deletion. Stacks must be emptied first.
func (i *Item) Del() error {
	if i.stackMax > 1 && i.count != 0 {
		return fmt.Errorf("item %s: deleting stack with count %d", i.tsid, i.count)
	}
	i.SetDeleted()
	return nil
}

func (i *Item) Slot() int64 { return i.slot }

func (i *Item) SetSlot(s int64) {
	i.slot = s
	i.Touch()
}

func (i *Item) Pos() (x, y int64) { return i.x, i.y }

func (i *Item) SetPos(x, y int64) {
	i.x, i.y = x, y
	i.Touch()
}

func (i *Item) ClassTSID() string { return i.classTSID }

func (i *Item) Label() string { return i.label }

// SetTimerDispatch installs the hand-off for expired timers. Entity
// mutations happen only on the owning request queue, so the dispatcher
// must route the closure there; without one the callback runs directly
// on the expiry goroutine.
func (i *Item) SetTimerDispatch(d func(fn func())) {
	i.timerMu.Lock()
	i.dispatch = d
	i.timerMu.Unlock()
}

// StartTimer arms a named gameplay timer. Restarting an existing name
// replaces the previous timer; a replaced or unloaded timer whose
// expiry is already in flight is detected by entry identity and never
// runs its callback.
func (i *Item) StartTimer(name string, d time.Duration, fn func()) {
	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	if old, ok := i.timers[name]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		i.timerMu.Lock()
		dispatch := i.dispatch
		i.timerMu.Unlock()
		run := func() {
			i.timerMu.Lock()
			live := i.timers[name] == t
			if live {
				delete(i.timers, name)
			}
			i.timerMu.Unlock()
			if live {
				fn()
			}
		}
		if dispatch != nil {
			dispatch(run)
			return
		}
		run()
	})
	i.timers[name] = t
	i.suspended = false
}

// HasActiveTimers reports whether any timer is armed and not
// suspended.
func (i *Item) HasActiveTimers() bool {
	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	return !i.suspended && len(i.timers) > 0
}

// Unload stops all timers; called while cascading a location unload so
// no callback fires against an evicted entity.
func (i *Item) Unload() {
	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	for name, t := range i.timers {
		t.Stop()
		delete(i.timers, name)
	}
	i.suspended = true
}

func (i *Item) Serialize() map[string]any {
	out := i.serializeBody()
	if i.container != nil {
		out["tcont"] = RefRecord(i.container.TSID(), i.container.Label())
	}
	out["count"] = i.count
	out["stackmax"] = i.stackMax
	out["slot"] = i.slot
	out["x"] = i.x
	out["y"] = i.y
	if i.classTSID != "" {
		out["class_tsid"] = i.classTSID
	}
	if i.label != "" {
		out["label"] = i.label
	}
	return out
}

// Bag is an item that itself contains items.
type Bag struct {
	Item
	contents map[string]*Ref
}

func newBag(tsid string, body map[string]any, load LoaderFunc) *Bag {
	b := &Bag{}
	initItem(&b.Item, tsid, body, load)
	b.contents = takeRefSet(body, "items", load)
	return b
}

// Contents returns the contained item set keyed by TSID.
func (b *Bag) Contents() map[string]*Ref { return b.contents }

// AddItem places an item into the bag and repoints its backref.
func (b *Bag) AddItem(it *Item) {
	b.contents[it.TSID()] = LiveRef(it)
	it.SetContainer(b.tsid)
	b.Touch()
}

// RemoveItem drops an item from the bag.
func (b *Bag) RemoveItem(tsid string) {
	delete(b.contents, tsid)
	b.Touch()
}

func (b *Bag) Serialize() map[string]any {
	out := b.Item.Serialize()
	out["items"] = refSetArray(b.contents)
	return out
}
