package entity

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
)

// IsObjRefRecord reports whether v is a persisted objref placeholder:
// a map carrying objref:true and a tsid. Plain maps that merely happen
// to have a tsid key are not objrefs.
func IsObjRefRecord(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	flag, ok := m["objref"].(bool)
	if !ok || !flag {
		return false
	}
	_, ok = m["tsid"].(string)
	return ok
}

// RefRecord builds a minimal persisted objref record.
func RefRecord(tsid, label string) map[string]any {
	rec := map[string]any{"objref": true, "tsid": tsid}
	if label != "" {
		rec["label"] = label
	}
	return rec
}

// Ref is the resolver handle wrapping an objref. Reading the attributes
// stored on the record itself (tsid, label) never loads anything;
// reading anything else resolves the target through the live-object
// cache on first access, which may cross shards via rpc.
type Ref struct {
	tsid  string
	label string
	load  LoaderFunc

	mu     sync.Mutex
	target Entity
}

// NewRef creates an unresolved ref bound to a loader.
func NewRef(tsid, label string, load LoaderFunc) *Ref {
	return &Ref{tsid: tsid, label: label, load: load}
}

// LiveRef wraps an already-loaded entity so it can sit in a ref set
// without a later cache round-trip.
func LiveRef(e Entity) *Ref {
	return &Ref{tsid: e.TSID(), target: e}
}

// TSID returns the stored target id without resolving.
func (r *Ref) TSID() string { return r.tsid }

// Label returns the stored label, which may be empty, without
// resolving.
func (r *Ref) Label() string { return r.label }

// Resolved returns the target if it has been loaded already. It never
// triggers a load.
func (r *Ref) Resolved() (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target, r.target != nil
}

// Resolve loads the referenced entity on first call and caches the
// handle. Failure surfaces as an ObjRefError.
func (r *Ref) Resolve() (Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target != nil {
		return r.target, nil
	}
	if r.load == nil {
		return nil, &eserr.ObjRefError{TSID: r.tsid, Err: fmt.Errorf("no loader bound")}
	}
	e, err := r.load(r.tsid)
	if err != nil {
		return nil, &eserr.ObjRefError{TSID: r.tsid, Err: err}
	}
	r.target = e
	return e, nil
}

// Get reads an attribute. tsid and label come from the record directly;
// any other key resolves the target and reads its body.
func (r *Ref) Get(key string) (any, error) {
	switch key {
	case "tsid":
		return r.tsid, nil
	case "label":
		if r.label != "" {
			return r.label, nil
		}
	}
	e, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	return e.Body()[key], nil
}

// Set writes an attribute on the loaded target.
func (r *Ref) Set(key string, v any) error {
	e, err := r.Resolve()
	if err != nil {
		return err
	}
	e.Body()[key] = v
	e.Touch()
	return nil
}

// Delete removes an attribute from the loaded target.
func (r *Ref) Delete(key string) error {
	e, err := r.Resolve()
	if err != nil {
		return err
	}
	delete(e.Body(), key)
	e.Touch()
	return nil
}

// Has reports whether the loaded target's body has the key.
func (r *Ref) Has(key string) (bool, error) {
	if key == "tsid" || (key == "label" && r.label != "") {
		return true, nil
	}
	e, err := r.Resolve()
	if err != nil {
		return false, err
	}
	_, ok := e.Body()[key]
	return ok, nil
}

// Keys enumerates the loaded target's own body keys.
func (r *Ref) Keys() ([]string, error) {
	e, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(e.Body()))
	for k := range e.Body() {
		keys = append(keys, k)
	}
	return keys, nil
}

// Proxify walks a decoded body and replaces every objref record with a
// resolver ref, in place where possible. Cyclic structures are
// tolerated via a visited set keyed on container identity.
func Proxify(root any, load LoaderFunc) any {
	return proxify(root, load, map[uintptr]bool{})
}

func proxify(v any, load LoaderFunc, seen map[uintptr]bool) any {
	switch t := v.(type) {
	case map[string]any:
		if IsObjRefRecord(t) {
			tsid, _ := t["tsid"].(string)
			label, _ := t["label"].(string)
			return NewRef(tsid, label, load)
		}
		p := reflect.ValueOf(t).Pointer()
		if seen[p] {
			return t
		}
		seen[p] = true
		for k, el := range t {
			t[k] = proxify(el, load, seen)
		}
		return t
	case []any:
		p := reflect.ValueOf(t).Pointer()
		if seen[p] {
			return t
		}
		seen[p] = true
		for i, el := range t {
			t[i] = proxify(el, load, seen)
		}
		return t
	default:
		return v
	}
}

// Refify is the inverse transform: it produces a JSON-serializable
// shape where every resolver ref and live entity becomes a minimal
// objref record. Unresolved refs are never resolved; entities flagged
// deleted are dropped; plain maps that merely carry a tsid key pass
// through untouched.
func Refify(root any) any {
	return refify(root, map[uintptr]any{})
}

func refify(v any, seen map[uintptr]any) any {
	switch t := v.(type) {
	case *Ref:
		return RefRecord(t.TSID(), t.Label())
	case Entity:
		if t.Deleted() {
			return nil
		}
		return RefRecord(t.TSID(), "")
	case map[string]any:
		p := reflect.ValueOf(t).Pointer()
		if out, ok := seen[p]; ok {
			return out
		}
		out := make(map[string]any, len(t))
		seen[p] = out
		for k, el := range t {
			r := refify(el, seen)
			if r == nil && el != nil {
				continue // dropped deleted entity
			}
			out[k] = r
		}
		return out
	case []any:
		p := reflect.ValueOf(t).Pointer()
		if out, ok := seen[p]; ok {
			// nil while the slice is still being built: appends
			// reallocate, so a self-reference cannot point at the
			// final copy and is dropped instead.
			return out
		}
		seen[p] = nil
		out := make([]any, 0, len(t))
		for _, el := range t {
			r := refify(el, seen)
			if r == nil && el != nil {
				continue
			}
			out = append(out, r)
		}
		seen[p] = out
		return out
	default:
		return v
	}
}
