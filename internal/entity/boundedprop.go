package entity

import "math"

// BoundedProp is a numeric gauge with hard limits: bottom ≤ value ≤
// top. Mutators floor results to integers and silently clamp to the
// limits. Every change flips the changed flag, which the outgoing
// per-player diff consumes and clears.
type BoundedProp struct {
	name         string
	bottom       int64
	top          int64
	value        int64
	changed      bool
	noClientDiff bool
}

// NewBoundedProp creates a gauge. value is clamped into [bottom, top]
// immediately.
func NewBoundedProp(name string, bottom, top, value int64) *BoundedProp {
	p := &BoundedProp{name: name, bottom: bottom, top: top}
	p.value = p.clamp(value)
	return p
}

func (p *BoundedProp) Name() string { return p.name }

func (p *BoundedProp) Bottom() int64 { return p.bottom }

func (p *BoundedProp) Top() int64 { return p.top }

func (p *BoundedProp) Value() int64 { return p.value }

// SetNoClientDiff excludes this property from the outgoing diff.
func (p *BoundedProp) SetNoClientDiff(v bool) { p.noClientDiff = v }

func (p *BoundedProp) NoClientDiff() bool { return p.noClientDiff }

// Changed reports whether the value changed since the last diff flush.
func (p *BoundedProp) Changed() bool { return p.changed }

// ClearChanged is called by the diff collector after emitting.
func (p *BoundedProp) ClearChanged() { p.changed = false }

// SetVal sets the value, flooring and clamping.
func (p *BoundedProp) SetVal(v float64) {
	p.store(int64(math.Floor(v)))
}

// Inc adds delta to the value.
func (p *BoundedProp) Inc(delta float64) {
	p.store(int64(math.Floor(float64(p.value) + delta)))
}

// Dec subtracts delta from the value.
func (p *BoundedProp) Dec(delta float64) {
	p.Inc(-delta)
}

// Mult multiplies the value by factor.
func (p *BoundedProp) Mult(factor float64) {
	p.store(int64(math.Floor(float64(p.value) * factor)))
}

func (p *BoundedProp) store(v int64) {
	v = p.clamp(v)
	if v != p.value {
		p.value = v
		p.changed = true
	}
}

func (p *BoundedProp) clamp(v int64) int64 {
	if v < p.bottom {
		return p.bottom
	}
	if v > p.top {
		return p.top
	}
	return v
}

// serialize produces the persisted shape of the property.
func (p *BoundedProp) serialize() map[string]any {
	return map[string]any{
		"bottom": p.bottom,
		"top":    p.top,
		"value":  p.value,
	}
}

// boundedPropFrom reconstructs a property from its persisted shape.
// Numbers may arrive as float64 (JSON) or integer types (msgpack).
func boundedPropFrom(name string, v any) *BoundedProp {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return NewBoundedProp(name, asInt64(m["bottom"]), asInt64(m["top"]), asInt64(m["value"]))
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(math.Floor(t))
	case float32:
		return int64(math.Floor(float64(t)))
	}
	return 0
}
