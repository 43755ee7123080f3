package pers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InMem is a map-backed Backend used by tests and single-process
// development shards (back_end: inmem). Bodies are deep-copied through
// JSON on the way in and out so callers never alias stored state.
type InMem struct {
	mu         sync.RWMutex
	objects    map[string][]byte
	softWrites int

	// FailWrites / FailDels inject back-end errors; nil disables.
	FailWrites error
	FailDels   error
}

func NewInMem() *InMem {
	return &InMem{objects: make(map[string][]byte)}
}

func (m *InMem) Read(ctx context.Context, tsid string) (map[string]any, error) {
	m.mu.RLock()
	raw, ok := m.objects[tsid]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding stored body %s: %w", tsid, err)
	}
	return body, nil
}

func (m *InMem) Write(ctx context.Context, body map[string]any, soft bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	tsid, ok := body["tsid"].(string)
	if !ok || tsid == "" {
		return fmt.Errorf("body without tsid")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding body %s: %w", tsid, err)
	}
	m.objects[tsid] = raw
	if soft {
		m.softWrites++
	}
	return nil
}

func (m *InMem) Del(ctx context.Context, tsid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDels != nil {
		return m.FailDels
	}
	delete(m.objects, tsid)
	return nil
}

func (m *InMem) Close() error { return nil }

// Count returns the number of stored blobs.
func (m *InMem) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// SoftWrites returns how many writes carried the soft hint.
func (m *InMem) SoftWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.softWrites
}

// Has reports whether a blob is stored under tsid.
func (m *InMem) Has(tsid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[tsid]
	return ok
}
