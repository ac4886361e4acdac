package contextstore

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Provider bounded by entry count (LRU) and idle TTL.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	maxItems int
	maxBytes int
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	token    string
	snap     Snapshot
	lastUsed time.Time
}

// NewMemory creates a memory provider. Zero values disable the matching bound.
func NewMemory(maxItems, maxBytes int, ttl time.Duration) *Memory {
	return &Memory{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxItems: maxItems,
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Store implements Provider.
func (m *Memory) Store(_ context.Context, token, document, target string) error {
	snap := Snapshot{Document: document, Target: target}
	if err := checkSize(snap, m.maxBytes); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[token]; ok {
		m.order.Remove(el)
		delete(m.entries, token)
	}
	m.entries[token] = m.order.PushFront(&memoryEntry{token: token, snap: snap, lastUsed: m.now()})

	for m.maxItems > 0 && m.order.Len() > m.maxItems {
		m.removeLocked(m.order.Back())
	}
	return nil
}

// RetrieveDocument implements Provider.
func (m *Memory) RetrieveDocument(_ context.Context, token string) (string, error) {
	snap, err := m.get(token)
	if err != nil {
		return "", err
	}
	return snap.Document, nil
}

// RetrieveTarget implements Provider.
func (m *Memory) RetrieveTarget(_ context.Context, token string) (string, error) {
	snap, err := m.get(token)
	if err != nil {
		return "", err
	}
	return snap.Target, nil
}

// Touch implements Provider.
func (m *Memory) Touch(_ context.Context, token string) error {
	_, err := m.get(token)
	return err
}

// Delete implements Provider.
func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[token]; ok {
		m.removeLocked(el)
	}
	return nil
}

// Len returns the number of live snapshots.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) get(token string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[token]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	entry := el.Value.(*memoryEntry)
	now := m.now()
	if m.ttl > 0 && now.Sub(entry.lastUsed) > m.ttl {
		m.removeLocked(el)
		return Snapshot{}, ErrNotFound
	}
	entry.lastUsed = now
	m.order.MoveToFront(el)
	return entry.snap, nil
}

func (m *Memory) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*memoryEntry)
	m.order.Remove(el)
	delete(m.entries, entry.token)
}
