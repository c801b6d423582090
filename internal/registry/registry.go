// Package registry provides the shared key-value store all node agents of
// one machine account read and write: ownership records, takeover notices,
// and the persisted node state blob. Mutations are observable through a
// prefix subscription, which is the only signaling primitive the takeover
// protocol relies on.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("registry: key not found")

// Event describes one store mutation. Subscribers of a prefix receive every
// set and delete under it, including their own writes; listeners that only
// care about foreign mutations filter on the payload's owner identity.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is the minimal contract the session layer needs. Any storage-like
// backend works: the in-memory implementation below, the Badger-backed one,
// or either wrapped in a NATS bridge for cross-process delivery.
type Store interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Subscribe registers fn for every mutation under prefix and returns
	// an unsubscribe function. Delivery is synchronous with the mutation.
	Subscribe(prefix string, fn func(Event)) (func(), error)
	// Keys returns all keys under prefix, sorted.
	Keys(prefix string) ([]string, error)
	Close() error
}

// Memory is a mutex-guarded in-memory Store. It is the test backend and
// doubles as the cache layer in front of Badger inside a single process.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	prefix string
	fn     func(Event)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		subs: make(map[int]*subscription),
	}
}

func (m *Memory) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("registry: store closed")
	}
	m.data[key] = v
	fns := m.matching(key)
	m.mu.Unlock()

	dispatch(fns, Event{Key: key, Value: v})
	return nil
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("registry: store closed")
	}
	_, existed := m.data[key]
	delete(m.data, key)
	fns := m.matching(key)
	m.mu.Unlock()

	if existed {
		dispatch(fns, Event{Key: key, Deleted: true})
	}
	return nil
}

func (m *Memory) Subscribe(prefix string, fn func(Event)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("registry: store closed")
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = &subscription{prefix: prefix, fn: fn}
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]*subscription)
	return nil
}

// Keys returns all keys under prefix, sorted.
func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// matching must be called with the lock held.
func (m *Memory) matching(key string) []func(Event) {
	var fns []func(Event)
	for _, s := range m.subs {
		if strings.HasPrefix(key, s.prefix) {
			fns = append(fns, s.fn)
		}
	}
	return fns
}

// dispatch runs callbacks outside the store lock so a listener can call
// back into the store without deadlocking.
func dispatch(fns []func(Event), ev Event) {
	for _, fn := range fns {
		fn(ev)
	}
}
