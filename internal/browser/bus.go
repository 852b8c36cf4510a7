package browser

import (
	"sort"
	"sync"
)

// Bus is an in-process Source. Host bridges push page events with
// Dispatch and geometry with SetGeometry. It keeps install and removal
// counts so callers can check that every listener was torn down.
type Bus struct {
	mu        sync.Mutex
	next      int
	listeners map[Kind]map[int]func(*Event)
	geometry  Geometry
	known     bool
	installed int
	removed   int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Kind]map[int]func(*Event))}
}

// AddListener implements Source.
func (b *Bus) AddListener(kind Kind, fn func(*Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]func(*Event))
	}
	b.listeners[kind][id] = fn
	b.installed++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[kind], id)
			b.removed++
		})
	}
}

// Dispatch delivers e to every listener of its kind in registration order
// and returns how many ran. Listeners are called without the bus lock held.
func (b *Bus) Dispatch(e *Event) int {
	b.mu.Lock()
	set := b.listeners[e.Kind]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*Event), len(ids))
	for i, id := range ids {
		fns[i] = set[id]
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
	return len(fns)
}

// SetGeometry records the current window geometry.
func (b *Bus) SetGeometry(g Geometry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.geometry = g
	b.known = true
}

// Geometry implements Source.
func (b *Bus) Geometry() (Geometry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known {
		return Geometry{}, ErrNoGeometry
	}
	return b.geometry, nil
}

// Installed returns the number of AddListener calls.
func (b *Bus) Installed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed
}

// Removed returns the number of listeners removed.
func (b *Bus) Removed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removed
}

// Active returns the number of registered listeners.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed - b.removed
}
