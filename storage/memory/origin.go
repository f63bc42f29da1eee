package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/storage"
)

// Origin is an in-process stand-in for the storage shared by all tabs of one
// origin. Each tab gets its own handle from NewTab. Changes are delivered
// synchronously on the writer's goroutine, after the write is visible.
type Origin struct {
	mu     sync.RWMutex
	values map[string]string
	tabs   []*Tab
}

// NewOrigin creates an empty origin.
func NewOrigin() *Origin {
	return &Origin{values: make(map[string]string)}
}

// NewTab returns a storage handle for a new tab of this origin.
func (o *Origin) NewTab() *Tab {
	t := &Tab{
		origin:    o,
		id:        uuid.NewString(),
		listeners: make(map[int]func(storage.Change)),
	}
	o.mu.Lock()
	o.tabs = append(o.tabs, t)
	o.mu.Unlock()
	return t
}

// Snapshot returns a copy of everything stored in the origin.
func (o *Origin) Snapshot() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

func (o *Origin) broadcast(changes []storage.Change) {
	if len(changes) == 0 {
		return
	}
	o.mu.RLock()
	tabs := append([]*Tab(nil), o.tabs...)
	o.mu.RUnlock()

	for _, change := range changes {
		for _, tab := range tabs {
			if tab.id == change.Source {
				continue
			}
			for _, fn := range tab.snapshotListeners() {
				fn(change)
			}
		}
	}
}

var _ storage.KeyValue = (*Tab)(nil)

// Tab is one participant's view of an Origin.
type Tab struct {
	origin *Origin
	id     string

	mu          sync.Mutex
	listeners   map[int]func(storage.Change)
	nextID      int
	unavailable bool
}

// ID returns the id stamped on this tab's changes.
func (t *Tab) ID() string {
	return t.id
}

// SetUnavailable makes every operation fail as storage does under quota or
// private-mode restrictions.
func (t *Tab) SetUnavailable(unavailable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable = unavailable
}

// Get returns the value for key and whether it exists.
func (t *Tab) Get(_ context.Context, key string) (string, bool, error) {
	if err := t.check(); err != nil {
		return "", false, err
	}
	t.origin.mu.RLock()
	defer t.origin.mu.RUnlock()
	v, ok := t.origin.values[key]
	return v, ok, nil
}

// Set stores value and notifies the other tabs.
func (t *Tab) Set(_ context.Context, key, value string) error {
	if err := t.check(); err != nil {
		return err
	}
	t.origin.mu.Lock()
	old, existed := t.origin.values[key]
	t.origin.values[key] = value
	t.origin.mu.Unlock()

	if existed && old == value {
		return nil
	}
	t.origin.broadcast([]storage.Change{{Key: key, OldValue: old, NewValue: value, Source: t.id}})
	return nil
}

// SetIfAbsent stores value only if key is absent in the origin.
func (t *Tab) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	t.origin.mu.Lock()
	if _, ok := t.origin.values[key]; ok {
		t.origin.mu.Unlock()
		return false, nil
	}
	t.origin.values[key] = value
	t.origin.mu.Unlock()

	t.origin.broadcast([]storage.Change{{Key: key, NewValue: value, Source: t.id}})
	return true, nil
}

// Delete removes keys and notifies the other tabs of each one that existed.
func (t *Tab) Delete(_ context.Context, keys ...string) error {
	if err := t.check(); err != nil {
		return err
	}
	var changes []storage.Change
	t.origin.mu.Lock()
	for _, key := range keys {
		old, ok := t.origin.values[key]
		if !ok {
			continue
		}
		delete(t.origin.values, key)
		changes = append(changes, storage.Change{Key: key, OldValue: old, Removed: true, Source: t.id})
	}
	t.origin.mu.Unlock()

	t.origin.broadcast(changes)
	return nil
}

// OnExternalChange registers fn for changes made by other tabs.
func (t *Tab) OnExternalChange(fn func(storage.Change)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tab) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unavailable {
		return fmt.Errorf("tab %s: %w", t.id, errors.ErrStorageUnavailable)
	}
	return nil
}

func (t *Tab) snapshotListeners() []func(storage.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(storage.Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, t.listeners[id])
	}
	return out
}
