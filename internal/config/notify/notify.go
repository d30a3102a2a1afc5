// Package notify delivers configuration change notifications scoped to
// setting sections.
//
// Observers subscribe either to every change or to a section such as
// "pgnodes.logLevel". A change to a section is delivered to observers of the
// section itself, of its parents and of its children, so a reload of
// "pgnodes" reaches an observer of "pgnodes.logLevel" and vice versa.
// Delivery is synchronous, outside the notifier's lock.
package notify

import (
	"sync"

	"github.com/dshills/pgnodes/internal/host"
)

// ChangeType represents the type of configuration change.
type ChangeType int

const (
	// ChangeSet indicates a value was set or updated.
	ChangeSet ChangeType = iota

	// ChangeReload indicates the entire configuration was reloaded.
	ChangeReload
)

// String returns the change type name.
func (c ChangeType) String() string {
	switch c {
	case ChangeSet:
		return "set"
	case ChangeReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Change represents a configuration change event.
type Change struct {
	// Section is the dot-separated key of the changed setting. Empty for
	// reload events.
	Section string

	Type ChangeType

	// Old and New are the previous and current values (either may be nil).
	Old any
	New any

	// Source identifies where the change came from ("file", "set", ...).
	Source string
}

// Affects reports whether the change touches section.
func (c Change) Affects(section string) bool {
	if c.Type == ChangeReload || c.Section == "" || section == "" {
		return true
	}
	return c.Section == section || isParentPath(section, c.Section) || isParentPath(c.Section, section)
}

// Observer is called when configuration changes occur.
type Observer func(change Change)

// Notifier manages configuration change subscriptions.
type Notifier struct {
	mu sync.RWMutex

	// observers keyed by subscription id; section "" receives everything.
	observers map[uint64]subscription

	nextID uint64
	closed bool
}

type subscription struct {
	section  string
	observer Observer
}

// New creates a new Notifier.
func New() *Notifier {
	return &Notifier{
		observers: make(map[uint64]subscription),
	}
}

// Subscribe registers an observer for all changes.
func (n *Notifier) Subscribe(observer Observer) host.Disposable {
	return n.SubscribeSection("", observer)
}

// SubscribeSection registers an observer for changes affecting section.
func (n *Notifier) SubscribeSection(section string, observer Observer) host.Disposable {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.observers[id] = subscription{section: section, observer: observer}

	return host.Once(func() {
		n.unsubscribe(id)
	})
}

// Notify sends a change notification to all relevant observers.
func (n *Notifier) Notify(change Change) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}

	var observers []Observer
	for _, sub := range n.observers {
		if change.Affects(sub.section) {
			observers = append(observers, sub.observer)
		}
	}
	n.mu.RUnlock()

	for _, obs := range observers {
		obs(change)
	}
}

// NotifySet is a convenience method for set changes.
func (n *Notifier) NotifySet(section string, oldValue, newValue any, source string) {
	n.Notify(Change{
		Section: section,
		Type:    ChangeSet,
		Old:     oldValue,
		New:     newValue,
		Source:  source,
	})
}

// NotifyReload is a convenience method for reload events.
func (n *Notifier) NotifyReload(source string) {
	n.Notify(Change{
		Type:   ChangeReload,
		Source: source,
	})
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}

// Close drops every subscription; later notifications are ignored. It is
// safe to call Close multiple times.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.observers = make(map[uint64]subscription)
}

func (n *Notifier) unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, id)
}

// isParentPath checks if parent is a parent path of child.
// e.g., "pgnodes" is parent of "pgnodes.logLevel".
func isParentPath(parent, child string) bool {
	if len(parent) >= len(child) {
		return false
	}
	if parent == "" {
		return true
	}
	return child[:len(parent)] == parent && child[len(parent)] == '.'
}

// Batch collects multiple changes and delivers them as a group.
type Batch struct {
	notifier *Notifier
	changes  []Change
	mu       sync.Mutex
}

// NewBatch creates a new batch for collecting changes.
func (n *Notifier) NewBatch() *Batch {
	return &Batch{notifier: n}
}

// Set adds a set change to the batch.
func (b *Batch) Set(section string, oldValue, newValue any, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, Change{
		Section: section,
		Type:    ChangeSet,
		Old:     oldValue,
		New:     newValue,
		Source:  source,
	})
}

// Commit sends all batched changes to observers, in the order they were
// added.
func (b *Batch) Commit() {
	b.mu.Lock()
	changes := b.changes
	b.changes = nil
	b.mu.Unlock()

	for _, change := range changes {
		b.notifier.Notify(change)
	}
}

// Len returns the number of pending changes.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.changes)
}
