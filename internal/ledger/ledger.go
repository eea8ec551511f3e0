// Package ledger holds the resources a run created so cleanup can remove them.
package ledger

import (
	"sync"
	"time"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Ledger is a thread-safe, append-mostly list of tracked resources for one run.
// Entries are unique by (type, id); insertion order is preserved.
type Ledger struct {
	mu      sync.RWMutex
	entries []schema.TrackedResource
	index   map[string]int
	now     func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{index: make(map[string]int), now: time.Now}
}

// Add appends r unless an entry with the same (type, id) exists. For an existing
// entry, missing metadata keys are filled in. Reports whether r was appended.
func (l *Ledger) Add(r schema.TrackedResource) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(r)
}

func (l *Ledger) addLocked(r schema.TrackedResource) bool {
	key := r.Key()
	if i, ok := l.index[key]; ok {
		existing := &l.entries[i]
		for k, v := range r.Metadata {
			if existing.Metadata == nil {
				existing.Metadata = map[string]any{}
			}
			if _, has := existing.Metadata[k]; !has {
				existing.Metadata[k] = v
			}
		}
		if r.Deleted {
			existing.Deleted = true
		}
		return false
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now()
	}
	r.Metadata = cloneMeta(r.Metadata)
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, r)
	return true
}

// Merge adds every resource, de-duplicating by (type, id). Returns how many were new.
func (l *Ledger) Merge(rs ...schema.TrackedResource) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range rs {
		if l.addLocked(r) {
			n++
		}
	}
	return n
}

// Has reports whether (typ, id) is ledgered.
func (l *Ledger) Has(typ, id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[typ+":"+id]
	return ok
}

// MarkDeleted flags (typ, id) as deleted. Returns false if it is not ledgered.
func (l *Ledger) MarkDeleted(typ, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[typ+":"+id]
	if !ok {
		return false
	}
	l.entries[i].Deleted = true
	return true
}

// All returns a snapshot of every entry in insertion order.
func (l *Ledger) All() []schema.TrackedResource {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.TrackedResource, len(l.entries))
	for i, e := range l.entries {
		e.Metadata = cloneMeta(e.Metadata)
		out[i] = e
	}
	return out
}

// Pending returns a snapshot of entries not yet deleted.
func (l *Ledger) Pending() []schema.TrackedResource {
	all := l.All()
	out := all[:0]
	for _, r := range all {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of entries, deleted ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
