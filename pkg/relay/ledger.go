// Copyright 2024-2026 Aiku AI

package relay

import "sync"

const (
	// DefaultLedgerHighWater is the size above which the ledger trims itself.
	DefaultLedgerHighWater = 1000
	// DefaultLedgerLowWater is the number of most recent ids kept by a trim.
	DefaultLedgerLowWater = 500
)

// Ledger is a bounded, insertion-ordered set of recently processed message
// IDs. Once it grows past its high-water mark it drops the oldest entries,
// keeping the low-water mark's worth of the newest ones. Safe for
// concurrent use.
type Ledger struct {
	mu        sync.Mutex
	highWater int
	lowWater  int
	order     []string
	index     map[string]struct{}
}

// NewLedger creates a ledger with the given marks. Non-positive or
// inconsistent marks fall back to the defaults.
func NewLedger(highWater, lowWater int) *Ledger {
	if highWater <= 0 || lowWater <= 0 || lowWater > highWater {
		highWater, lowWater = DefaultLedgerHighWater, DefaultLedgerLowWater
	}
	return &Ledger{
		highWater: highWater,
		lowWater:  lowWater,
		order:     make([]string, 0, highWater+1),
		index:     make(map[string]struct{}, highWater+1),
	}
}

// Seen reports whether id is currently in the ledger.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[id]
	return ok
}

// Record adds id to the ledger. Recording an id that is already present
// does not change its position.
func (l *Ledger) Record(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(id)
}

// Observe records id and reports whether it was new. The check and the
// insert happen under one lock, so concurrent callers observing the same
// id get exactly one true.
func (l *Ledger) Observe(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; ok {
		return false
	}
	l.recordLocked(id)
	return true
}

// Len returns the number of ids currently held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// IDs returns a copy of the held ids, oldest first.
func (l *Ledger) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]string, len(l.order))
	copy(cp, l.order)
	return cp
}

func (l *Ledger) recordLocked(id string) {
	if _, ok := l.index[id]; ok {
		return
	}
	l.order = append(l.order, id)
	l.index[id] = struct{}{}
	if len(l.order) > l.highWater {
		l.trimLocked()
	}
}

// trimLocked keeps the lowWater newest ids. The kept tail is copied into a
// fresh slice so the dropped prefix can be collected.
func (l *Ledger) trimLocked() {
	drop := len(l.order) - l.lowWater
	for _, id := range l.order[:drop] {
		delete(l.index, id)
	}
	kept := make([]string, l.lowWater, l.highWater+1)
	copy(kept, l.order[drop:])
	l.order = kept
}
