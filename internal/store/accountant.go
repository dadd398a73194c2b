package store

import (
	"math"
	"sync/atomic"
)

// MemoryAccountant tracks bytes currently in use against a fixed ceiling.
// Every operation is a single atomic word manipulation; no lock is needed,
// matching the teacher's preference for lock-free counters over the
// session Hub's connection gauge (internal/session/hub.go in the teacher
// repo) wherever the state fits in a machine word.
type MemoryAccountant struct {
	currentBytes      atomic.Int64
	ceilingBytes      int64
	evictionThreshold float64
}

// NewMemoryAccountant builds an accountant for a fixed ceiling and eviction
// threshold fraction in (0, 1].
func NewMemoryAccountant(ceilingBytes int64, evictionThreshold float64) *MemoryAccountant {
	if evictionThreshold <= 0 || evictionThreshold > 1 {
		evictionThreshold = 0.9
	}
	return &MemoryAccountant{
		ceilingBytes:      ceilingBytes,
		evictionThreshold: evictionThreshold,
	}
}

// CanAdd reports whether n additional bytes fit under the ceiling.
func (a *MemoryAccountant) CanAdd(n int64) bool {
	return a.currentBytes.Load()+n <= a.ceilingBytes
}

// CanUpdate reports whether replacing an old-sized entry with a new-sized
// one fits under the ceiling.
func (a *MemoryAccountant) CanUpdate(oldN, newN int64) bool {
	return a.currentBytes.Load()-oldN+newN <= a.ceilingBytes
}

// Add accounts n additional bytes.
func (a *MemoryAccountant) Add(n int64) {
	v := a.currentBytes.Add(n)
	a.assertNonNegative(v)
}

// Remove accounts n fewer bytes.
func (a *MemoryAccountant) Remove(n int64) {
	v := a.currentBytes.Add(-n)
	a.assertNonNegative(v)
}

// Update accounts a size replacement in a single atomic step.
func (a *MemoryAccountant) Update(oldN, newN int64) {
	v := a.currentBytes.Add(newN - oldN)
	a.assertNonNegative(v)
}

// NeedsEviction reports whether usage has crossed the configured
// high-water fraction of the ceiling.
func (a *MemoryAccountant) NeedsEviction() bool {
	return float64(a.currentBytes.Load()) >= a.evictionThreshold*float64(a.ceilingBytes)
}

// Reset zeroes the counter. Only Store.FlushAll calls this.
func (a *MemoryAccountant) Reset() {
	a.currentBytes.Store(0)
}

// CurrentBytes returns the live byte count.
func (a *MemoryAccountant) CurrentBytes() int64 {
	return a.currentBytes.Load()
}

// CurrentMB returns a six-decimal rounded fractional megabyte view, the
// shape the MEM command's response requires.
func (a *MemoryAccountant) CurrentMB() float64 {
	mb := float64(a.currentBytes.Load()) / (1024 * 1024)
	return math.Round(mb*1e6) / 1e6
}

// assertNonNegative is the accountant's internal invariant guard. An
// underflow here means a caller double-removed or mis-sized an entry; it is
// a programmer error and the process aborts rather than limping on with a
// corrupted accounting state.
func (a *MemoryAccountant) assertNonNegative(v int64) {
	if v < 0 {
		panic("store: memory accountant underflow (current_bytes < 0)")
	}
}
