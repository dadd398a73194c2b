// Package eviction implements the LFU reverse index described in
// spec.md §4.4 and §9's "Reverse index for LFU" redesign note: a single
// usage_count → entries map plus a sorted slice of the non-empty
// frequencies, whose first element is the minimum frequency; a frequency
// leaves the slice only when its bucket empties.
package eviction

import (
	"container/list"
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"kvcached/internal/metrics"
	"kvcached/internal/store"
)

// Engine indexes live keys by access frequency and, on an EvictionNeeded
// signal, removes a fraction of the least-frequent entries.
type Engine struct {
	mu          sync.Mutex
	buckets     map[uint64]*list.List
	elements    map[string]*list.Element
	activeFreqs []uint64 // kept sorted ascending; activeFreqs[0] == minFrequency
	totalItems  int

	evictionFraction float64
	inFlight         atomic.Bool

	store   *store.Store
	logger  *zap.Logger
	metrics *metrics.Registry
}

// New builds an eviction engine bound to a Store. fraction is the
// proportion of live entries purged per pass (default 0.75 per spec.md).
func New(st *store.Store, fraction float64, logger *zap.Logger, registry *metrics.Registry) *Engine {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.75
	}
	return &Engine{
		buckets:          make(map[uint64]*list.List),
		elements:         make(map[string]*list.Element),
		evictionFraction: fraction,
		store:            st,
		logger:           logger,
		metrics:          registry,
	}
}

// Run consumes Store mutations on ch until ctx is cancelled. Call it in
// its own goroutine.
func (e *Engine) Run(ctx context.Context, ch <-chan store.Mutation) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			e.onMutation(m)
		}
	}
}

func (e *Engine) onMutation(m store.Mutation) {
	switch m.Kind {
	case store.KindCreate:
		if m.New == nil {
			return
		}
		e.mu.Lock()
		e.addToBucket(m.New.UsageCount, m.Key)
		e.totalItems++
		e.mu.Unlock()

	case store.KindRead, store.KindUpdate:
		if m.Old == nil || m.New == nil || m.Old.UsageCount == m.New.UsageCount {
			return
		}
		e.mu.Lock()
		e.removeFromBucket(m.Old.UsageCount, m.Key)
		e.addToBucket(m.New.UsageCount, m.Key)
		e.mu.Unlock()

	case store.KindDelete:
		if m.Old == nil {
			return
		}
		e.mu.Lock()
		if e.removeFromBucket(m.Old.UsageCount, m.Key) {
			e.totalItems--
		}
		e.mu.Unlock()

	case store.KindFlushAll:
		e.mu.Lock()
		e.buckets = make(map[uint64]*list.List)
		e.elements = make(map[string]*list.Element)
		e.activeFreqs = nil
		e.totalItems = 0
		e.mu.Unlock()

	case store.KindEvictionNeeded:
		e.triggerEviction()
	}
}

// addToBucket assumes e.mu is held.
func (e *Engine) addToBucket(freq uint64, key string) {
	l, ok := e.buckets[freq]
	if !ok {
		l = list.New()
		e.buckets[freq] = l
		e.insertFreqSorted(freq)
	}
	e.elements[key] = l.PushBack(key)
}

// removeFromBucket assumes e.mu is held. Returns whether an element was
// actually removed, so callers processing a mutation that raced with an
// eviction pass's own preemptive removal don't double-count totalItems.
func (e *Engine) removeFromBucket(freq uint64, key string) bool {
	elem, ok := e.elements[key]
	if !ok {
		return false
	}
	l, ok := e.buckets[freq]
	if !ok {
		delete(e.elements, key)
		return true
	}
	l.Remove(elem)
	delete(e.elements, key)
	if l.Len() == 0 {
		delete(e.buckets, freq)
		e.removeFreqSorted(freq)
	}
	return true
}

func (e *Engine) insertFreqSorted(freq uint64) {
	i := sort.Search(len(e.activeFreqs), func(i int) bool { return e.activeFreqs[i] >= freq })
	e.activeFreqs = append(e.activeFreqs, 0)
	copy(e.activeFreqs[i+1:], e.activeFreqs[i:])
	e.activeFreqs[i] = freq
}

func (e *Engine) removeFreqSorted(freq uint64) {
	i := sort.Search(len(e.activeFreqs), func(i int) bool { return e.activeFreqs[i] >= freq })
	if i < len(e.activeFreqs) && e.activeFreqs[i] == freq {
		e.activeFreqs = append(e.activeFreqs[:i], e.activeFreqs[i+1:]...)
	}
}

// MinFrequency returns the lowest non-empty bucket, or 0 if the index is
// empty.
func (e *Engine) MinFrequency() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.activeFreqs) == 0 {
		return 0
	}
	return e.activeFreqs[0]
}

// TotalItems returns the number of keys currently tracked.
func (e *Engine) TotalItems() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalItems
}

// triggerEviction runs an eviction pass unless one is already in flight,
// resolving spec.md §9's open question on EvictionNeeded debouncing in
// favor of a single-in-flight guard.
func (e *Engine) triggerEviction() {
	if !e.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer e.inFlight.Store(false)
	e.evict()
}

// evict collects target keys under the private lock, ascending from
// min_frequency, releases the lock, then calls Store.Delete for each —
// spec.md §4.4's eviction pass. Store.Delete re-enters the Store under its
// own lock and re-emits a Delete mutation that this engine will also
// observe; removeFromBucket's "already removed" guard makes that replay a
// no-op.
func (e *Engine) evict() {
	e.mu.Lock()
	target := int(math.Floor(e.evictionFraction * float64(e.totalItems)))
	var keys []string
	for _, freq := range append([]uint64(nil), e.activeFreqs...) {
		if len(keys) >= target {
			break
		}
		l, ok := e.buckets[freq]
		if !ok {
			continue
		}
		for elem := l.Front(); elem != nil && len(keys) < target; {
			next := elem.Next()
			keys = append(keys, elem.Value.(string))
			l.Remove(elem)
			delete(e.elements, elem.Value.(string))
			elem = next
		}
		if l.Len() == 0 {
			delete(e.buckets, freq)
			e.removeFreqSorted(freq)
		}
	}
	e.totalItems -= len(keys)
	e.mu.Unlock()

	for _, key := range keys {
		if err := e.store.Delete(key); err != nil && e.logger != nil {
			e.logger.Warn("eviction: delete failed", zap.String("key", key), zap.Error(err))
		}
	}

	if len(keys) > 0 {
		if e.metrics != nil {
			e.metrics.Requests.EntriesEvicted.Add(float64(len(keys)))
		}
		if e.logger != nil {
			e.logger.Info("eviction: pass complete", zap.Int("evicted", len(keys)))
		}
	}
}
