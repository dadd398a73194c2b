// Package expiry implements the TTL sweep described in spec.md §4.3: a
// bucketed index keyed by rounded deadline, swept on a timer outside the
// Store's lock to avoid the deadlock a synchronous callback would risk
// (spec.md §9, design note 1).
package expiry

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kvcached/internal/metrics"
	"kvcached/internal/store"
)

// Mode selects strict (sweep deletes) or lazy (sweep flags, Read deletes)
// expiry semantics.
type Mode int

const (
	Strict Mode = iota
	Lazy
)

type bucketEntry struct {
	key      string
	deadline int64
}

// Engine indexes live entries by expiry bucket and periodically removes
// (or marks) entries whose bucket is due.
type Engine struct {
	mu       sync.Mutex
	buckets  map[int64]*list.List
	elements map[string]*list.Element // key -> element within its bucket list

	interval time.Duration
	offset   int64
	mode     Mode

	store   *store.Store
	logger  *zap.Logger
	metrics *metrics.Registry

	now func() time.Time
}

// New builds an expiry engine bound to a Store. interval is the sweep
// period (default 6s per spec.md §4.3); offset is half of it in whole seconds,
// letting the sweep catch entries whose deadline falls between ticks.
func New(st *store.Store, interval time.Duration, mode Mode, logger *zap.Logger, registry *metrics.Registry) *Engine {
	if interval <= 0 {
		interval = 6 * time.Second
	}
	return &Engine{
		buckets:  make(map[int64]*list.List),
		elements: make(map[string]*list.Element),
		interval: interval,
		offset:   int64(interval.Seconds() / 2),
		mode:     mode,
		store:    st,
		logger:   logger,
		metrics:  registry,
		now:      time.Now,
	}
}

func (e *Engine) bucketFor(deadline int64) int64 {
	interval := int64(e.interval.Seconds())
	if interval <= 0 {
		interval = 1
	}
	return (deadline / interval) * interval
}

// Run consumes Store mutations on ch and drives the periodic sweep until
// ctx is cancelled. Call it in its own goroutine.
func (e *Engine) Run(ctx context.Context, ch <-chan store.Mutation) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			e.onMutation(m)
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) onMutation(m store.Mutation) {
	switch m.Kind {
	case store.KindCreate:
		if m.New != nil && m.New.TTLDeadline != 0 {
			e.add(m.New.Key, m.New.TTLDeadline)
		}
	case store.KindUpdate:
		if m.Old == nil || m.New == nil {
			return
		}
		if m.Old.TTLDeadline == m.New.TTLDeadline {
			return // no re-bucket when ttl unchanged (lazy mark-expired, or value-only update)
		}
		if m.Old.TTLDeadline != 0 {
			e.remove(m.Key)
		}
		if m.New.TTLDeadline != 0 {
			e.add(m.Key, m.New.TTLDeadline)
		}
	case store.KindDelete:
		if m.Old != nil && m.Old.TTLDeadline != 0 {
			e.remove(m.Key)
		}
	case store.KindFlushAll:
		e.mu.Lock()
		e.buckets = make(map[int64]*list.List)
		e.elements = make(map[string]*list.Element)
		e.mu.Unlock()
	}
}

func (e *Engine) add(key string, deadline int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := e.bucketFor(deadline)
	l, ok := e.buckets[bucket]
	if !ok {
		l = list.New()
		e.buckets[bucket] = l
	}
	elem := l.PushBack(bucketEntry{key: key, deadline: deadline})
	e.elements[key] = elem
}

func (e *Engine) remove(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elem, ok := e.elements[key]
	if !ok {
		return
	}
	be := elem.Value.(bucketEntry)
	bucket := e.bucketFor(be.deadline)
	if l, ok := e.buckets[bucket]; ok {
		l.Remove(elem)
		if l.Len() == 0 {
			delete(e.buckets, bucket)
		}
	}
	delete(e.elements, key)
}

// sweepOnce implements spec.md §4.3's sweep: snapshot and drain due
// buckets under the index lock, release it, then act on the Store. The
// engine's mutation feed and its ticker share one goroutine (Run's select
// loop), so no entry can be pushed into a bucket already being drained;
// the lock exists to protect against callers inspecting the index from
// outside Run, not against self-interleaving.
func (e *Engine) sweepOnce() {
	horizon := e.now().Unix() + e.offset

	e.mu.Lock()
	var due []int64
	for bucket := range e.buckets {
		if bucket <= horizon {
			due = append(due, bucket)
		}
	}
	var keys []string
	for _, bucket := range due {
		l := e.buckets[bucket]
		for elem := l.Front(); elem != nil; elem = elem.Next() {
			be := elem.Value.(bucketEntry)
			keys = append(keys, be.key)
			delete(e.elements, be.key)
		}
		delete(e.buckets, bucket)
	}
	e.mu.Unlock()

	for _, key := range keys {
		if e.mode == Strict {
			if err := e.store.Delete(key); err != nil && e.logger != nil {
				e.logger.Warn("expiry: strict delete failed", zap.String("key", key), zap.Error(err))
			}
		} else {
			if err := e.store.MarkExpired(key); err != nil && e.logger != nil {
				e.logger.Debug("expiry: mark-expired skipped", zap.String("key", key), zap.Error(err))
			}
		}
	}

	if len(keys) > 0 && e.metrics != nil {
		e.metrics.Requests.EntriesExpired.Add(float64(len(keys)))
	}
}
