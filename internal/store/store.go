package store

import (
	"sync"

	"go.uber.org/zap"
)

// Store is the authoritative key/value map. A single exclusive section
// guards the map together with the bookkeeping calls into the accountant
// that must be atomic with the map mutation — read throughput is
// explicitly not a scaling target, matching the session Hub's willingness
// to trade single-shard throughput for simplicity (internal/session in the
// teacher repo shards for connection fan-out; the cache map does not need
// to, since every operation already touches shared accounting state).
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry

	accountant *MemoryAccountant
	lazy       bool // StrictExpiry=false selects lazy expiry semantics on Read

	logger *zap.Logger

	subMu sync.Mutex
	subs  []subscriber
}

// New builds an empty Store bound to the given accountant. lazyExpiry
// selects the Read-time expiry check described in spec.md §4.2; strict
// expiry relies entirely on the sweep (internal/expiry) instead.
func New(accountant *MemoryAccountant, lazyExpiry bool, logger *zap.Logger) *Store {
	return &Store{
		entries:    make(map[string]*Entry),
		accountant: accountant,
		lazy:       lazyExpiry,
		logger:     logger,
	}
}

// Accountant exposes the bound MemoryAccountant, e.g. for the MEM command.
func (s *Store) Accountant() *MemoryAccountant { return s.accountant }

// Subscribe registers a bounded channel that receives every Mutation this
// Store publishes, fan-out style. name is used only in drop-channel log
// lines. Subscribe and publish both take subMu, so they may run
// concurrently; a mutation published before Subscribe returns is not
// delivered on the new channel.
func (s *Store) Subscribe(name string, bufSize int) <-chan Mutation {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan Mutation, bufSize)
	s.subs = append(s.subs, subscriber{name: name, ch: ch})
	return ch
}

// mustAccount runs an accountant mutation under the caller's already-held
// s.mu, recovering a MemoryAccountant underflow panic to log the store's
// full state via zap before aborting — SPEC_FULL.md §7's "internal
// invariant violations call logger.Fatal after logging full state",
// wired in here since the accountant itself holds no logger (it stays a
// single lock-free atomic counter, see DESIGN.md).
func (s *Store) mustAccount(op func()) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Fatal("store: memory accountant invariant violation",
					zap.Any("panic", r),
					zap.Int("entry_count", len(s.entries)),
					zap.Int64("accountant_current_bytes", s.accountant.CurrentBytes()),
				)
			}
			panic(r)
		}
	}()
	op()
}

// publish fans a mutation out to every subscriber without blocking. A full
// subscriber channel means that collaborator is falling behind; the
// mutation is dropped for it and logged, mirroring the worker pool's
// drop-on-full backpressure policy (src/worker_pool.go in the teacher pack).
func (s *Store) publish(m Mutation) {
	s.subMu.Lock()
	subs := s.subs
	s.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- m:
		default:
			if s.logger != nil {
				s.logger.Warn("store: dropped mutation, subscriber queue full",
					zap.String("subscriber", sub.name),
					zap.String("kind", m.Kind.String()),
					zap.String("key", m.Key),
				)
			}
		}
	}
}

// Create inserts a new key. Rejects duplicate keys and entries that would
// overflow the memory ceiling. If the accountant reports eviction pressure,
// an EvictionNeeded signal is published first, fire-and-forget, using the
// state as observed — Create does not wait for eviction to complete.
func (s *Store) Create(key, value string, ttl int64) (*Entry, *Error) {
	if key == "" {
		return nil, newError(ErrBadArgs, "key must not be empty")
	}

	s.mu.Lock()

	if _, exists := s.entries[key]; exists {
		s.mu.Unlock()
		return nil, newError(ErrDuplicate, "key already exists")
	}

	if s.accountant.NeedsEviction() {
		s.publish(Mutation{Kind: KindEvictionNeeded})
	}

	entry := &Entry{Key: key, Value: value, TTLDeadline: ttl, UsageCount: 1}
	size := entry.Size()
	if !s.accountant.CanAdd(size) {
		s.mu.Unlock()
		return nil, newError(ErrMemoryLimit, "insert would exceed memory ceiling")
	}

	s.entries[key] = entry
	s.mustAccount(func() { s.accountant.Add(size) })
	snapshot := entry.clone()
	s.mu.Unlock()

	s.publish(Mutation{Kind: KindCreate, Key: key, New: snapshot})
	return snapshot, nil
}

// Read fetches a value, bumping usage_count on success. Under lazy expiry,
// a stale entry is removed in-line via the same path Delete uses and
// reported as not-found; no prior Read is required for strict mode since
// the sweep already deleted it.
func (s *Store) Read(key string) (string, *Error) {
	s.mu.Lock()

	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return "", newError(ErrNotFound, "key not found")
	}

	if s.lazy && entry.ExpiredFlag {
		before := entry.clone()
		delete(s.entries, key)
		s.mustAccount(func() { s.accountant.Remove(before.Size()) })
		s.mu.Unlock()

		s.publish(Mutation{Kind: KindDelete, Key: key, Old: before})
		return "", newError(ErrNotFound, "key not found")
	}

	before := entry.clone()
	entry.UsageCount++
	after := entry.clone()
	s.mu.Unlock()

	s.publish(Mutation{Kind: KindRead, Key: key, Old: before, New: after})
	return after.Value, nil
}

// Update replaces the value and sets the deadline to ttl as given; a zero
// ttl clears the deadline. Callers that want to preserve the current
// deadline pass the entry's existing TTLDeadline back in (the dispatcher
// does this by reading Peek before calling Update when the UPDATE command
// omits ttl — see SPEC_FULL.md §9, open question 1).
func (s *Store) Update(key, value string, ttl int64) (*Entry, *Error) {
	s.mu.Lock()

	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, newError(ErrNotFound, "key not found")
	}

	before := entry.clone()
	newSize := int64(2 * (len(key) + len(value)))
	if !s.accountant.CanUpdate(before.Size(), newSize) {
		s.mu.Unlock()
		return nil, newError(ErrMemoryLimit, "update would exceed memory ceiling")
	}

	entry.Value = value
	entry.TTLDeadline = ttl
	entry.UsageCount++
	entry.ExpiredFlag = false
	after := entry.clone()
	s.mustAccount(func() { s.accountant.Update(before.Size(), newSize) })
	s.mu.Unlock()

	s.publish(Mutation{Kind: KindUpdate, Key: key, Old: before, New: after})
	return after, nil
}

// MarkExpired flips expired_flag without touching value, ttl or usage
// count, and publishes through the same Update mutation path the sweep's
// collaborators already listen on (spec.md §4.3 step 3, lazy mode). It
// does not adjust the accountant since size is unchanged.
func (s *Store) MarkExpired(key string) *Error {
	s.mu.Lock()

	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return newError(ErrNotFound, "key not found")
	}
	if entry.ExpiredFlag {
		s.mu.Unlock()
		return nil
	}

	before := entry.clone()
	entry.ExpiredFlag = true
	after := entry.clone()
	s.mu.Unlock()

	s.publish(Mutation{Kind: KindUpdate, Key: key, Old: before, New: after})
	return nil
}

// Delete removes a key. A missing key is a silent no-op: no error, no
// event.
func (s *Store) Delete(key string) *Error {
	s.mu.Lock()

	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	before := entry.clone()
	delete(s.entries, key)
	s.mustAccount(func() { s.accountant.Remove(before.Size()) })
	s.mu.Unlock()

	s.publish(Mutation{Kind: KindDelete, Key: key, Old: before})
	return nil
}

// FlushAll removes every entry and resets the accountant.
func (s *Store) FlushAll() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.accountant.Reset()
	s.mu.Unlock()

	s.publish(Mutation{Kind: KindFlushAll})
}

// Peek returns a copy of the live entry without bumping usage_count or
// triggering lazy expiry. The dispatcher uses it to resolve an UPDATE
// command's omitted ttl argument to the entry's current deadline and to
// answer DELETE of a missing key with not-found.
func (s *Store) Peek(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// Len returns the current number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
