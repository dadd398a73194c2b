// Package eventbus fans Store mutations out to clients that have
// subscribed to them, per spec.md §4.5. Subscription mutation is
// copy-on-write per event kind (spec.md §9's "Shared mutable event
// subscribers" redesign note), and publication is a non-blocking enqueue
// onto each subscriber's response channel — it never invokes a handler
// inline, satisfying the deadlock-avoidance rule in spec.md §5(c).
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kvcached/internal/metrics"
	"kvcached/internal/store"
)

// Kind is the client-subscribable mutation category.
type Kind string

const (
	KindCreate   Kind = "CREATE"
	KindUpdate   Kind = "UPDATE"
	KindDelete   Kind = "DELETE"
	KindFlushAll Kind = "FLUSHALL"
)

// ParseKind validates a SUB/UNSUB argument, case-insensitively.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(normalizeKind(raw)) {
	case KindCreate:
		return KindCreate, true
	case KindUpdate:
		return KindUpdate, true
	case KindDelete:
		return KindDelete, true
	case KindFlushAll:
		return KindFlushAll, true
	default:
		return "", false
	}
}

func normalizeKind(raw string) string {
	upper := make([]byte, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper[i] = c
	}
	return string(upper)
}

// Handle is an opaque per-connection identity paired with its outbound
// response channel. Equality is by identity (pointer), per spec.md §3.
type Handle struct {
	ID   uint64
	Out  chan<- Event
	name string
}

func NewHandle(id uint64, name string, out chan<- Event) *Handle {
	return &Handle{ID: id, name: name, Out: out}
}

// Event is the record a publish delivers to a subscribed handle.
type Event struct {
	ID      string
	Kind    Kind
	Key     string
	Message string
}

// Bus owns the per-kind subscriber tables.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]*Handle

	logger  *zap.Logger
	metrics *metrics.Registry
}

func New(logger *zap.Logger, registry *metrics.Registry) *Bus {
	return &Bus{
		subs:    make(map[Kind][]*Handle),
		logger:  logger,
		metrics: registry,
	}
}

// Subscribe registers a handle for a kind. Idempotent: a handle already
// registered for that kind is reported, not duplicated.
func (b *Bus) Subscribe(h *Handle, kind Kind) (alreadyRegistered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.subs[kind]
	for _, s := range existing {
		if s == h {
			return true
		}
	}
	next := make([]*Handle, len(existing), len(existing)+1)
	copy(next, existing)
	b.subs[kind] = append(next, h)
	return false
}

// Unsubscribe removes a handle from a kind. Silent no-op if absent.
func (b *Bus) Unsubscribe(h *Handle, kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.subs[kind]
	idx := -1
	for i, s := range existing {
		if s == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	next := make([]*Handle, 0, len(existing)-1)
	next = append(next, existing[:idx]...)
	next = append(next, existing[idx+1:]...)
	b.subs[kind] = next
}

// Purge removes a handle from every kind. Called when the transport layer
// observes a permanent write failure; purge-on-next-failure is sufficient
// per spec.md §4.5.
func (b *Bus) Purge(h *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, existing := range b.subs {
		for i, s := range existing {
			if s == h {
				next := make([]*Handle, 0, len(existing)-1)
				next = append(next, existing[:i]...)
				next = append(next, existing[i+1:]...)
				b.subs[kind] = next
				break
			}
		}
	}
}

// publish enumerates a snapshot of subscribers for kind and enqueues an
// Event to each without blocking on a slow one.
func (b *Bus) publish(kind Kind, key, message string) {
	b.mu.RLock()
	subs := b.subs[kind]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	ev := Event{ID: uuid.NewString(), Kind: kind, Key: key, Message: message}
	for _, h := range subs {
		select {
		case h.Out <- ev:
			if b.metrics != nil {
				b.metrics.Requests.EventsPublished.Inc()
			}
		default:
			if b.metrics != nil {
				b.metrics.Requests.EventsDropped.Inc()
			}
			if b.logger != nil {
				b.logger.Warn("eventbus: dropped event, subscriber queue full",
					zap.String("handle", h.name), zap.String("kind", string(kind)), zap.String("key", key))
			}
		}
	}
}

// Run consumes Store mutations and republishes the four client-visible
// kinds as Events. Call it in its own goroutine.
func (b *Bus) Run(ctx context.Context, ch <-chan store.Mutation) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.onMutation(m)
		}
	}
}

func (b *Bus) onMutation(m store.Mutation) {
	switch m.Kind {
	case store.KindCreate:
		b.publish(KindCreate, m.Key, fmt.Sprintf("created key %q", m.Key))
	case store.KindUpdate:
		b.publish(KindUpdate, m.Key, describeUpdate(m))
	case store.KindDelete:
		b.publish(KindDelete, m.Key, fmt.Sprintf("deleted key %q", m.Key))
	case store.KindFlushAll:
		b.publish(KindFlushAll, "", "flushed all keys")
	}
}

func describeUpdate(m store.Mutation) string {
	if m.Old == nil || m.New == nil {
		return fmt.Sprintf("updated key %q", m.Key)
	}
	return fmt.Sprintf("updated key %q from %q to %q", m.Key, m.Old.Value, m.New.Value)
}
