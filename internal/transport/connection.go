package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"kvcached/internal/eventbus"
	"kvcached/internal/metrics"
	"kvcached/internal/protocol"
)

// Connection is a live client handle: the socket, its outbound response
// channel and the eventbus.Handle subscriptions key off of. It plays the
// role the teacher's session.Connection played for WebSocket clients
// (internal/session/hub.go in the teacher repo), adapted from a sharded
// broadcast registry to a plain handle table since the cache's event
// fan-out already targets only subscribed handles through EventBus —
// there is no all-connections broadcast to shard for.
type Connection struct {
	ID   uint64
	conn net.Conn

	out    chan protocol.Response // direct replies to this connection's own requests
	events chan eventbus.Event    // fan-out events from subscriptions

	handle *eventbus.Handle
}

// Registry tracks live connections; Count feeds the /health report.
type Registry struct {
	mu      sync.Mutex
	conns   map[uint64]*Connection
	nextID  uint64
	metrics *metrics.Registry
}

func NewRegistry(registry *metrics.Registry) *Registry {
	return &Registry{
		conns:   make(map[uint64]*Connection),
		metrics: registry,
	}
}

// Register creates a Connection for a freshly accepted socket, with a
// buffered outbound channel sized for a burst of events plus a request's
// own response.
func (r *Registry) Register(conn net.Conn, outBuf int) *Connection {
	id := atomic.AddUint64(&r.nextID, 1)
	c := &Connection{
		ID:     id,
		conn:   conn,
		out:    make(chan protocol.Response, outBuf),
		events: make(chan eventbus.Event, outBuf),
	}
	c.handle = eventbus.NewHandle(id, conn.RemoteAddr().String(), c.events)

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Connections.ActiveConnections.Inc()
	}
	return c
}

// Unregister drops a connection from the table. Safe to call more than
// once. The outbound channel is deliberately left open rather than
// closed: the dispatcher or EventBus may still hold a reference to this
// handle from an in-flight send, and a send on a closed channel panics.
// An orphaned channel with no reader is simply garbage collected once the
// last sender drops it, same as an abandoned buffered queue anywhere else
// in the pipeline.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	_, existed := r.conns[c.ID]
	delete(r.conns, c.ID)
	r.mu.Unlock()

	if existed && r.metrics != nil {
		r.metrics.Connections.ActiveConnections.Dec()
	}
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
