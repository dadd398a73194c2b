package transport

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"kvcached/internal/eventbus"
	"kvcached/internal/metrics"
	"kvcached/internal/protocol"
	"kvcached/internal/store"
)

func nowUnix() int64 { return time.Now().Unix() }

// queuedRequest pairs a parsed Request with the connection it arrived on —
// the RequestQueue entry of spec.md §3.
type queuedRequest struct {
	conn *Connection
	req  *protocol.Request
}

// Dispatcher is the single goroutine that drains the RequestQueue and
// routes CREATE/READ/UPDATE/DELETE/MEM/FLUSHALL to the Store and SUB/UNSUB
// to the EventBus — a single dispatch point per spec.md §9's "Dynamic
// command dispatch" redesign note, and a single actor so per-connection
// request/response order is preserved (spec.md §4.6).
type Dispatcher struct {
	requests chan queuedRequest
	store    *store.Store
	bus      *eventbus.Bus
	logger   *zap.Logger
	metrics  *metrics.Registry
}

func NewDispatcher(queueSize int, st *store.Store, bus *eventbus.Bus, logger *zap.Logger, registry *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		requests: make(chan queuedRequest, queueSize),
		store:    st,
		bus:      bus,
		logger:   logger,
		metrics:  registry,
	}
}

// Enqueue places a request on the RequestQueue. It blocks if the queue is
// saturated — the back-pressure refinement spec.md §3 explicitly allows
// in place of a truly unbounded queue.
func (d *Dispatcher) Enqueue(conn *Connection, req *protocol.Request) {
	d.requests <- queuedRequest{conn: conn, req: req}
}

// Run drains the RequestQueue until the channel is closed. SUB/UNSUB are
// routed through this same single goroutine as every other command so a
// connection's requests are answered in the order they were enqueued,
// regardless of command — spec.md §4.6's "a single dispatcher preserves
// global request order."
func (d *Dispatcher) Run() {
	for qr := range d.requests {
		resp := d.handle(qr.conn, qr.req)
		if d.metrics != nil {
			d.metrics.Requests.RequestsProcessed.Inc()
		}
		deliver(qr.conn, resp, d.logger)
	}
}

// Close stops accepting new requests and lets Run drain what remains.
func (d *Dispatcher) Close() {
	close(d.requests)
}

func (d *Dispatcher) handle(conn *Connection, req *protocol.Request) protocol.Response {
	switch req.Cmd {
	case protocol.CmdCreate:
		return d.handleCreate(req)
	case protocol.CmdAdd:
		return d.handleAdd(req)
	case protocol.CmdRead:
		return d.handleRead(req)
	case protocol.CmdUpdate:
		return d.handleUpdate(req)
	case protocol.CmdDelete:
		return d.handleDelete(req)
	case protocol.CmdMem:
		return d.handleMem(req)
	case protocol.CmdFlushAll:
		return d.handleFlushAll(req)
	case protocol.CmdSub:
		return d.handleSubFor(conn.handle, req)
	case protocol.CmdUnsub:
		return d.handleUnsubFor(conn.handle, req)
	default:
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "unknown command")
	}
}

func (d *Dispatcher) handleCreate(req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdCreate, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "CREATE requires key and value")
	}
	key, value := req.Args[0], req.Args[1]
	if _, err := d.store.Create(key, value, 0); err != nil {
		return storeError(req.RequestID, err)
	}
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "Created "+key)
}

func (d *Dispatcher) handleAdd(req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdAdd, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "ADD requires key, value and ttl")
	}
	key, value := req.Args[0], req.Args[1]
	ttl, err := strconv.ParseInt(req.Args[2], 10, 64)
	if err != nil || ttl < 0 {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "ttl must be a non-negative integer")
	}
	if _, serr := d.store.Create(key, value, absoluteDeadline(ttl)); serr != nil {
		return storeError(req.RequestID, serr)
	}
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "Created "+key)
}

func (d *Dispatcher) handleRead(req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdRead, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "READ requires a key")
	}
	value, err := d.store.Read(req.Args[0])
	if err != nil {
		return storeError(req.RequestID, err)
	}
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "OK").WithValue(value)
}

func (d *Dispatcher) handleUpdate(req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdUpdate, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "UPDATE requires key, value and optional ttl")
	}
	key, value := req.Args[0], req.Args[1]

	ttl := int64(0)
	if len(req.Args) == 3 {
		parsed, err := strconv.ParseInt(req.Args[2], 10, 64)
		if err != nil || parsed < 0 {
			return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "ttl must be a non-negative integer")
		}
		ttl = absoluteDeadline(parsed)
	} else {
		// Omitted ttl preserves the existing deadline rather than clearing
		// it — SPEC_FULL.md §9, open question 1.
		if existing, ok := d.store.Peek(key); ok {
			ttl = existing.TTLDeadline
		}
	}

	if _, err := d.store.Update(key, value, ttl); err != nil {
		return storeError(req.RequestID, err)
	}
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "Updated "+key)
}

func (d *Dispatcher) handleDelete(req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdDelete, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "DELETE requires a key")
	}
	key := req.Args[0]
	if _, ok := d.store.Peek(key); !ok {
		return protocol.NewError(req.RequestID, protocol.CodeNotFound, "key not found")
	}
	_ = d.store.Delete(key)
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "Key Deleted Successfully")
}

func (d *Dispatcher) handleMem(req *protocol.Request) protocol.Response {
	mb := d.store.Accountant().CurrentMB()
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "OK").WithValue(strconv.FormatFloat(mb, 'f', 6, 64))
}

func (d *Dispatcher) handleFlushAll(req *protocol.Request) protocol.Response {
	d.store.FlushAll()
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "Flushed all keys")
}

// handleSubFor and handleUnsubFor are SUB/UNSUB's real implementations;
// they act on the requesting connection's eventbus.Handle.
func (d *Dispatcher) handleSubFor(h *eventbus.Handle, req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdSub, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "SUB requires an event kind")
	}
	kind, ok := eventbus.ParseKind(req.Args[0])
	if !ok {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "unknown event kind")
	}
	already := d.bus.Subscribe(h, kind)
	if already {
		return protocol.NewResponse(req.RequestID, protocol.CodeOK, "already subscribed to "+string(kind))
	}
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "subscribed to "+string(kind))
}

func (d *Dispatcher) handleUnsubFor(h *eventbus.Handle, req *protocol.Request) protocol.Response {
	if !protocol.ValidArgCount(protocol.CmdUnsub, len(req.Args)) {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "UNSUB requires an event kind")
	}
	kind, ok := eventbus.ParseKind(req.Args[0])
	if !ok {
		return protocol.NewError(req.RequestID, protocol.CodeBadArgs, "unknown event kind")
	}
	d.bus.Unsubscribe(h, kind)
	return protocol.NewResponse(req.RequestID, protocol.CodeOK, "unsubscribed from "+string(kind))
}

func storeError(requestID string, err *store.Error) protocol.Response {
	switch err.Code {
	case store.ErrBadArgs:
		return protocol.NewError(requestID, protocol.CodeBadArgs, err.Msg)
	case store.ErrNotFound:
		return protocol.NewError(requestID, protocol.CodeNotFound, err.Msg)
	case store.ErrDuplicate:
		return protocol.NewError(requestID, protocol.CodeDuplicate, err.Msg)
	case store.ErrMemoryLimit:
		return protocol.NewError(requestID, protocol.CodeInternal, err.Msg)
	default:
		return protocol.NewError(requestID, protocol.CodeInternal, err.Msg)
	}
}

func absoluteDeadline(ttlSeconds int64) int64 {
	if ttlSeconds == 0 {
		return 0
	}
	return nowUnix() + ttlSeconds
}
