package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kvcached/internal/config"
	"kvcached/internal/eventbus"
	"kvcached/internal/metrics"
	"kvcached/internal/protocol"
)

const outQueueSize = 64

// Server listens for plain TCP connections and speaks the \r\n-delimited
// frame protocol of spec.md §6 — the RequestPipeline's Listener, adapted
// from the teacher's gobwas/ws upgrade loop (internal/transport/server.go
// in go-server-3) down to a raw byte stream, since this protocol has no
// handshake of its own.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	metrics    *metrics.Registry
	registry   *Registry
	dispatcher *Dispatcher
	bus        *eventbus.Bus

	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, logger *zap.Logger, metricsRegistry *metrics.Registry, registry *Registry, dispatcher *Dispatcher, bus *eventbus.Bus) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metricsRegistry,
		registry:   registry,
		dispatcher: dispatcher,
		bus:        bus,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			if s.metrics != nil {
				s.metrics.Requests.AcceptErrors.Inc()
			}
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	c := s.registry.Register(conn, outQueueSize)
	defer s.registry.Unregister(c)
	defer s.bus.Purge(c.handle)

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	// Closing the socket on cancellation unblocks readLoop's pending read,
	// so shutdown does not wait for the client to disconnect.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, c)
	}()

	s.readLoop(connCtx, c)
	cancel()
	<-done
}

// readLoop scans \r\n-delimited frames off the socket, rate-limited by the
// per-connection limiter (ReadRatePerSecond/ReadBurst), and hands each parsed request to
// the shared Dispatcher. A frame that fails to parse gets an immediate
// error response addressed to request id "0" rather than closing the
// connection — spec.md §6's parse-failure contract.
func (s *Server) readLoop(ctx context.Context, c *Connection) {
	limiter := newLimiter(s.cfg.ReadRatePerSecond, s.cfg.ReadBurst)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	scanner.Split(scanLines)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		line := scanner.Bytes()
		req, err := protocol.ParseFrame(line)
		if err != nil {
			deliverGuaranteed(ctx, c, protocol.NewError("0", protocol.CodeBadArgs, err.Error()))
			continue
		}

		s.dispatcher.Enqueue(c, req)
	}
}

// writeLoop drains both a connection's direct responses and its
// subscribed events onto the wire, one JSON frame per line.
func (s *Server) writeLoop(ctx context.Context, c *Connection) {
	writer := bufio.NewWriter(c.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-c.out:
			if !ok {
				return
			}
			if !s.writeResponse(writer, resp) {
				return
			}
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !s.writeResponse(writer, protocol.NewEvent(ev.ID, ev.Message)) {
				return
			}
		}
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp protocol.Response) bool {
	encoded, err := protocol.Encode(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return false
	}
	if _, err := w.Write(encoded); err != nil {
		s.logger.Debug("write response error", zap.Error(err))
		return false
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		s.logger.Debug("write delimiter error", zap.Error(err))
		return false
	}
	if err := w.Flush(); err != nil {
		s.logger.Debug("flush error", zap.Error(err))
		return false
	}
	return true
}

// deliver enqueues a response onto a connection's direct reply channel,
// dropping and logging rather than blocking if the client has fallen too
// far behind to keep up — the same non-blocking-fan-out discipline the
// Store and EventBus apply to their own subscribers. Used for ordinary
// dispatcher responses, which spec.md does not single out for guaranteed
// delivery.
func deliver(c *Connection, resp protocol.Response, logger *zap.Logger) {
	select {
	case c.out <- resp:
	default:
		if logger != nil {
			logger.Warn("transport: dropped response, connection queue full",
				zap.Uint64("connection_id", c.ID), zap.String("request_id", resp.RequestID))
		}
	}
}

// deliverGuaranteed blocks until resp is placed on the connection's direct
// reply channel, bounded only by connection teardown (ctx cancellation) —
// spec.md §6's parse-failure contract is explicit that this one response
// class is "never dropped silently", unlike the best-effort deliver above.
func deliverGuaranteed(ctx context.Context, c *Connection, resp protocol.Response) {
	select {
	case c.out <- resp:
	case <-ctx.Done():
	}
}

// scanLines is a bufio.SplitFunc recognizing "\r\n" as the frame
// delimiter, per spec.md §6 (plain "\n" alone never terminates a frame).
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := indexCRLF(data); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func indexCRLF(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
