package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"chronicles/internal/coordinator"
	"chronicles/internal/domain"
	"chronicles/internal/hashroute"
	"chronicles/internal/persistent"
	"chronicles/internal/reader"
	"chronicles/internal/subscription"
)

// Handler answers a decoded Request by calling into the four read/write
// components. One Handler is shared by every connection a Server accepts.
type Handler struct {
	Coord      *coordinator.Coordinator
	Reader     *reader.Reader
	Dispatcher *subscription.Dispatcher
	Persistent *persistent.Engine
}

// Config configures a Server's listener and the bounded queues that
// protect it from overload, mirroring the teacher's socket.Server:
// a fixed-size queue per stream shard plus a global admission queue, both
// rejecting with ErrorCodeTooBusy rather than blocking when full.
type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
}

type Server struct {
	cfg     Config
	handler *Handler
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	shardQ  []chan queuedRequest
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *Request
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *Response
	inflight chan struct{}

	mu   sync.Mutex
	subs map[string]context.CancelFunc // request id -> cancel for an active subscription
}

func NewServer(cfg Config, handler *Handler) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		shardQ:  make([]chan queuedRequest, hashroute.ShardCount),
	}
	for i := range s.shardQ {
		s.shardQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := range s.shardQ {
		s.wg.Add(1)
		go s.runShardWorker(ctx, s.shardQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, q := range s.shardQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *Response, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		subs:     make(map[string]context.CancelFunc),
	}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer raw.Close()
		defer close(conn.writerQ)
		defer conn.cancelAll()
		s.readLoop(ctx, conn)
	}()
}

func (c *connection) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if req.Operation == int32(OperationUnknown) {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: "operation is required"})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeAccessDenied), ErrorMessage: "invalid auth token"})
			continue
		}

		if isSubscribeOp(Operation(req.Operation)) {
			s.startSubscription(ctx, conn, req)
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeTooBusy), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeTooBusy), ErrorMessage: "server queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.shardQ[shardFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeTooBusy), ErrorMessage: "shard queue overloaded"})
		}
	}
}

func (s *Server) runShardWorker(ctx context.Context, q chan queuedRequest) {
	defer s.wg.Done()
	for qr := range q {
		res := s.handler.handle(ctx, qr.req)
		qr.release()
		s.send(qr.conn, res)
	}
}

func (s *Server) send(conn *connection, res *Response) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func isSubscribeOp(op Operation) bool {
	switch op {
	case OperationSubscribeLive, OperationSubscribeCatchUp, OperationSubscribeFilteredAll:
		return true
	}
	return false
}

func shardFor(req *Request) int {
	var stream string
	switch {
	case req.Append != nil:
		stream = req.Append.Stream
	case req.ReadStream != nil:
		stream = req.ReadStream.Stream
	case req.ReadEvent != nil:
		stream = req.ReadEvent.Stream
	}
	if stream == "" {
		return 0
	}
	return int(hashroute.ShardForStream(domain.StreamID(stream)))
}

// startSubscription registers the subscription with the dispatcher (or
// persistent engine for a consumer-group connect) and forwards every
// emitted event as a PushFrame on conn.writerQ until the subscription is
// dropped or the connection closes. An Unsubscribe request is not handled:
// readLoop passes it to the handler, which answers it as an unsupported
// operation and leaves the subscription running.
func (s *Server) startSubscription(ctx context.Context, conn *connection, req *Request) {
	subCtx, cancel := context.WithCancel(ctx)
	conn.mu.Lock()
	conn.subs[req.RequestId] = cancel
	conn.mu.Unlock()

	res, frames, err := s.handler.startSubscribe(subCtx, req)
	if err != nil {
		cancel()
		s.send(conn, res)
		return
	}
	s.send(conn, res)

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				s.send(conn, &Response{RequestId: req.RequestId, Push: frame})
				if frame.Kind == int32(PushKindSubscriptionDropped) {
					conn.mu.Lock()
					delete(conn.subs, req.RequestId)
					conn.mu.Unlock()
					return
				}
			}
		}
	}()
}

// DialAndRequest opens a connection, sends one request/response pair and
// closes. It is not suited to subscriptions, which must stay open to
// receive push frames.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}
