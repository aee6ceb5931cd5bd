package rpc

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
)

// ErrNotConnected is the only way transport trouble surfaces to callers:
// the connection is down and will be retried by the periodic sweep.
var ErrNotConnected = errors.New("remote service not connected")

// maxTimerWait caps one event-loop wait so newly registered timers are
// noticed promptly.
const maxTimerWait = 100 * time.Millisecond

// Handler serves one RPC method. It receives the request payload and returns
// the response value (a []byte return is shipped as a binary attachment) or
// an error, which travels back to the caller as a string.
type Handler func(ctx context.Context, data map[string]any) (any, error)

// Stats receives substrate-level events. The zero implementation discards
// them; the evaluation service plugs Prometheus counters in here.
type Stats interface {
	RPCRequest(method string)
	RPCServed(method string, err error)
	Reconnect()
}

type nopStats struct{}

func (nopStats) RPCRequest(string)       {}
func (nopStats) RPCServed(string, error) {}
func (nopStats) Reconnect()              {}

// Options tunes a Service. The zero value gives the defaults.
type Options struct {
	// ReconnectInterval is the period of the sweep that redials every
	// disconnected registered coordinate. There is deliberately no backoff
	// and no retry cap: the deployment is a trusted LAN. Default 10s.
	ReconnectInterval time.Duration

	// CallTimeout, when non-zero, fails pending calls older than this with
	// ErrCallTimeout. Zero keeps calls pending forever, matching callers
	// that prefer a late response over none.
	CallTimeout time.Duration

	// Stats receives substrate events; nil discards them.
	Stats Stats
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = 10 * time.Second
	}
	if out.Stats == nil {
		out.Stats = nopStats{}
	}
	return out
}

// envelope is one unit of work for the event goroutine: a decoded inbound
// message, or a connection-drop notification.
type envelope struct {
	rs      *RemoteService
	msg     *Message
	dropped bool
}

type handlerEntry struct {
	fn Handler
	// threaded handlers run in their own goroutine and reply when done, so
	// the event loop keeps serving while they work (a worker's compile job,
	// for instance).
	threaded bool
}

// Service is one node: it owns the event goroutine, the timer heap and the
// set of remote connections, and it both serves and issues RPCs. All
// handlers, callbacks and timer functions run on the event goroutine.
type Service struct {
	coord  config.ServiceCoord
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	handlers map[string]handlerEntry

	inbox    chan envelope
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu       sync.Mutex
	remotes  map[config.ServiceCoord]*RemoteService
	accepted []*RemoteService
	timers   timerHeap

	listenAddr *config.Address
	listener   net.Listener
}

// New creates a Service for the given coordinate. If the coordinate appears
// in the address configuration the service will listen there when started;
// otherwise it is outbound-only (a pure client).
func New(coord config.ServiceCoord, cfg *config.Config, logger *slog.Logger, opts Options) *Service {
	s := &Service{
		coord:    coord,
		cfg:      cfg,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "rpc", "coord", coord.String()),
		handlers: make(map[string]handlerEntry),
		inbox:    make(chan envelope, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		remotes:  make(map[config.ServiceCoord]*RemoteService),
	}
	if addr, err := cfg.GetAddress(coord); err == nil {
		s.listenAddr = &addr
	}

	// Every service answers echo and quit.
	s.Register("echo", func(_ context.Context, data map[string]any) (any, error) {
		return data["string"], nil
	})
	s.Register("quit", func(_ context.Context, data map[string]any) (any, error) {
		reason, _ := data["reason"].(string)
		s.logger.Info("quitting as asked by another service", "reason", reason)
		s.requestStop()
		return true, nil
	})
	return s
}

// Coord returns this service's coordinate.
func (s *Service) Coord() config.ServiceCoord { return s.coord }

func (s *Service) stats() Stats { return s.opts.Stats }

// Register exposes a method to remote callers. Must be called before Start.
func (s *Service) Register(name string, fn Handler) {
	s.handlers[name] = handlerEntry{fn: fn}
}

// RegisterThreaded exposes a method that runs in its own goroutine, so the
// service keeps answering RPCs while the method works.
func (s *Service) RegisterThreaded(name string, fn Handler) {
	s.handlers[name] = handlerEntry{fn: fn, threaded: true}
}

// ConnectTo idempotently sets up a connection to the given coordinate,
// attempts an immediate best-effort dial, and registers the coordinate for
// the periodic reconnection sweep.
func (s *Service) ConnectTo(coord config.ServiceCoord) (*RemoteService, error) {
	s.mu.Lock()
	if rs, ok := s.remotes[coord]; ok {
		s.mu.Unlock()
		return rs, nil
	}
	addr, err := s.cfg.GetAddress(coord)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rs := newRemoteService(s, coord, addr)
	s.remotes[coord] = rs
	s.mu.Unlock()

	rs.connect()
	return rs, nil
}

// Remote returns the connection registered for coord, or nil.
func (s *Service) Remote(coord config.ServiceCoord) *RemoteService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotes[coord]
}

// AddTimeout registers fn to be called every interval on the event
// goroutine; fn keeps the timer alive by returning true. This is the only
// scheduling primitive.
func (s *Service) AddTimeout(fn func() bool, interval time.Duration, immediately bool) {
	next := time.Now()
	if !immediately {
		next = next.Add(interval)
	}
	s.mu.Lock()
	heap.Push(&s.timers, &timerEntry{next: next, interval: interval, fn: fn})
	s.mu.Unlock()
}

// Start binds the listening socket (if configured) and runs the event loop
// until ctx is cancelled or Stop is called. Failure to bind is fatal.
func (s *Service) Start(ctx context.Context) error {
	s.started.Store(true)
	defer s.teardown()

	if s.listenAddr != nil {
		ln, err := net.Listen("tcp", s.listenAddr.String())
		if err != nil {
			return fmt.Errorf("bind %s: %w", s.listenAddr, err)
		}
		s.listener = ln
		s.logger.Info("listening", "addr", ln.Addr().String())
		go s.acceptLoop(ln)
	}

	s.AddTimeout(s.sweepReconnect, s.opts.ReconnectInterval, false)
	if s.opts.CallTimeout > 0 {
		s.AddTimeout(s.expireCalls, time.Second, false)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case env := <-s.inbox:
			s.handle(ctx, env)
		case <-time.After(s.nextTimerWait()):
		}
		s.fireTimers()
	}
}

// Stop asks the event loop to exit and waits for it. On a service whose
// Start never ran (or failed before the loop) there is nothing to wait for
// and Stop returns immediately.
func (s *Service) Stop() {
	s.requestStop()
	if s.started.Load() {
		<-s.doneCh
	}
}

// requestStop signals shutdown without waiting, so it is safe to call from
// the event goroutine itself (the quit handler does).
func (s *Service) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) teardown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	conns := make([]*RemoteService, 0, len(s.remotes)+len(s.accepted))
	for _, rs := range s.remotes {
		conns = append(conns, rs)
	}
	conns = append(conns, s.accepted...)
	s.mu.Unlock()
	for _, rs := range conns {
		rs.mu.Lock()
		conn := rs.conn
		rs.connected = false
		rs.conn = nil
		rs.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
	close(s.doneCh)
}

// deliver hands work to the event goroutine. Returns false when the service
// is shutting down and the caller (a reader goroutine) should exit.
func (s *Service) deliver(env envelope) bool {
	select {
	case s.inbox <- env:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Service) handle(ctx context.Context, env envelope) {
	switch {
	case env.dropped:
		s.dropAccepted(env.rs)
		for _, call := range env.rs.pending.takeAll() {
			s.completeCall(env.rs, call, nil, ErrConnectionLost)
		}
	case env.msg.IsRequest():
		s.serveRequest(ctx, env.rs, env.msg)
	default:
		s.resolveResponse(env.rs, env.msg)
	}
}

// dropAccepted forgets an inbound connection once it is gone, keeping the
// accepted list bounded under peers that reconnect. Dialed remotes stay
// registered for the reconnection sweep.
func (s *Service) dropAccepted(rs *RemoteService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.accepted {
		if cand == rs {
			s.accepted = append(s.accepted[:i], s.accepted[i+1:]...)
			return
		}
	}
}

// serveRequest dispatches an inbound request to the named local method and
// sends the response frame back with the same correlation id.
func (s *Service) serveRequest(ctx context.Context, rs *RemoteService, msg *Message) {
	entry, ok := s.handlers[msg.Method]
	if !ok {
		err := fmt.Errorf("service has no method %q", msg.Method)
		s.logger.Warn("unknown method requested", "method", msg.Method, "from", rs.Addr().String())
		s.stats().RPCServed(msg.Method, err)
		rs.sendReply(msg.ID, nil, err)
		return
	}
	data := msg.DataMap()
	if data == nil {
		err := errors.New("no data present")
		s.stats().RPCServed(msg.Method, err)
		rs.sendReply(msg.ID, nil, err)
		return
	}

	run := func() {
		result, err := entry.fn(ctx, data)
		if err != nil {
			s.logger.Warn("method failed", "method", msg.Method, "error", err)
		}
		s.stats().RPCServed(msg.Method, err)
		if msg.ID != "" {
			rs.sendReply(msg.ID, result, err)
		}
	}
	if entry.threaded {
		go run()
	} else {
		run()
	}
}

// resolveResponse routes a response frame to its pending call.
func (s *Service) resolveResponse(rs *RemoteService, msg *Message) {
	if msg.ID == "" {
		s.logger.Error("response without id, discarding", "from", rs.Addr().String())
		return
	}
	call := rs.pending.take(msg.ID)
	if call == nil {
		s.logger.Error("no pending request found", "id", msg.ID, "from", rs.Addr().String())
		return
	}
	var err error
	if msg.Error != "" {
		err = &RemoteError{Method: call.method, Msg: msg.Error}
	}
	s.completeCall(rs, call, msg.Data, err)
}

func (s *Service) completeCall(rs *RemoteService, call *pendingCall, data any, err error) {
	if unreported := call.fire(data, err); unreported {
		s.logger.Error("error in call without callback",
			"method", call.method, "remote", rs.coord.String(), "error", err)
	}
}

// sweepReconnect redials every disconnected registered coordinate. This is
// the system's only reconnection policy.
func (s *Service) sweepReconnect() bool {
	s.mu.Lock()
	remotes := make([]*RemoteService, 0, len(s.remotes))
	for _, rs := range s.remotes {
		remotes = append(remotes, rs)
	}
	s.mu.Unlock()

	for _, rs := range remotes {
		if !rs.Connected() {
			rs.connect()
			if rs.Connected() {
				s.stats().Reconnect()
			}
		}
	}
	return true
}

// expireCalls fails pending calls older than the configured call timeout.
func (s *Service) expireCalls() bool {
	cutoff := time.Now().Add(-s.opts.CallTimeout)
	s.mu.Lock()
	remotes := make([]*RemoteService, 0, len(s.remotes)+len(s.accepted))
	for _, rs := range s.remotes {
		remotes = append(remotes, rs)
	}
	remotes = append(remotes, s.accepted...)
	s.mu.Unlock()

	for _, rs := range remotes {
		for _, call := range rs.pending.takeExpired(cutoff) {
			s.completeCall(rs, call, nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, call.method, s.opts.CallTimeout))
		}
	}
	return true
}

// acceptLoop wraps each inbound connection in a RemoteService registered for
// inbound dispatch. Accept errors are logged; listening continues until the
// listener is closed by teardown.
func (s *Service) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("accept failed", "error", err)
					continue
				}
			}
			return
		}
		rs := newAcceptedService(s, conn)
		s.mu.Lock()
		s.accepted = append(s.accepted, rs)
		s.mu.Unlock()
		s.logger.Debug("accepted connection", "from", rs.Addr().String())
	}
}
