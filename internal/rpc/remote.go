package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
)

// dialTimeout bounds the best-effort dial attempted by ConnectTo, Call and
// the reconnection sweep.
const dialTimeout = 2 * time.Second

// maxFrameBytes bounds what one frame may occupy on the wire: the JSON
// budget plus a binary attachment whose escaping doubles it in the worst
// case. A peer that sends more without a delimiter gets disconnected.
const maxFrameBytes = 3 * maxFrameJSON

var errFrameTooLong = errors.New("frame exceeds maximum size")

// readFrame reads up to and including the LF delimiter, refusing to buffer
// more than limit bytes while looking for it.
func readFrame(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(line) > limit {
			return nil, errFrameTooLong
		}
	}
}

// RemoteService mimics the local presence of a remote service over one TCP
// connection, dialed or accepted. It both issues RPCs (Call) and feeds
// inbound requests to its owning Service for dispatch.
type RemoteService struct {
	svc     *Service
	coord   config.ServiceCoord // zero value for accepted connections
	addr    config.Address
	dialed  bool // false for accepted connections: never redialed
	pending *pendingLedger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

func newRemoteService(svc *Service, coord config.ServiceCoord, addr config.Address) *RemoteService {
	return &RemoteService{
		svc:     svc,
		coord:   coord,
		addr:    addr,
		dialed:  true,
		pending: newPendingLedger(),
	}
}

// newAcceptedService wraps an inbound connection. Accepted connections are
// never redialed: when the peer goes away it is expected to reconnect.
func newAcceptedService(svc *Service, conn net.Conn) *RemoteService {
	rs := &RemoteService{
		svc:     svc,
		pending: newPendingLedger(),
	}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		rs.addr = config.Address{Host: tcp.IP.String(), Port: tcp.Port}
	}
	rs.attach(conn)
	return rs
}

// Connected reports whether the underlying socket is believed usable.
func (r *RemoteService) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Coord returns the remote coordinate, or the zero value for accepted
// connections.
func (r *RemoteService) Coord() config.ServiceCoord { return r.coord }

// Addr returns the peer address.
func (r *RemoteService) Addr() config.Address { return r.addr }

// connect dials the peer if not already connected. Errors are not returned:
// a failed dial simply leaves the connection down for the next sweep.
func (r *RemoteService) connect() {
	r.mu.Lock()
	if r.connected || !r.dialed {
		r.mu.Unlock()
		return
	}
	addr := r.addr.String()
	r.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		r.svc.logger.Debug("dial failed", "remote", r.coord.String(), "addr", addr, "error", err)
		return
	}
	r.attach(conn)
	r.svc.logger.Info("connected", "remote", r.coord.String(), "addr", addr)
}

func (r *RemoteService) attach(conn net.Conn) {
	r.mu.Lock()
	if r.connected {
		// A concurrent dial won; keep the established connection.
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conn = conn
	r.connected = true
	r.mu.Unlock()
	go r.readLoop(conn)
}

// Call issues an asynchronous RPC. If the connection is down after one dial
// attempt, the call does nothing, the callback never fires and Call returns
// false: callers treat "not connected" as a legitimate transient state,
// retried on their next tick. The callback, if any, runs on the service
// event goroutine with (response data, plus, error).
func (r *RemoteService) Call(method string, data map[string]any, callback Callback, plus any) bool {
	r.connect()
	if !r.Connected() {
		r.svc.logger.Debug("call skipped, not connected", "remote", r.coord.String(), "method", method)
		return false
	}

	msg := &Message{Method: method, Data: data}
	if data == nil {
		msg.Data = map[string]any{}
	}
	msg.ID = r.pending.register(method, callback, plus)
	r.svc.stats().RPCRequest(method)

	frame, err := Encode(msg)
	if err != nil {
		if call := r.pending.take(msg.ID); call != nil {
			r.svc.completeCall(r, call, nil, fmt.Errorf("encode %s: %w", method, err))
		}
		return true
	}
	if err := r.write(frame); err != nil {
		r.svc.logger.Warn("write failed", "remote", r.coord.String(), "method", method, "error", err)
		r.close()
	}
	return true
}

// CallSync issues an RPC and blocks until the response arrives or ctx is
// done. It must not be called from the service event goroutine, which is the
// one that delivers responses.
func (r *RemoteService) CallSync(ctx context.Context, method string, data map[string]any) (any, error) {
	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	issued := r.Call(method, data, func(data any, _ any, err error) {
		ch <- outcome{data, err}
	}, nil)
	if !issued {
		return nil, ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		return out.data, out.err
	}
}

func (r *RemoteService) write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return ErrNotConnected
	}
	_, err := r.conn.Write(frame)
	return err
}

// sendReply writes a response frame for a served request. A []byte result is
// shipped as a binary attachment with null JSON data.
func (r *RemoteService) sendReply(id string, result any, handlerErr error) {
	msg := &Message{ID: id}
	if handlerErr != nil {
		msg.Error = handlerErr.Error()
	} else if raw, ok := result.([]byte); ok {
		msg.Binary = raw
	} else {
		msg.Data = result
	}

	frame, err := Encode(msg)
	if err != nil {
		r.svc.logger.Error("cannot encode reply", "id", id, "error", err)
		return
	}
	if err := r.write(frame); err != nil {
		r.svc.logger.Warn("reply write failed", "id", id, "error", err)
		r.close()
	}
}

// readLoop owns the inbound side of the connection: it splits the byte
// stream on the frame delimiter and hands every decoded message to the
// service event goroutine. Any read error closes the connection; the
// periodic sweep takes it from there.
func (r *RemoteService) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := readFrame(reader, maxFrameBytes)
		if err != nil {
			if errors.Is(err, errFrameTooLong) {
				r.svc.logger.Error("oversized frame, closing connection",
					"remote", r.coord.String(), "addr", r.addr.String())
			} else {
				r.svc.logger.Debug("connection closed", "remote", r.coord.String(), "addr", r.addr.String(), "error", err)
			}
			r.close()
			return
		}
		frame := bytes.TrimSuffix(line, []byte(Delimiter))
		if len(frame) == len(line) {
			// LF without CR cannot occur in a well-formed frame.
			r.svc.logger.Error("malformed frame, discarding", "remote", r.coord.String())
			continue
		}

		msg, err := Decode(frame)
		if err != nil {
			// Decode failures never stop the loop; the message is dropped.
			r.svc.logger.Error("cannot understand incoming message, discarding",
				"remote", r.coord.String(), "error", err)
			continue
		}
		if !r.svc.deliver(envelope{rs: r, msg: msg}) {
			return
		}
	}
}

// close tears the connection down and asks the service loop to fail every
// pending call with ErrConnectionLost.
func (r *RemoteService) close() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	conn.Close()
	r.svc.deliver(envelope{rs: r, dropped: true})
}
