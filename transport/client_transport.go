// Package transport implements the client side of the direct protocol: JSON-RPC messages over one
// persistent connection, with multiplexing and whitespace heartbeats.
//
// Many calls can be in flight over a single connection. Each call gets a unique id, and a
// background goroutine (recvLoop) continuously reads messages and routes answers to the caller
// waiting on that id. Messages the server pushes on its own go to the push handler.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop:  ←── answer(id=2) → pending["2"] chan ← answer → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"duorpc/codec"
	"duorpc/message"
)

// ErrClosed is returned for calls on a closed transport.
var ErrClosed = errors.New("transport closed")

type result struct {
	msg *message.Message
	err error
}

// Option customizes a ClientTransport.
type Option func(*ClientTransport)

// WithPushHandler receives calls and notifications the server sends on its own, and answers that
// match no pending call.
func WithPushHandler(h func(*message.Message)) Option {
	return func(t *ClientTransport) { t.onPush = h }
}

// WithHeartbeat sets the keep-alive interval. Zero disables heartbeats. Default 30s.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

// WithMaxMessageSize limits incoming messages. Default unlimited.
func WithMaxMessageSize(n int) Option {
	return func(t *ClientTransport) { t.maxMsgSize = n }
}

// CallHandler answers a call the server sends while one of its own calls is pending. The returned
// error may be a *message.Error to control the code.
type CallHandler func(ctx context.Context, msg *message.Message) (any, error)

// WithCallHandler answers server calls. Without one every server call is answered with method not
// found, so the server never waits for an answer that cannot come.
func WithCallHandler(h CallHandler) Option {
	return func(t *ClientTransport) { t.onCall = h }
}

func WithLogger(log logr.Logger) Option {
	return func(t *ClientTransport) { t.log = log }
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn       net.Conn
	stream     *codec.Stream
	seq        atomic.Uint64 // monotonically increasing call id
	pending    sync.Map      // id key -> chan result, each call waits on its own channel
	sending    sync.Mutex    // writes are serialized so messages never interleave
	onPush     func(*message.Message)
	onCall     CallHandler
	heartbeat  time.Duration
	maxMsgSize int
	log        logr.Logger

	closeOnce sync.Once
	closed    chan struct{}
	err       error // why the transport closed, set before closed is closed
}

// Dial connects to a direct endpoint.
func Dial(ctx context.Context, addr string, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, opts...), nil
}

// NewClientTransport takes over conn and starts two background goroutines:
//   - recvLoop: reads messages and dispatches them to pending callers or the push handler
//   - heartbeatLoop: writes whitespace periodically so idle connections stay open
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		heartbeat: 30 * time.Second,
		log:       logr.Discard(),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.stream = codec.NewStream(conn, conn, t.maxMsgSize)
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// write sends one complete message.
func (t *ClientTransport) write(msg *message.Message) error {
	data, err := codec.Default.Encode(msg)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	select {
	case <-t.closed:
		return t.err
	default:
	}
	return t.stream.Send(data)
}

// Call sends a request and waits for its answer. An error answer is returned as the message, not
// as an error; the error result is reserved for transport failures and ctx.
func (t *ClientTransport) Call(ctx context.Context, method string, params any) (*message.Message, error) {
	id := json.RawMessage(strconv.FormatUint(t.seq.Add(1), 10))
	req, err := message.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	// Register the answer channel BEFORE sending (avoid race with recvLoop)
	key := message.IDKey(id)
	ch := make(chan result, 1)
	t.pending.Store(key, ch)

	if err := t.write(req); err != nil {
		t.pending.Delete(key)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		t.pending.Delete(key)
		return nil, ctx.Err()
	}
}

// CallResult is Call that decodes the result into reply and returns error answers as
// *message.Error.
func (t *ClientTransport) CallResult(ctx context.Context, method string, params any, reply any) error {
	msg, err := t.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return msg.Error
	}
	if reply == nil {
		return nil
	}
	return codec.Default.Decode(msg.Result, reply)
}

// Notify sends a notification.
func (t *ClientTransport) Notify(method string, params any) error {
	msg, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.write(msg)
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	for {
		data, err := t.stream.Next()
		if err != nil {
			t.shutdown(err)
			return
		}
		msg, err := message.Parse(data)
		if err != nil {
			t.shutdown(err)
			return
		}

		switch {
		case message.Classify(msg) == message.KindSuccess:
			if ch, ok := t.pending.LoadAndDelete(msg.Key()); ok {
				ch.(chan result) <- result{msg: msg}
				continue
			}
		case msg.IsCall():
			// The server blocks the pending call until this is answered, so answer off the loop.
			go t.answer(msg)
			continue
		}
		if t.onPush != nil {
			t.onPush(msg)
		} else {
			t.log.V(1).Info("dropping server message", "message", msg.String())
		}
	}
}

// answer runs the call handler for a server call and writes the answer.
func (t *ClientTransport) answer(call *message.Message) {
	var resp *message.Message
	if t.onCall == nil {
		resp = message.NewError(call.ID, message.DataError(message.CodeMethodNotFound, message.StdError(message.CodeMethodNotFound).Message, call.Method))
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-t.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		result, err := t.onCall(ctx, call)
		cancel()
		if err != nil {
			resp = message.NewError(call.ID, message.AsError(err))
		} else {
			resp = message.NewResult(call.ID, result)
		}
	}
	if err := t.write(resp); err != nil {
		t.log.V(1).Info("answering server call failed", "method", call.Method, "err", err.Error())
	}
}

// shutdown closes the connection and fails every pending call with err.
func (t *ClientTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		// Closing first unblocks a write in progress, which holds the sending lock.
		t.conn.Close()
		t.sending.Lock()
		t.err = err
		close(t.closed)
		t.sending.Unlock()
	})
	t.closeAllPending(t.err)
}

// closeAllPending sends an error to every pending caller so they don't block forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan result) <- result{err: err}
		}
		return true
	})
}

// heartbeatLoop writes a single newline every interval. Whitespace between messages is ignored by
// the server, so this keeps the connection busy without starting a message.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-t.closed:
			return
		}
		t.sending.Lock()
		_, err := t.conn.Write([]byte{'\n'})
		t.sending.Unlock()
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

// Done is closed when the transport stops.
func (t *ClientTransport) Done() <-chan struct{} { return t.closed }

// Err returns why the transport stopped, nil while it runs.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

// Close closes the connection; pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
