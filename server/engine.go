package server

import (
	"context"
	"errors"
	"sync"

	"duorpc/codec"
	"duorpc/message"
	"duorpc/middleware"
)

// ErrExchangeClosed is returned by Scope pushes after the call has been answered.
var ErrExchangeClosed = errors.New("rpc: exchange already answered")

// Engine executes inbound calls. Each call is one exchange: the handler runs in its own goroutine
// and everything it produces (pushes first, the terminal answer last) is handed to the transport
// over a channel in production order.
type Engine struct {
	methods *serviceMap
	handler middleware.HandlerFunc
}

func newEngine(methods *serviceMap, mws []middleware.Middleware) *Engine {
	e := &Engine{methods: methods}
	e.handler = middleware.Chain(mws...)(e.dispatch)
	return e
}

// Exec starts the exchange for req. The returned channel is closed after the last message. A
// notification produces no terminal answer, so its channel may close without yielding anything.
// Cancelling ctx releases the exchange when the consumer stops reading.
func (e *Engine) Exec(ctx context.Context, req *message.Request) <-chan *message.Message {
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		if err := req.Err(); err != nil {
			send(ctx, out, req.Fail(err))
			return
		}

		scope := &Scope{req: req, ctx: ctx, out: out, calls: callsFrom(ctx)}
		resp := e.handler(withScope(ctx, scope), req)
		scope.close()

		if req.IsNotification() {
			return
		}
		if resp == nil {
			resp = req.Reply(nil)
		}
		send(ctx, out, resp)
	}()
	return out
}

func send(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch is the innermost handler: method lookup, argument decoding and the call itself.
func (e *Engine) dispatch(ctx context.Context, req *message.Request) *message.Message {
	m, ok := e.methods.lookup(req.Method())
	if !ok {
		return req.Fail(message.DataError(message.CodeMethodNotFound, message.StdError(message.CodeMethodNotFound).Message, req.Method()))
	}
	result, err := m.call(ctx, req.Params())
	if err != nil {
		return req.Fail(err)
	}
	return req.Reply(result)
}

type (
	scopeKey struct{}
	callsKey struct{}
)

// withCalls marks ctx as belonging to a session that can route answers of server calls.
func withCalls(ctx context.Context, t *callTable) context.Context {
	return context.WithValue(ctx, callsKey{}, t)
}

func callsFrom(ctx context.Context) *callTable {
	t, _ := ctx.Value(callsKey{}).(*callTable)
	return t
}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the exchange handle of the call being handled, or nil outside of a handler.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Scope lets a handler talk to the caller while the call is pending. Messages pushed through it
// are delivered ahead of the answer on the same output.
type Scope struct {
	req   *message.Request
	ctx   context.Context
	out   chan<- *message.Message
	calls *callTable // nil when the transport cannot carry answers

	mu     sync.Mutex
	closed bool
}

// Request returns the call being handled.
func (s *Scope) Request() *message.Request { return s.req }

// Notify pushes a notification to the caller.
func (s *Scope) Notify(method string, params any) error {
	msg, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.push(msg)
}

// Call sends a call to the caller and waits for its answer, which is decoded into reply when reply
// is not nil. An error answer is returned as *message.Error. Only persistent sessions can answer;
// over HTTP Call sends nothing and returns ErrNoReturnPath.
func (s *Scope) Call(ctx context.Context, method string, params any, reply any) error {
	if s.calls == nil {
		return ErrNoReturnPath
	}
	id, ch, err := s.calls.add()
	if err != nil {
		return err
	}
	msg, err := message.NewRequest(id, method, params)
	if err != nil {
		s.calls.remove(id)
		return err
	}
	if err := s.push(msg); err != nil {
		s.calls.remove(id)
		return err
	}

	select {
	case answer, ok := <-ch:
		if !ok {
			return ErrSessionClosed
		}
		if answer.Error != nil {
			return answer.Error
		}
		if reply == nil {
			return nil
		}
		return codec.Default.Decode(answer.Result, reply)
	case <-ctx.Done():
		s.calls.remove(id)
		return ctx.Err()
	case <-s.ctx.Done():
		s.calls.remove(id)
		return s.ctx.Err()
	}
}

// SetDiagData attaches a payload logged with the answer of this call.
func (s *Scope) SetDiagData(v any) { s.req.SetDiagData(v) }

func (s *Scope) push(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrExchangeClosed
	}
	if !send(s.ctx, s.out, msg) {
		return s.ctx.Err()
	}
	return nil
}

// close rejects further pushes. It waits for a push in progress, so nothing can follow the answer.
func (s *Scope) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
