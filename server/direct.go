package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"duorpc/codec"
	"duorpc/delivery"
	"duorpc/message"
	"duorpc/stats"
)

// frameWriter is the output side of a session. Flush hands everything written so far to the peer.
type frameWriter interface {
	io.Writer
	Flush() error
}

// session is one persistent duplex connection. Reads happen only in the session loop; writes come
// from the loop and from server broadcasts, serialized by writeMu so only whole messages interleave.
type session struct {
	id   string
	conn io.Closer
	r    *bufio.Reader

	writeMu sync.Mutex
	w       frameWriter
}

func newSession(r *bufio.Reader, w frameWriter, conn io.Closer) *session {
	return &session{id: uuid.NewString(), conn: conn, r: r, w: w}
}

func (s *session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.w.Write(p)
}

func (s *session) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.w.Flush()
}

// Finalize ends the session. The streaming policy never calls it.
func (s *session) Finalize() error {
	err := s.Flush()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// push writes one complete message and flushes it.
func (s *session) push(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *session) Close() error { return s.conn.Close() }

// closeRead stops the loop after the exchange in progress. Connections that cannot half-close are
// closed outright.
func (s *session) closeRead() {
	if cr, ok := s.conn.(interface{ CloseRead() error }); ok {
		cr.CloseRead()
		return
	}
	s.conn.Close()
}

// DirectAdapter runs the request loop of persistent connections: wait for a message, execute it,
// deliver everything it produced, repeat. Whitespace between messages is keep-alive padding.
type DirectAdapter struct {
	engine     *Engine
	policy     *delivery.Policy
	maxMsgSize int
	log        logr.Logger
}

// NewDirectAdapter builds the loop. A maxMsgSize of zero or less disables the limit.
func NewDirectAdapter(engine *Engine, reg *stats.Registry, maxMsgSize int, log logr.Logger) *DirectAdapter {
	return &DirectAdapter{
		engine:     engine,
		policy:     delivery.Stream(reg, log),
		maxMsgSize: maxMsgSize,
		log:        log,
	}
}

// inbound is one read from a session: a message or the error that ended reading.
type inbound struct {
	data     []byte
	err      error
	received time.Time
}

// Serve runs the loop until the peer disconnects, a read or parse error occurs, or ctx is done.
// A clean disconnect between messages returns nil.
//
// Calls are executed one at a time in arrival order. Reading continues in the background while a
// call runs, so answers to calls the server sent through Scope.Call reach the waiting handler
// instead of queueing behind it.
func (a *DirectAdapter) Serve(ctx context.Context, sess *session) error {
	log := a.log.WithValues("session", sess.id)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	calls := newCallTable()
	defer calls.close()
	in := make(chan inbound)
	go a.readLoop(ctx, sess, calls, in)

	for {
		var item inbound
		select {
		case item = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}

		var req *message.Request
		switch err := item.err; {
		case err == nil:
			req = message.ParseRequest(item.data, item.received)
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, codec.ErrMessageTooLarge):
			req = message.RejectedRequest(message.DataError(message.CodeInvalidRequest, "request too large", a.maxMsgSize), item.received)
		case errors.Is(err, codec.ErrSyntax):
			req = message.RejectedRequest(message.DataError(message.CodeParseError, message.StdError(message.CodeParseError).Message, err.Error()), item.received)
		default:
			return err
		}

		if err := a.exchange(withCalls(ctx, calls), sess, req); err != nil {
			return err
		}
		// The stream cannot be resynchronized after input that did not frame or parse.
		if e := req.Err(); e != nil && (item.data == nil || e.Code == message.CodeParseError) {
			log.V(1).Info("closing session after unreadable input", "err", e.Error())
			return fmt.Errorf("direct: %w", e)
		}
	}
}

// readLoop reads messages until the stream fails. Answers to pending server calls are routed to
// their callers; everything else is queued for the session loop. The read error is queued last.
func (a *DirectAdapter) readLoop(ctx context.Context, sess *session, calls *callTable, in chan<- inbound) {
	stream := codec.NewReader(sess.r, a.maxMsgSize)
	for {
		data, err := stream.Next()
		item := inbound{data: data, err: err, received: time.Now()}
		if err != nil {
			// Handlers waiting for answers would wait for the loop, which waits for them.
			calls.close()
		} else if msg, perr := message.Parse(data); perr == nil && !msg.HasMethod() && msg.IsTerminal() {
			// An answer is never answered, even when nothing waits for it.
			if !calls.resolve(msg) {
				a.log.V(1).Info("dropping answer to unknown call", "session", sess.id, "id", string(msg.ID))
			}
			continue
		}
		select {
		case in <- item:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (a *DirectAdapter) exchange(ctx context.Context, sess *session, req *message.Request) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for resp := range a.engine.Exec(ctx, req) {
		if err := a.policy.Deliver(sess, resp, req); err != nil {
			return err
		}
	}
	return nil
}
