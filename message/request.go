package message

import (
	"encoding/json"
	"sync"
	"time"
)

// Request is an inbound call as seen by the dispatch core. It is created once per call and never
// shared between exchanges. A request that failed to parse or validate carries the failure in Err
// and is answered with that error by the engine.
type Request struct {
	msg      *Message
	err      *Error
	received time.Time

	mu        sync.Mutex
	diag      any
	errorSent bool
}

// ParseRequest parses an inbound call. It never fails: malformed input is recorded as a parse error
// or invalid request and surfaces through Err.
func ParseRequest(data []byte, received time.Time) *Request {
	req := &Request{received: received}
	msg, err := Parse(data)
	if err != nil {
		req.err = DataError(CodeParseError, StdError(CodeParseError).Message, err.Error())
		return req
	}
	req.msg = msg
	req.err = validate(msg)
	return req
}

// NewInboundRequest wraps an already decoded message.
func NewInboundRequest(msg *Message, received time.Time) *Request {
	return &Request{msg: msg, err: validate(msg), received: received}
}

// RejectedRequest is an inbound call that was refused before it could be parsed, e.g. because it
// exceeded the size limit.
func RejectedRequest(err *Error, received time.Time) *Request {
	return &Request{err: err, received: received}
}

func validate(msg *Message) *Error {
	switch {
	case msg.Version != "" && msg.Version != Version:
		return Errorf(CodeInvalidRequest, "unsupported jsonrpc version %q", msg.Version)
	case msg.Method == "":
		return Errorf(CodeInvalidRequest, "missing method")
	case msg.ID != nil && !msg.hasValidID():
		return Errorf(CodeInvalidRequest, "invalid id")
	case msg.IsTerminal():
		return Errorf(CodeInvalidRequest, "request carries a result or error")
	}
	return nil
}

// Err returns the parse or validation failure, if any.
func (r *Request) Err() *Error { return r.err }

// Message returns the decoded envelope; nil when parsing failed.
func (r *Request) Message() *Message { return r.msg }

// Method returns the called method name.
func (r *Request) Method() string {
	if r.msg == nil {
		return ""
	}
	return r.msg.Method
}

// Params returns the raw positional or keyed arguments.
func (r *Request) Params() json.RawMessage {
	if r.msg == nil {
		return nil
	}
	return r.msg.Params
}

// ID returns the raw id; nil for notifications and unparsable input.
func (r *Request) ID() json.RawMessage {
	if r.msg == nil {
		return nil
	}
	return r.msg.ID
}

// Context returns the optional caller supplied context value.
func (r *Request) Context() json.RawMessage {
	if r.msg == nil {
		return nil
	}
	return r.msg.Context
}

// IsNotification reports whether no answer must be produced. Invalid input is always answered.
func (r *Request) IsNotification() bool {
	return r.err == nil && r.msg.IsNotification()
}

// Received is when the first byte of the request was read.
func (r *Request) Received() time.Time { return r.received }

// Elapsed is the time since the request was received.
func (r *Request) Elapsed() time.Duration { return time.Since(r.received) }

// SetDiagData attaches a diagnostic payload that is logged with the answer.
func (r *Request) SetDiagData(v any) {
	r.mu.Lock()
	r.diag = v
	r.mu.Unlock()
}

// DiagData returns the diagnostic payload, nil if none was attached.
func (r *Request) DiagData() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diag
}

// ErrorSent reports whether an error answer has been produced.
func (r *Request) ErrorSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorSent
}

// Reply builds the success answer for this request.
func (r *Request) Reply(result any) *Message {
	msg := NewResult(r.ID(), result)
	if msg.Error != nil {
		r.markErrorSent()
	}
	return msg
}

// Fail builds the error answer for this request.
func (r *Request) Fail(err *Error) *Message {
	r.markErrorSent()
	return NewError(r.ID(), err)
}

func (r *Request) markErrorSent() {
	r.mu.Lock()
	r.errorSent = true
	r.mu.Unlock()
}
