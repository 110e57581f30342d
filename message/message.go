// Package message defines the JSON-RPC 2.0 object model exchanged between client and server.
//
// Message is the envelope for every value on the wire. Which kind of message it is depends on the
// fields that are present:
//
//	request:      {"jsonrpc":"2.0","id":1,"method":"echo","params":[5]}
//	notification: {"jsonrpc":"2.0","method":"tick","params":{"n":1}}
//	success:      {"jsonrpc":"2.0","id":1,"result":5}
//	error:        {"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}
package message

import (
	"bytes"
	"encoding/json"
)

// Version is the only protocol version produced by this package.
const Version = "2.0"

var null = json.RawMessage("null")

// Message carries a single JSON-RPC request, notification or response.
//
// ID is kept raw so it can be echoed back byte for byte. A nil ID means the member was absent
// (a notification); the literal null is kept as "null".
type Message struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Context json.RawMessage `json:"context,omitempty"` // optional caller context, echoed into logs
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasMethod reports whether the message is itself a call or notification.
func (m *Message) HasMethod() bool { return m.Method != "" }

// IsNotification reports whether the message is a call that expects no answer.
func (m *Message) IsNotification() bool { return m.HasMethod() && m.ID == nil }

// IsCall reports whether the message is a call that expects an answer.
func (m *Message) IsCall() bool { return m.HasMethod() && m.hasValidID() }

// IsTerminal reports whether the message carries a result or an error, i.e. it completes an
// exchange.
func (m *Message) IsTerminal() bool { return m.Result != nil || m.Error != nil }

// IsResponse reports whether the message is a well formed answer to a call.
func (m *Message) IsResponse() bool {
	return !m.HasMethod() && m.Params == nil && m.hasValidID() && m.IsTerminal()
}

func (m *Message) hasValidID() bool {
	return len(m.ID) > 0 && m.ID[0] != '{' && m.ID[0] != '['
}

// Key returns the canonical text of the message id, suitable as a map key.
func (m *Message) Key() string { return IDKey(m.ID) }

// String renders the message as JSON.
func (m *Message) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// IDKey normalizes a raw id into a map key.
func IDKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(bytes.TrimSpace(id))
	}
	return buf.String()
}

// Kind classifies an outgoing or incoming message.
type Kind int

const (
	// KindSuccess is a terminal answer (result or error) to a call.
	KindSuccess Kind = iota
	// KindServerRequest is a call or notification issued by the peer.
	KindServerRequest
	// KindUnexpected is anything else.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindServerRequest:
		return "request"
	default:
		return "unexpected"
	}
}

// Classify sorts a message into one of the three kinds. Whether a success also matches a pending
// call is left to the caller, which downgrades unmatched answers to KindUnexpected.
func Classify(m *Message) Kind {
	switch {
	case m == nil:
		return KindUnexpected
	case m.HasMethod():
		return KindServerRequest
	case m.IsResponse():
		return KindSuccess
	default:
		return KindUnexpected
	}
}

// Parse decodes one message.
func Parse(data []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewRequest builds a call. A nil id builds a notification.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	msg := &Message{Version: Version, ID: id, Method: method}
	if params != nil {
		raw, err := marshalRaw(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(nil, method, params)
}

// NewResult builds a success answer. A result that cannot be encoded becomes an internal error.
func NewResult(id json.RawMessage, result any) *Message {
	raw, err := marshalRaw(result)
	if err != nil {
		return NewError(id, Errorf(CodeInternalError, "%v while encoding result", err))
	}
	return &Message{Version: Version, ID: id, Result: raw}
}

// NewError builds an error answer. The id defaults to null.
func NewError(id json.RawMessage, err *Error) *Message {
	if id == nil {
		id = null
	}
	return &Message{Version: Version, ID: id, Error: err}
}

func marshalRaw(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if raw == nil {
			return null, nil
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
