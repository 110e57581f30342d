package message

import (
	"errors"
	"fmt"

	"github.com/creachadair/jrpc2"
)

// Standard JSON-RPC error codes plus the codes used by this module.
var (
	CodeParseError     = int(jrpc2.ParseError)
	CodeInvalidRequest = int(jrpc2.InvalidRequest)
	CodeMethodNotFound = int(jrpc2.MethodNotFound)
	CodeInvalidParams  = int(jrpc2.InvalidParams)
	CodeInternalError  = int(jrpc2.InternalError)
)

const (
	// CodeServerError is reported for errors returned by method handlers.
	CodeServerError = -32000
	// CodeTransport is reported by clients for failures that never reached a JSON-RPC answer.
	CodeTransport = -1
)

// Error is the error member of a JSON-RPC answer.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("json-rpc error %d", e.Code)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Errorf builds an error with a formatted message.
func Errorf(c int, format string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(format, args...)}
}

// DataError builds an error carrying structured data.
func DataError(c int, msg string, data any) *Error {
	return &Error{Code: c, Message: msg, Data: data}
}

// StdError builds an error for one of the standard codes using its standard message.
func StdError(c int) *Error {
	return &Error{Code: c, Message: jrpc2.Code(c).String()}
}

// AsError converts any error into a JSON-RPC error. Errors that already are *Error keep their code,
// everything else is reported as a server error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeServerError, Message: err.Error()}
}
