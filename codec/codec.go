// Package codec turns JSON-RPC messages into bytes and back.
//
// Two shapes of input exist: an HTTP body, which holds exactly one message and is decoded in one go,
// and a duplex stream, which carries an unbounded sequence of messages separated by optional
// whitespace. Stream frames the latter on top of the jrpc2 RawJSON channel.
package codec

// Codec encodes messages and the values they carry.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is used for params, results and whole messages throughout the module.
var Default Codec = JSONCodec{}
