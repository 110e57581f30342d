package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/jrpc2/channel"
)

var (
	// ErrMessageTooLarge is returned when a single streamed message exceeds the reader limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrSyntax is returned when the stream does not hold a well-formed JSON value.
	ErrSyntax = errors.New("malformed message")
)

// Stream carries JSON-RPC messages on a byte stream framed by JSON syntax alone: each message is
// one complete JSON value and whitespace between values is idle padding that never produces a
// message. Sending writes the message followed by a newline.
type Stream struct {
	ch  channel.Channel
	lim *limitReader
}

// NewStream frames r and wc. wc may be nil for a stream that is only read. A limit of zero or less
// imposes no size limit.
func NewStream(r io.Reader, wc io.WriteCloser, limit int) *Stream {
	lim := &limitReader{r: r, limit: limit}
	if wc == nil {
		wc = nopCloser{io.Discard}
	}
	return &Stream{ch: channel.RawJSON(lim, wc), lim: lim}
}

// NewReader frames r for reading only.
func NewReader(r io.Reader, limit int) *Stream {
	return NewStream(r, nil, limit)
}

// Next returns the raw bytes of the next message. The slice is owned by the caller. io.EOF means the
// stream ended cleanly between messages.
func (s *Stream) Next() ([]byte, error) {
	s.lim.reset()
	data, err := s.ch.Recv()
	if err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return nil, err
	}
	if data == nil {
		// The channel reports a literal null as an empty record.
		return []byte("null"), nil
	}
	if s.lim.limit > 0 && len(data) > s.lim.limit {
		return nil, ErrMessageTooLarge
	}
	return append([]byte(nil), data...), nil
}

// Send writes one message and a newline separator.
func (s *Stream) Send(msg []byte) error {
	return s.ch.Send(append(msg[:len(msg):len(msg)], '\n'))
}

// Close closes the write side.
func (s *Stream) Close() error { return s.ch.Close() }

// limitReader fails a message once more payload than the limit was read for it. Whitespace is not
// counted, so keep-alive padding between messages never trips the limit. The decoder reads ahead,
// so up to one buffer of the following message may be charged to the current one; slack covers it.
type limitReader struct {
	r     io.Reader
	limit int
	n     int
}

const slack = 64 << 10

func (l *limitReader) reset() { l.n = 0 }

func (l *limitReader) Read(p []byte) (int, error) {
	if l.limit <= 0 {
		return l.r.Read(p)
	}
	if l.n > l.limit+slack {
		return 0, ErrMessageTooLarge
	}
	n, err := l.r.Read(p)
	for _, b := range p[:n] {
		if !IsSpace(b) {
			l.n++
		}
	}
	return n, err
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// IsSpace reports whether b is JSON insignificant whitespace.
func IsSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
