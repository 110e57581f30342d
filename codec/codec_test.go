package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"duorpc/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := Default

	originalMsg := &message.Message{
		Version: message.Version,
		ID:      json.RawMessage(`12345678901234567890`),
		Method:  "Arith.Add",
		Params:  json.RawMessage(`{"a":1,"b":2}`),
	}

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decodedMsg message.Message
	err = jsonCodec.Decode(data, &decodedMsg)
	if err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if originalMsg.Method != decodedMsg.Method {
		t.Errorf("Method mismatch: got %s, want %s", decodedMsg.Method, originalMsg.Method)
	}
	if string(originalMsg.ID) != string(decodedMsg.ID) {
		t.Errorf("ID mismatch: got %s, want %s", decodedMsg.ID, originalMsg.ID)
	}
	if string(originalMsg.Params) != string(decodedMsg.Params) {
		t.Errorf("Params mismatch: got %s, want %s", decodedMsg.Params, originalMsg.Params)
	}
}

func TestStreamSequence(t *testing.T) {
	input := "  \r\n{\"id\":1,\"method\":\"a\"}\n\n{\"id\":2,\"method\":\"b\",\"params\":[\"}{\\\"\"]}   {\"id\":3}"
	dec := NewReader(strings.NewReader(input), 0)

	want := []string{
		`{"id":1,"method":"a"}`,
		`{"id":2,"method":"b","params":["}{\""]}`,
		`{"id":3}`,
	}
	var got [][]byte
	for i, w := range want {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if string(msg) != w {
			t.Fatalf("message %d: got %s, want %s", i, msg, w)
		}
		if !json.Valid(msg) {
			t.Fatalf("message %d is not valid JSON", i)
		}
		got = append(got, msg)
	}
	// returned slices are not reused by later reads
	if string(got[0]) != want[0] {
		t.Fatalf("first message was overwritten: %s", got[0])
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expect io.EOF after last message, got %v", err)
	}
}

func TestStreamIdleOnly(t *testing.T) {
	dec := NewReader(strings.NewReader(" \n\t\r\n  "), 0)
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("whitespace must not produce a message, got %v", err)
	}
}

func TestStreamFailures(t *testing.T) {
	dec := NewReader(strings.NewReader(`{"id":1`), 0)
	if _, err := dec.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}

	dec = NewReader(strings.NewReader(`hello`), 0)
	if _, err := dec.Next(); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expect ErrSyntax for input that is not JSON, got %v", err)
	}

	dec = NewReader(strings.NewReader(`{"params":"`+strings.Repeat("x", 64)+`"}`), 16)
	if _, err := dec.Next(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expect ErrMessageTooLarge, got %v", err)
	}

	dec = NewReader(strings.NewReader(`{"params":"`+strings.Repeat("x", 200<<10)+`"}`), 16)
	if _, err := dec.Next(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expect the reader to stop an oversize message, got %v", err)
	}
}

func TestStreamPaddingDoesNotCount(t *testing.T) {
	input := strings.Repeat("\n", 200<<10) + `{"id":1}`
	dec := NewReader(strings.NewReader(input), 16)
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("padding must not count against the limit: %v", err)
	}
	if string(msg) != `{"id":1}` {
		t.Fatalf("got %s", msg)
	}
}

func TestStreamSend(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(strings.NewReader(""), nopCloser{&buf}, 0)
	msg := []byte(`{"id":1}`)
	if err := s.Send(msg); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\"id\":1}\n" {
		t.Fatalf("got %q", buf.String())
	}
	if string(msg) != `{"id":1}` {
		t.Fatalf("Send modified its argument: %q", msg)
	}
}
