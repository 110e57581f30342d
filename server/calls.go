package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"duorpc/message"
)

var (
	// ErrNoReturnPath is returned by Scope.Call on transports that cannot carry an answer from the
	// caller back to the server, i.e. HTTP.
	ErrNoReturnPath = errors.New("rpc: transport cannot answer server calls")
	// ErrSessionClosed is returned by Scope.Call when the session ended before the answer arrived.
	ErrSessionClosed = errors.New("rpc: session closed")
)

// callTable holds the server calls of one session waiting for their answers. Ids are unique per
// session.
type callTable struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]chan *message.Message
	closed  bool
}

func newCallTable() *callTable {
	return &callTable{pending: make(map[string]chan *message.Message)}
}

// add reserves the next id.
func (t *callTable) add() (json.RawMessage, chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrSessionClosed
	}
	t.seq++
	id := json.RawMessage(fmt.Sprintf(`"srv-%d"`, t.seq))
	ch := make(chan *message.Message, 1)
	t.pending[message.IDKey(id)] = ch
	return id, ch, nil
}

func (t *callTable) remove(id json.RawMessage) {
	t.mu.Lock()
	delete(t.pending, message.IDKey(id))
	t.mu.Unlock()
}

// resolve hands msg to the call it answers and reports whether there was one.
func (t *callTable) resolve(msg *message.Message) bool {
	if msg.HasMethod() || msg.ID == nil || !msg.IsTerminal() {
		return false
	}
	key := msg.Key()
	t.mu.Lock()
	ch, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// close fails every waiting call and refuses new ones.
func (t *callTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for key, ch := range t.pending {
		close(ch)
		delete(t.pending, key)
	}
}
