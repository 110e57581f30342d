// Package delivery decides what happens to the output of an exchange after each outgoing message.
//
// Both transports hand every message produced for an inbound call to Policy.Deliver together with
// a Sink. The policy serializes and flushes the message, writes the log record, records statistics
// and, for transports where an exchange owns the output (HTTP), finalizes the output once the
// terminal answer was written. Messages that are not terminal (server pushes interleaved with the
// pending answer) only flush, leaving the output open for more.
package delivery

import (
	"github.com/go-logr/logr"

	"duorpc/codec"
	"duorpc/message"
	"duorpc/stats"
)

// Sink is the transport side of an exchange.
type Sink interface {
	Write(p []byte) (int, error)
	// Flush pushes written bytes to the peer.
	Flush() error
	// Finalize flushes and closes the output side; nothing may be written afterwards.
	Finalize() error
}

// Mode selects how terminal messages affect the sink.
type Mode int

const (
	// ModeTerminating finalizes the sink after the terminal answer (one exchange per output).
	ModeTerminating Mode = iota
	// ModeStreaming never finalizes; the output is shared by an unbounded sequence of exchanges.
	ModeStreaming
)

// Policy is safe for concurrent use as long as its fields are not modified.
type Policy struct {
	Mode  Mode
	Stats *stats.Registry
	Log   logr.Logger
	// IdleMarker is written when an exchange produced nothing at all.
	IdleMarker []byte
	// Separator is appended to every message, in the same write.
	Separator []byte
}

// HTTP returns the policy used for one-shot HTTP exchanges.
func HTTP(reg *stats.Registry, log logr.Logger) *Policy {
	return &Policy{Mode: ModeTerminating, Stats: reg, Log: log, IdleMarker: []byte("\r\n")}
}

// Stream returns the policy used for persistent duplex connections.
func Stream(reg *stats.Registry, log logr.Logger) *Policy {
	return &Policy{Mode: ModeStreaming, Stats: reg, Log: log, Separator: []byte("\n")}
}

// Deliver writes resp for req to sink. A nil resp means the exchange has nothing to send.
func (p *Policy) Deliver(sink Sink, resp *message.Message, req *message.Request) error {
	if resp == nil {
		if len(p.IdleMarker) > 0 {
			if _, err := sink.Write(p.IdleMarker); err != nil {
				return err
			}
		}
		return sink.Flush()
	}

	data, err := codec.Default.Encode(resp)
	if err != nil {
		return err
	}
	data = append(data, p.Separator...)
	if _, err := sink.Write(data); err != nil {
		return err
	}
	if err := sink.Flush(); err != nil {
		return err
	}
	p.logRecord(resp, req)

	switch p.Mode {
	case ModeTerminating:
		if resp.IsTerminal() {
			p.record(req)
			return sink.Finalize()
		}
	case ModeStreaming:
		if !resp.HasMethod() {
			p.record(req)
		}
	}
	return nil
}

func (p *Policy) record(req *message.Request) {
	if p.Stats == nil || req.Method() == "" {
		return
	}
	p.Stats.Record(req.Method(), req.Elapsed())
}

// logRecord writes one line per answer. Pushed messages are only logged when the request carries
// a diagnostic payload. A failing logger never affects delivery.
func (p *Policy) logRecord(resp *message.Message, req *message.Request) {
	defer func() { _ = recover() }()

	diag := req.DiagData()
	if resp.HasMethod() && diag == nil {
		return
	}
	if diag == nil && req.ErrorSent() && resp.Error != nil {
		diag = resp.Error
	}
	var context any
	if ctx := req.Context(); ctx != nil {
		context = ctx
	}
	var args any
	if params := req.Params(); params != nil {
		args = params
	}
	p.Log.Info("rpc", "method", req.Method(), "args", args, "context", context, "diag", diag)
}
