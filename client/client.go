// Package client implements a JSON-RPC client over HTTP POST.
//
// Every call is one POST. The response body is a stream of messages: anything the server pushed
// while the call was pending, then the answer. Each message is classified:
//
//	success        answer to a pending call  → resolves and removes that call
//	server request has a method              → notify handler
//	unexpected     anything else             → unexpected handler
//
// In blocking mode (the default) Send performs the POST in the caller's goroutine and the call is
// resolved when Send returns. In async mode Send returns at once and the POST runs in its own
// goroutine; handlers are then called from that goroutine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"duorpc/codec"
	"duorpc/loadbalance"
	"duorpc/message"
	"duorpc/registry"
)

// Handler receives messages that do not resolve a pending call.
type Handler func(msg *message.Message)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeaders adds headers to every request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.headers = h.Clone() }
}

// WithVersion sets the jsonrpc member of outgoing requests. Default "2.0".
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// WithAsync starts the client in async mode.
func WithAsync() Option {
	return func(c *Client) { c.async.Store(true) }
}

func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithNotifyHandler receives calls and notifications pushed by the server.
func WithNotifyHandler(h Handler) Option {
	return func(c *Client) { c.onNotify = h }
}

// WithUnexpectedHandler receives messages that match no pending call.
func WithUnexpectedHandler(h Handler) Option {
	return func(c *Client) { c.onUnexpected = h }
}

// WithResolver picks the endpoint of every call from the instances of service in reg. The URL
// passed to New is then only used when the registry returns nothing.
func WithResolver(reg registry.Registry, bal loadbalance.Balancer, service string) Option {
	return func(c *Client) { c.resolver = &resolver{reg: reg, bal: bal, service: service} }
}

// Client is safe for concurrent use.
type Client struct {
	url          string
	http         *http.Client
	headers      http.Header
	version      string
	async        atomic.Bool
	log          logr.Logger
	onNotify     Handler
	onUnexpected Handler
	resolver     *resolver

	headerOnce sync.Once
	reqHeaders http.Header

	seq     atomic.Uint64
	pending sync.Map // id key -> *Call
	wg      sync.WaitGroup
}

// New creates a client posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    http.DefaultClient,
		version: message.Version,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnableAsync switches to async mode. Calls already sent are not affected.
func (c *Client) EnableAsync() { c.async.Store(true) }

// IsAsync reports the current mode.
func (c *Client) IsAsync() bool { return c.async.Load() }

// Call is one outgoing request.
type Call struct {
	ID       json.RawMessage
	Request  *message.Message
	Response *message.Message // the answer, nil when none arrived
	Error    *message.Error   // the error answer or a client side failure
	Done     chan struct{}    // closed once resolved

	once sync.Once
}

func (call *Call) resolve(resp *message.Message, err *message.Error) {
	call.once.Do(func() {
		call.Response = resp
		call.Error = err
		if err == nil && resp != nil {
			call.Error = resp.Error
		}
		close(call.Done)
	})
}

// Wait blocks until the call is resolved or ctx is done.
func (call *Call) Wait(ctx context.Context) error {
	select {
	case <-call.Done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if call.Error != nil {
		return call.Error
	}
	return nil
}

// Result returns the raw result of a successful call.
func (call *Call) Result() json.RawMessage {
	if call.Response == nil {
		return nil
	}
	return call.Response.Result
}

// requestHeaders returns the caller headers with the ones every request needs appended, computed
// once.
func (c *Client) requestHeaders() http.Header {
	c.headerOnce.Do(func() {
		h := c.headers.Clone()
		if h == nil {
			h = http.Header{}
		}
		h.Add("Accept", "application/json")
		h.Add("Content-Type", "application/json")
		c.reqHeaders = h
	})
	return c.reqHeaders.Clone()
}

// Send posts req with the given id; a nil id sends a notification, which resolves once the POST
// completed.
func (c *Client) Send(id json.RawMessage, req *message.Message) *Call {
	return c.SendContext(context.Background(), id, req)
}

// SendContext is Send with a context bounding the HTTP exchange.
func (c *Client) SendContext(ctx context.Context, id json.RawMessage, req *message.Message) *Call {
	out := *req
	out.ID = id
	if out.Version == "" {
		out.Version = c.version
	}
	call := &Call{ID: id, Request: &out, Done: make(chan struct{})}

	body, err := codec.Default.Encode(call.Request)
	if err != nil {
		call.resolve(nil, message.DataError(message.CodeTransport, "Request encode failed", err.Error()))
		return call
	}
	if id != nil {
		c.pending.Store(message.IDKey(id), call)
	}

	if !c.async.Load() {
		c.post(ctx, call, body, false)
		return call
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.post(ctx, call, body, true)
	}()
	return call
}

// fail resolves call with err and forgets it.
func (c *Client) fail(call *Call, err *message.Error) {
	if call.ID != nil {
		c.pending.Delete(message.IDKey(call.ID))
	}
	call.resolve(nil, err)
}

func (c *Client) post(ctx context.Context, call *Call, body []byte, buffered bool) {
	url, err := c.endpoint(ctx, call.Request.Method)
	if err != nil {
		c.log.Error(err, "no endpoint", "method", call.Request.Method)
		c.fail(call, &message.Error{Code: message.CodeTransport})
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.log.Error(err, "building request failed", "url", url)
		c.fail(call, &message.Error{Code: message.CodeTransport})
		return
	}
	httpReq.Header = c.requestHeaders()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Error(err, "request failed", "url", url, "method", call.Request.Method)
		c.fail(call, &message.Error{Code: message.CodeTransport})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusMessage := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
		c.fail(call, message.DataError(message.CodeTransport, "HTTP failed", []any{resp.StatusCode, statusMessage}))
		return
	}

	var src io.Reader = resp.Body
	if buffered {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			c.fail(call, processError(err))
			return
		}
		src = bytes.NewReader(data)
	}
	if err := c.process(src); err != nil {
		c.fail(call, processError(err))
		return
	}

	// The body ended; a call still pending will never be answered.
	if call.ID == nil {
		call.resolve(nil, nil)
		return
	}
	if _, ok := c.pending.LoadAndDelete(message.IDKey(call.ID)); ok {
		call.resolve(nil, processError(errors.New("no response")))
	}
}

func processError(err error) *message.Error {
	return message.DataError(message.CodeTransport, "Response process exception", err.Error())
}

// process classifies every message of a response body until it ends.
func (c *Client) process(r io.Reader) error {
	dec := codec.NewReader(r, 0)
	for {
		data, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		msg, err := message.Parse(data)
		if err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *message.Message) {
	switch message.Classify(msg) {
	case message.KindSuccess:
		if v, ok := c.pending.LoadAndDelete(msg.Key()); ok {
			v.(*Call).resolve(msg, nil)
			return
		}
	case message.KindServerRequest:
		if c.onNotify != nil {
			c.onNotify(msg)
		} else {
			c.log.V(1).Info("unhandled server message", "method", msg.Method)
		}
		return
	}
	if c.onUnexpected != nil {
		c.onUnexpected(msg)
		return
	}
	c.log.Info("unexpected message", "message", msg.String())
}

func (c *Client) endpoint(ctx context.Context, method string) (string, error) {
	if c.resolver == nil {
		return c.url, nil
	}
	url, err := c.resolver.pick(ctx, method)
	if errors.Is(err, loadbalance.ErrNoInstances) && c.url != "" {
		return c.url, nil
	}
	return url, err
}

// Call sends a request and decodes its result into reply (when not nil).
func (c *Client) Call(ctx context.Context, method string, params any, reply any) error {
	call, err := c.Go(ctx, method, params)
	if err != nil {
		return err
	}
	if err := call.Wait(ctx); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return codec.Default.Decode(call.Result(), reply)
}

// Go sends a request with the next id and returns without waiting in async mode.
func (c *Client) Go(ctx context.Context, method string, params any) (*Call, error) {
	id := json.RawMessage(strconv.FormatUint(c.seq.Add(1), 10))
	req, err := message.NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	return c.SendContext(ctx, id, req), nil
}

// Notify sends a notification and waits until the server accepted it.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.SendContext(ctx, nil, req).Wait(ctx)
}

// Close waits for async requests in flight.
func (c *Client) Close() {
	c.wg.Wait()
}

type resolver struct {
	reg     registry.Registry
	bal     loadbalance.Balancer
	service string
}

func (r *resolver) pick(ctx context.Context, method string) (string, error) {
	instances, err := r.reg.Discover(ctx, r.service)
	if err != nil {
		return "", err
	}
	var inst *registry.ServiceInstance
	if kb, ok := r.bal.(loadbalance.KeyedBalancer); ok {
		inst, err = kb.PickKey(method, instances)
	} else {
		inst, err = r.bal.Pick(instances)
	}
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}
