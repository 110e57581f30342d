package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duorpc/config"
	"duorpc/loadbalance"
	"duorpc/message"
	"duorpc/registry"
	"duorpc/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func newRPCServer(t *testing.T, register func(*server.Server)) *httptest.Server {
	t.Helper()
	s := server.New(config.Default().Server)
	require.NoError(t, s.RegisterService(&Arith{}))
	require.NoError(t, s.Register("tick", func(ctx context.Context, args []int) (string, error) {
		scope := server.ScopeFrom(ctx)
		for i := 1; i <= args[0]; i++ {
			scope.Notify("tick", i)
		}
		return "done", nil
	}))
	if register != nil {
		register(s)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientCall(t *testing.T) {
	ts := newRPCServer(t, nil)
	c := New(ts.URL + "/rpc")

	// Call Arith.Add(1, 2) = 3
	reply := &Reply{}
	if err := c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %v", reply.Result)
	}

	// Call again: Add(10, 20) = 30
	reply2 := &Reply{}
	if err := c.Call(context.Background(), "Arith.Add", &Args{A: 10, B: 20}, reply2); err != nil {
		t.Fatal(err)
	}
	if reply2.Result != 30 {
		t.Fatalf("expect 30, got %v", reply2.Result)
	}
}

func TestClientErrorAnswer(t *testing.T) {
	ts := newRPCServer(t, nil)
	c := New(ts.URL + "/rpc")

	err := c.Call(context.Background(), "Arith.Nope", nil, nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeMethodNotFound, rpcErr.Code)
}

func TestClientPushesReachNotifyHandler(t *testing.T) {
	ts := newRPCServer(t, nil)

	var pushed []string
	c := New(ts.URL+"/rpc", WithNotifyHandler(func(msg *message.Message) {
		pushed = append(pushed, string(msg.Params))
	}))

	var result string
	require.NoError(t, c.Call(context.Background(), "tick", []int{3}, &result))
	assert.Equal(t, "done", result)
	assert.Equal(t, []string{"1", "2", "3"}, pushed)
}

func TestClientHTTPFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	req, _ := message.NewRequest(nil, "ping", nil)
	call := New(ts.URL).Send(json.RawMessage(`1`), req)

	select {
	case <-call.Done:
	default:
		t.Fatal("blocking send must resolve before returning")
	}
	require.NotNil(t, call.Error)
	assert.Equal(t, -1, call.Error.Code)
	assert.Equal(t, "HTTP failed", call.Error.Message)
	assert.Equal(t, []any{http.StatusServiceUnavailable, "Service Unavailable"}, call.Error.Data)
}

func TestClientTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	req, _ := message.NewRequest(nil, "ping", nil)
	call := New(url).Send(json.RawMessage(`"a"`), req)
	require.NotNil(t, call.Error)
	assert.Equal(t, &message.Error{Code: -1}, call.Error)
}

func TestClientMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"res`)
	}))
	defer ts.Close()

	req, _ := message.NewRequest(nil, "ping", nil)
	call := New(ts.URL).Send(json.RawMessage(`1`), req)
	require.NotNil(t, call.Error)
	assert.Equal(t, "Response process exception", call.Error.Message)
}

func TestClientNoAnswerResolves(t *testing.T) {
	var unexpected []*message.Message
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"jsonrpc":"2.0","id":99,"result":1}`)
	}))
	defer ts.Close()

	c := New(ts.URL, WithUnexpectedHandler(func(msg *message.Message) { unexpected = append(unexpected, msg) }))
	req, _ := message.NewRequest(nil, "ping", nil)
	call := c.Send(json.RawMessage(`1`), req)

	require.NotNil(t, call.Error)
	assert.Equal(t, "no response", call.Error.Data)
	require.Len(t, unexpected, 1, "an answer for an unknown id goes to the unexpected handler")
	assert.Equal(t, "99", string(unexpected[0].ID))
}

func TestClientHeadersSetOnce(t *testing.T) {
	var mu sync.Mutex
	var seen []http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Clone())
		mu.Unlock()
		io.WriteString(w, "\r\n")
	}))
	defer ts.Close()

	c := New(ts.URL, WithHeaders(http.Header{"X-Token": {"secret"}}))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Notify(context.Background(), "ping", nil))
	}

	require.Len(t, seen, 3)
	for _, h := range seen {
		assert.Equal(t, []string{"application/json"}, h.Values("Content-Type"))
		assert.Equal(t, []string{"application/json"}, h.Values("Accept"))
		assert.Equal(t, "secret", h.Get("X-Token"))
	}
}

func TestClientHeadersAppendToCallerValues(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, "\r\n")
	}))
	defer ts.Close()

	c := New(ts.URL, WithHeaders(http.Header{"Accept": {"text/plain"}}))
	require.NoError(t, c.Notify(context.Background(), "ping", nil))
	assert.Equal(t, []string{"text/plain", "application/json"}, got.Values("Accept"))
	assert.Equal(t, []string{"application/json"}, got.Values("Content-Type"))
}

func TestClientSendLeavesRequestUntouched(t *testing.T) {
	ts := newRPCServer(t, nil)
	c := New(ts.URL + "/rpc")

	req, err := message.NewRequest(nil, "Arith.Add", &Args{A: 1, B: 1})
	require.NoError(t, err)
	req.Version = ""

	first := c.Send(json.RawMessage(`7`), req)
	second := c.Send(json.RawMessage(`8`), req)
	require.Nil(t, first.Error)
	require.Nil(t, second.Error)

	assert.Nil(t, req.ID, "the caller's message keeps its id")
	assert.Empty(t, req.Version, "the caller's message keeps its version")
	assert.Equal(t, "7", string(first.Request.ID))
	assert.Equal(t, "8", string(second.Request.ID))
	assert.Equal(t, message.Version, first.Request.Version)
}

func TestClientAsync(t *testing.T) {
	release := make(chan struct{})
	ts := newRPCServer(t, func(s *server.Server) {
		s.Register("wait", func(ctx context.Context) (string, error) {
			<-release
			return "released", nil
		})
	})

	c := New(ts.URL + "/rpc")
	assert.False(t, c.IsAsync())
	c.EnableAsync()
	defer c.Close()

	call, err := c.Go(context.Background(), "wait", nil)
	require.NoError(t, err)
	select {
	case <-call.Done:
		t.Fatal("async send must return before the call is resolved")
	default:
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, call.Wait(ctx))
	assert.Equal(t, `"released"`, string(call.Result()))
}

func TestClientResolver(t *testing.T) {
	ts := newRPCServer(t, nil)
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), "calc", registry.ServiceInstance{Addr: ts.URL + "/rpc", Weight: 1}, 10))

	c := New("", WithResolver(reg, loadbalance.NewConsistentHashBalancer(), "calc"))
	reply := &Reply{}
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 3}, reply))
	assert.Equal(t, 5, reply.Result)

	empty := New("", WithResolver(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{}, "calc"))
	err := empty.Call(context.Background(), "Arith.Add", &Args{}, nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeTransport, rpcErr.Code)
}
