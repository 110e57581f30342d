package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duorpc/client"
	"duorpc/config"
	"duorpc/message"
	"duorpc/server"
	"duorpc/transport"
)

func demoClient(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	svr := server.New(config.Default().Server)
	require.NoError(t, registerDemo(svr))
	ts := httptest.NewServer(svr.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL+"/rpc", opts...)
}

func TestDemoMethods(t *testing.T) {
	c := demoClient(t)
	ctx := context.Background()

	var pong string
	require.NoError(t, c.Call(ctx, "ping", nil, &pong))
	assert.Equal(t, "pong", pong)

	var total float64
	require.NoError(t, c.Call(ctx, "sum", []float64{1, 2, 3.5}, &total))
	assert.Equal(t, 6.5, total)

	var quotient float64
	require.NoError(t, c.Call(ctx, "Calc.Div", CalcArgs{A: 9, B: 3}, &quotient))
	assert.Equal(t, 3.0, quotient)

	err := c.Call(ctx, "Calc.Div", CalcArgs{A: 1}, nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeInvalidParams, rpcErr.Code)
}

func TestDemoPushes(t *testing.T) {
	var pushed []*message.Message
	c := demoClient(t, client.WithNotifyHandler(func(msg *message.Message) {
		pushed = append(pushed, msg)
	}))

	var n int
	require.NoError(t, c.Call(context.Background(), "tick", []int{2, 0}, &n))
	assert.Equal(t, 2, n)
	require.Len(t, pushed, 2)
	assert.True(t, pushed[0].IsNotification())

	err := c.Call(context.Background(), "ask", "why", nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeServerError, rpcErr.Code)
	assert.Equal(t, server.ErrNoReturnPath.Error(), rpcErr.Message)
}

func TestDemoAskOverDirectStream(t *testing.T) {
	svr := server.New(config.Default().Server)
	require.NoError(t, registerDemo(svr))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svr.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	asked := make(chan string, 1)
	ct, err := transport.Dial(ctx, ln.Addr().String(), transport.WithCallHandler(
		func(_ context.Context, msg *message.Message) (any, error) {
			var q string
			if err := json.Unmarshal(msg.Params, &q); err != nil {
				return nil, err
			}
			asked <- q
			return "because", nil
		}))
	require.NoError(t, err)
	defer ct.Close()

	var answer string
	require.NoError(t, ct.CallResult(ctx, "ask", "why", &answer))
	assert.Equal(t, "because", answer)
	assert.Equal(t, "why", <-asked)
}
