package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"duorpc/config"
	"duorpc/message"
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

// startServer serves an Arith server on a random port.
func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	svr := server.New(config.Default().Server)
	if err := svr.RegisterService(&Arith{}); err != nil {
		t.Fatal(err)
	}
	err := svr.Register("progress", func(ctx context.Context, steps int) (int, error) {
		scope := server.ScopeFrom(ctx)
		for i := 1; i <= steps; i++ {
			scope.Notify("progress", i)
		}
		return steps, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = svr.Register("ask", func(ctx context.Context, question string) (string, error) {
		var answer string
		err := server.ScopeFrom(ctx).Call(ctx, "question", question, &answer)
		return answer, err
	})
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(context.Background(), ln)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })
	return svr, ln.Addr().String()
}

func dial(t *testing.T, addr string, opts ...Option) *ClientTransport {
	t.Helper()
	ct, err := Dial(context.Background(), addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ct.Close() })
	return ct
}

// several calls one after another on one connection
func TestClientTransportSerial(t *testing.T) {
	_, addr := startServer(t)
	ct := dial(t, addr)

	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}

	for _, tc := range cases {
		var reply Reply
		if err := ct.CallResult(context.Background(), "Arith.Add", &Args{A: tc.a, B: tc.b}, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Result != tc.expect {
			t.Fatalf("expect %d, got %d", tc.expect, reply.Result)
		}
	}
}

// concurrent calls on one connection (multiplexing)
func TestClientTransportConcurrent(t *testing.T) {
	_, addr := startServer(t)
	ct := dial(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			var reply Reply
			if err := ct.CallResult(context.Background(), "Arith.Add", &Args{A: n, B: n}, &reply); err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			if reply.Result != n*2 {
				t.Errorf("expect %d, got %d", n*2, reply.Result)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportErrorAnswer(t *testing.T) {
	_, addr := startServer(t)
	ct := dial(t, addr)

	msg, err := ct.Call(context.Background(), "Arith.Missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Error == nil || msg.Error.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method not found, got %v", msg)
	}

	err = ct.CallResult(context.Background(), "Arith.Missing", nil, nil)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expect *message.Error, got %v", err)
	}
}

func TestClientTransportPushes(t *testing.T) {
	svr, addr := startServer(t)

	var mu sync.Mutex
	var pushes []*message.Message
	ct := dial(t, addr, WithPushHandler(func(msg *message.Message) {
		mu.Lock()
		pushes = append(pushes, msg)
		mu.Unlock()
	}))

	var steps int
	if err := ct.CallResult(context.Background(), "progress", 3, &steps); err != nil {
		t.Fatal(err)
	}
	// pushes precede the answer on the wire, so they were handled before the call returned
	mu.Lock()
	if len(pushes) != 3 {
		t.Fatalf("expect 3 pushes, got %d", len(pushes))
	}
	mu.Unlock()

	if n, err := svr.Notify("broadcast", "hi"); err != nil || n != 1 {
		t.Fatalf("expect broadcast to 1 session, got %d %v", n, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := len(pushes)
		mu.Unlock()
		if got == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcast not received")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// the server calls back while the client's own call is pending
func TestClientTransportAnswersServerCalls(t *testing.T) {
	_, addr := startServer(t)
	ct := dial(t, addr, WithCallHandler(func(ctx context.Context, msg *message.Message) (any, error) {
		if msg.Method != "question" {
			return nil, message.StdError(message.CodeMethodNotFound)
		}
		return "because", nil
	}))

	for i := 0; i < 3; i++ {
		var answer string
		if err := ct.CallResult(context.Background(), "ask", "why", &answer); err != nil {
			t.Fatal(err)
		}
		if answer != "because" {
			t.Fatalf("expect the handler's answer, got %q", answer)
		}
	}
}

func TestClientTransportRejectsServerCallsWithoutHandler(t *testing.T) {
	_, addr := startServer(t)
	ct := dial(t, addr)

	err := ct.CallResult(context.Background(), "ask", "why", nil)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expect an RPC error, got %v", err)
	}
	if rpcErr.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method not found passed back, got %d", rpcErr.Code)
	}
}

func TestClientTransportClosePending(t *testing.T) {
	client, srv := net.Pipe()
	ct := NewClientTransport(client, WithHeartbeat(0))

	// a peer that reads the request and then hangs up
	go func() {
		r := bufio.NewReader(srv)
		r.ReadBytes('\n')
		srv.Close()
	}()

	_, err := ct.Call(context.Background(), "slow", nil)
	if err == nil {
		t.Fatal("expect an error when the connection breaks")
	}
	<-ct.Done()
	if ct.Err() == nil {
		t.Fatal("expect the transport to report why it stopped")
	}

	if _, err := ct.Call(context.Background(), "again", nil); err == nil {
		t.Fatal("expect calls on a closed transport to fail")
	}
}

func TestClientTransportHeartbeat(t *testing.T) {
	client, srv := net.Pipe()
	ct := NewClientTransport(client, WithHeartbeat(20*time.Millisecond))
	defer ct.Close()

	srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := srv.Read(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != '\n' {
		t.Fatalf("expect a newline heartbeat, got %q", buf[0])
	}
}

func TestClientTransportContextCancel(t *testing.T) {
	client, srv := net.Pipe()
	ct := NewClientTransport(client, WithHeartbeat(0))
	defer ct.Close()
	go bufio.NewReader(srv).ReadBytes('\n') // swallow the request, never answer

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ct.Call(ctx, "never", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}
