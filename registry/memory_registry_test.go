package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "calc")

	if err := reg.Register(ctx, "calc", ServiceInstance{Addr: "http://a/rpc", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}
	select {
	case list := <-updates:
		if len(list) != 1 || list[0].Addr != "http://a/rpc" {
			t.Fatalf("unexpected update %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after register")
	}

	reg.Deregister(ctx, "calc", "http://a/rpc")
	list, _ := reg.Discover(ctx, "calc")
	if len(list) != 0 {
		t.Fatalf("expect no instances, got %v", list)
	}

	cancel()
	select {
	case _, ok := <-updates:
		for ok {
			_, ok = <-updates
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
