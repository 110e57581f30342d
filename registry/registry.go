// Package registry publishes and discovers RPC endpoints.
package registry

import "context"

// ServiceInstance is one advertised endpoint of a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`              // endpoint URL, e.g. http://10.0.0.7:8800/rpc
	Weight  int    `json:"weight,omitempty"`  // weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
