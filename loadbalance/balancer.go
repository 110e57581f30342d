// Package loadbalance provides strategies for choosing the endpoint of the next call among the
// instances a registry returned.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Calls of one method should stick to one instance (caches, sessions)
package loadbalance

import (
	"errors"

	"duorpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call, so it must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// KeyedBalancer picks by a key, typically the method name, so equal keys land on the same
// instance while the instance set is unchanged.
type KeyedBalancer interface {
	Balancer
	PickKey(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
}

// New returns the balancer registered under name, or round robin for unknown names.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom", "weighted":
		return &WeightedRandomBalancer{}
	case "ConsistentHash", "hash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
