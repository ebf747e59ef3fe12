// Package strategy implements pluggable load-balancing algorithms over a
// registry's backend set. Unlike a config-bound balancer, a Picker here
// takes its candidate list on every call: the resolver filters the full
// registry down to the healthy subset before consulting a Picker
// (content-addressed requests do not consult a Picker at all), so a Picker
// itself holds no backend list of its own beyond the counters it needs
// between calls.
//
// All pickers are safe for concurrent use.
package strategy

import (
	"errors"
	"log/slog"

	"filegate/internal/registry"
)

// ErrNoHealthyBackend is returned when the candidate list passed to Select
// is empty.
var ErrNoHealthyBackend = errors.New("strategy: no healthy backend available")

// Picker selects one backend from a candidate list for an incoming
// request. Release must be called exactly once after the request
// completes (success or failure) for every backend Select returned —
// LeastConnections uses it to track active connections; the other
// strategies accept and ignore it. Name reports the algorithm's
// canonical name, used to label stats and logs.
type Picker interface {
	Select(candidates []*registry.Backend) (*registry.Backend, error)
	Release(b *registry.Backend)
	Name() string
}

// New constructs the Picker named by name. Recognized names:
// "round_robin", "weighted_round_robin", "least_connections", "random".
// An empty name defaults to round_robin. An unrecognized name also falls
// back to round_robin, after logging a warning — same degrade-gracefully
// behavior as the original's create_load_balancer.
func New(name string) (Picker, error) {
	switch name {
	case "round_robin", "":
		return NewRoundRobin(), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(), nil
	case "least_connections":
		return NewLeastConnections(), nil
	case "random":
		return NewRandom(), nil
	default:
		slog.Warn("strategy: unknown load balancer algorithm, falling back to round_robin", "strategy", name)
		return NewRoundRobin(), nil
	}
}
