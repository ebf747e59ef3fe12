package strategy

import (
	"sync/atomic"

	"filegate/internal/registry"
)

// RoundRobin distributes selections evenly across whatever candidate list
// it is given, using a lock-free atomic counter. The counter monotonically
// increases across calls; modulo arithmetic against the current candidate
// count picks the index. Select and Release never block.
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Select(candidates []*registry.Backend) (*registry.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyBackend
	}
	idx := r.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}

func (r *RoundRobin) Release(b *registry.Backend) {}

func (r *RoundRobin) Name() string { return "round_robin" }
