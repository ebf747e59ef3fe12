package strategy

import (
	"math/rand/v2"

	"filegate/internal/registry"
)

// Random picks uniformly among the candidate list on every call, using
// math/rand/v2's auto-seeded global source. Select and Release never
// block.
type Random struct{}

func NewRandom() *Random {
	return &Random{}
}

func (r *Random) Select(candidates []*registry.Backend) (*registry.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyBackend
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (r *Random) Release(b *registry.Backend) {}

func (r *Random) Name() string { return "random" }
