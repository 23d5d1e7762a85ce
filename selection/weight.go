package selection

import (
	"sort"

	"github.com/archivechain/poa/oracle"
	"github.com/archivechain/poa/shared"
)

// Weight is the derived selection and voting power of a validator for one
// round. It is never persisted.
type Weight struct {
	NodeID    shared.NodeID
	Effective uint64
}

// EffectiveWeight returns stake × typeFactor × (0.5 + 0.5 × quality).
func EffectiveWeight(stake uint64, typeFactor, quality shared.Ratio) uint64 {
	q := shared.ClampRatio(quality, 0, shared.One)
	return typeFactor.Mul(shared.One/2 + q/2).Apply(stake)
}

// Total returns the sum of the effective weights.
func Total(weights []Weight) uint64 {
	var total uint64
	for _, w := range weights {
		total += w.Effective
	}
	return total
}

// DrawWeighted picks one of weights with probability proportional to its
// effective weight. weights must be ordered by NodeID.
func DrawWeighted(weights []Weight, beacon shared.Hash) (int, bool) {
	total := Total(weights)
	if total == 0 {
		return 0, false
	}
	x := oracle.Draw(beacon, total)
	var cum uint64
	for i, w := range weights {
		cum += w.Effective
		if x < cum {
			return i, true
		}
	}
	return len(weights) - 1, true
}

// TopK returns the k heaviest of weights, ties broken by NodeID, skipping
// the excluded nodes.
func TopK(weights []Weight, k int, exclude map[shared.NodeID]bool) []Weight {
	pool := make([]Weight, 0, len(weights))
	for _, w := range weights {
		if !exclude[w.NodeID] {
			pool = append(pool, w)
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Effective != pool[j].Effective {
			return pool[i].Effective > pool[j].Effective
		}
		return pool[i].NodeID.Less(pool[j].NodeID)
	})
	if k < len(pool) {
		pool = pool[:k]
	}
	return pool
}
