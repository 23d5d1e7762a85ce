// Package longevity turns the storage proof history of a (node, archive) pair
// into its continuous custody duration.
package longevity

import (
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// Record is the custody streak of one node for one archive.
type Record struct {
	NodeID           shared.NodeID
	ArchiveID        shared.ArchiveID
	ContinuousEpochs uint64
	LastProofEpoch   shared.Epoch
	Started          bool
}

// Update returns rec after the proof outcome of epoch. The streak grows only
// with a passing proof for the epoch right after the last one; the first
// passing proof ever starts it at 1. Anything else resets it to 0, and a
// passing proof after a gap becomes the new starting point.
// Outcomes for epochs not after the last proof are ignored.
func Update(rec Record, epoch shared.Epoch, proofOK bool) Record {
	if rec.Started && epoch <= rec.LastProofEpoch {
		return rec
	}
	if !proofOK {
		rec.ContinuousEpochs = 0
		return rec
	}

	switch {
	case !rec.Started:
		rec.ContinuousEpochs = 1
	case epoch == rec.LastProofEpoch+1:
		rec.ContinuousEpochs++
	default:
		rec.ContinuousEpochs = 0
	}
	rec.LastProofEpoch = epoch
	rec.Started = true
	return rec
}

// Multiplier returns the reward multiplier of a streak of continuousEpochs.
// Tiers are in periods of epochsPerPeriod epochs, sorted by MinPeriods; the
// highest tier reached applies, 1x below the first.
func Multiplier(continuousEpochs, epochsPerPeriod uint64, tiers []config.LongevityTier) shared.Ratio {
	if epochsPerPeriod == 0 {
		return shared.One
	}
	periods := continuousEpochs / epochsPerPeriod
	m := shared.One
	for _, tier := range tiers {
		if periods >= tier.MinPeriods {
			m = shared.RatioFromFloat(tier.Multiplier)
		}
	}
	return m
}
