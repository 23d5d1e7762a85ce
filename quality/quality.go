// Package quality keeps a recency-weighted proof pass rate per node.
package quality

import (
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// Score is the quality of a node. Value is an exponential moving average of
// the per-epoch storage proof pass rate. BelowEpochs counts the consecutive
// epochs the score stayed under the threshold; Fired records that the
// current streak already produced a low quality trigger.
type Score struct {
	NodeID      shared.NodeID
	Value       shared.Ratio
	Window      uint32
	LastEpoch   shared.Epoch
	Started     bool
	BelowEpochs uint32
	Fired       bool
}

// Initial is the score of a node without history.
const Initial = shared.One

// Alpha returns the EMA smoothing factor of a window, 2/(window+1).
func Alpha(window uint32) shared.Ratio {
	return shared.Ratio(shared.MulDiv(2, uint64(shared.One), uint64(window)+1))
}

// Update folds one proof outcome into score.
func Update(score Score, proofOK bool, alpha shared.Ratio) Score {
	rate := shared.Ratio(0)
	if proofOK {
		rate = shared.One
	}
	return UpdateRate(score, rate, alpha)
}

// UpdateRate folds an epoch pass rate into score. The first observation of a
// node seeds the average.
func UpdateRate(score Score, rate shared.Ratio, alpha shared.Ratio) Score {
	rate = shared.ClampRatio(rate, 0, shared.One)
	alpha = shared.ClampRatio(alpha, 0, shared.One)
	if !score.Started {
		score.Value = rate
		score.Started = true
		return score
	}
	score.Value = alpha.Mul(rate) + (shared.One - alpha).Mul(score.Value)
	if score.Value > shared.One {
		score.Value = shared.One
	}
	return score
}

// PassRate returns passed/total, One when nothing was expected.
func PassRate(passed, total uint64) shared.Ratio {
	if total == 0 {
		return shared.One
	}
	if passed > total {
		passed = total
	}
	return shared.Ratio(shared.MulDiv(passed, uint64(shared.One), total))
}

// Composite combines the storage quality, the bandwidth and the longevity
// scores, each in [0, 1], into one consensus score.
func Composite(cfg config.QualityConfig, storage, bandwidth, longevity shared.Ratio) shared.Ratio {
	sum := shared.RatioFromFloat(cfg.StorageWeight).Mul(shared.ClampRatio(storage, 0, shared.One)) +
		shared.RatioFromFloat(cfg.BandwidthWeight).Mul(shared.ClampRatio(bandwidth, 0, shared.One)) +
		shared.RatioFromFloat(cfg.LongevityWeight).Mul(shared.ClampRatio(longevity, 0, shared.One))
	return shared.ClampRatio(sum, 0, shared.One)
}
