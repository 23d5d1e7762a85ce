// Package rewards turns finalized proofs into token amounts. Every function
// is pure integer arithmetic, so any node can replay the rewards of a block
// from its proof batch and the state it was finalized on.
package rewards

import (
	"math/bits"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// Multipliers applied on top of the base reward of a proof.
type Multipliers struct {
	Quality   shared.Ratio
	Rarity    shared.Ratio
	Size      shared.Ratio
	Longevity shared.Ratio
}

// Product returns the combined multiplier.
func (m Multipliers) Product() shared.Ratio {
	return m.Quality.Mul(m.Rarity).Mul(m.Size).Mul(m.Longevity)
}

// Record is the reward of one node for one archive in one epoch.
type Record struct {
	NodeID      shared.NodeID
	ArchiveID   shared.ArchiveID
	Epoch       shared.Epoch
	Base        uint64
	Multipliers Multipliers
	Total       uint64
}

// QualityMultiplier returns clamp(1 + (q - pivot) × slope, 1, max).
func QualityMultiplier(cfg config.RewardsConfig, q shared.Ratio) shared.Ratio {
	pivot := shared.RatioFromFloat(cfg.QualityPivot)
	hi := shared.RatioFromFloat(cfg.MaxQualityMultiplier)
	if q <= pivot {
		return shared.ClampRatio(shared.One, shared.One, hi)
	}
	m := shared.One + (q - pivot).Mul(shared.RatioFromFloat(cfg.QualitySlope))
	return shared.ClampRatio(m, shared.One, hi)
}

// SizeFactor scales with the number of doublings between size and the
// reference size, step per doubling, clamped to [min, max].
func SizeFactor(cfg config.RewardsConfig, size uint64) shared.Ratio {
	lo := shared.RatioFromFloat(cfg.MinSizeFactor)
	hi := shared.RatioFromFloat(cfg.MaxSizeFactor)
	if size == 0 || cfg.ReferenceSize == 0 {
		return lo
	}
	doublings := int64(bits.Len64(size)) - int64(bits.Len64(cfg.ReferenceSize))
	step := int64(shared.RatioFromFloat(cfg.SizeStep))
	f := int64(shared.One) + doublings*step
	if f < int64(lo) {
		return lo
	}
	return shared.ClampRatio(shared.Ratio(f), lo, hi)
}

// Input is what the reward of one storage proof depends on.
type Input struct {
	NodeID    shared.NodeID
	ArchiveID shared.ArchiveID
	Epoch     shared.Epoch
	Class     shared.ContentClass
	Size      uint64
	Quality   shared.Ratio
	Rarity    shared.Ratio
	Longevity shared.Ratio
}

// Reward returns base(class) × quality × rarity × size × longevity.
func Reward(cfg config.RewardsConfig, in Input) Record {
	m := Multipliers{
		Quality:   QualityMultiplier(cfg, in.Quality),
		Rarity:    in.Rarity,
		Size:      SizeFactor(cfg, in.Size),
		Longevity: in.Longevity,
	}
	base := cfg.Base(in.Class)
	return Record{
		NodeID:      in.NodeID,
		ArchiveID:   in.ArchiveID,
		Epoch:       in.Epoch,
		Base:        base,
		Multipliers: m,
		Total:       m.Product().Apply(base),
	}
}

// BandwidthReward returns the reward of creditedBytes served.
func BandwidthReward(cfg config.RewardsConfig, creditedBytes uint64) uint64 {
	return shared.MulDiv(creditedBytes, cfg.BandwidthPerGB, shared.GB)
}

// MonthlyCustody returns rate(nodeType) × TB stored × quality multiplier ×
// longevity multiplier.
func MonthlyCustody(cfg config.RewardsConfig, nodeType shared.NodeType, storedBytes uint64, quality, longevity shared.Ratio) uint64 {
	base := shared.MulDiv(cfg.RatePerTB(nodeType), storedBytes, shared.TB)
	return QualityMultiplier(cfg, quality).Mul(longevity).Apply(base)
}
