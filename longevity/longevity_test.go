package longevity

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/store"
)

func TestUpdate(t *testing.T) {
	r := require.New(t)

	var rec Record
	rec = Update(rec, 10, true)
	r.Equal(uint64(1), rec.ContinuousEpochs)
	r.Equal(shared.Epoch(10), rec.LastProofEpoch)

	for e := shared.Epoch(11); e <= 20; e++ {
		rec = Update(rec, e, true)
	}
	r.Equal(uint64(11), rec.ContinuousEpochs)

	// Duplicate and stale outcomes are ignored.
	r.Equal(rec, Update(rec, 20, true))
	r.Equal(rec, Update(rec, 15, false))

	failed := Update(rec, 21, false)
	r.Zero(failed.ContinuousEpochs)

	// A gap resets the streak and anchors a new one.
	gap := Update(rec, 23, true)
	r.Zero(gap.ContinuousEpochs)
	r.Equal(shared.Epoch(23), gap.LastProofEpoch)
	r.Equal(uint64(1), Update(gap, 24, true).ContinuousEpochs)
}

func TestUpdate_Monotonic(t *testing.T) {
	r := require.New(t)

	var rec Record
	prev := uint64(0)
	for e := shared.Epoch(1); e < 100; e++ {
		rec = Update(rec, e, true)
		r.Greater(rec.ContinuousEpochs, prev)
		prev = rec.ContinuousEpochs
	}
}

func TestMultiplier(t *testing.T) {
	r := require.New(t)
	cfg := config.DefaultConfig().Longevity
	per := cfg.EpochsPerPeriod

	tests := []struct {
		periods uint64
		want    float64
	}{
		{0, 1}, {5, 1}, {6, 1.2}, {11, 1.2}, {12, 1.5}, {23, 1.5}, {24, 2}, {25, 2}, {100, 2},
	}
	for _, tc := range tests {
		r.Equal(shared.RatioFromFloat(tc.want), Multiplier(tc.periods*per, per, cfg.Tiers), "periods %d", tc.periods)
	}
	r.Equal(shared.One, Multiplier(6*per-1, per, cfg.Tiers))
	r.Equal(shared.One, Multiplier(1000, 0, cfg.Tiers))
}

func TestTracker(t *testing.T) {
	r := require.New(t)
	cfg := config.DefaultConfig().Longevity

	tracker, err := NewTracker(cfg, store.NewMemory(), WithLogger(zaptest.NewLogger(t)))
	r.NoError(err)

	node := shared.NodeID{1}
	a1, a2 := shared.ArchiveID{1}, shared.ArchiveID{2}

	rec, err := tracker.Get(node, a1)
	r.NoError(err)
	r.Zero(rec.ContinuousEpochs)

	for e := shared.Epoch(1); e <= shared.Epoch(25*cfg.EpochsPerPeriod); e++ {
		_, err := tracker.Apply([]Observation{
			{NodeID: node, ArchiveID: a1, Epoch: e, OK: true},
			{NodeID: node, ArchiveID: a2, Epoch: e, OK: e%2 == 0},
		})
		r.NoError(err)
	}

	m, err := tracker.Multiplier(node, a1)
	r.NoError(err)
	r.Equal(shared.RatioFromFloat(2), m)

	m, err = tracker.Multiplier(node, a2)
	r.NoError(err)
	r.Equal(shared.One, m)

	records, err := tracker.Records(node)
	r.NoError(err)
	r.Len(records, 2)
	r.Equal(a1, records[0].ArchiveID)
	r.Equal(25*cfg.EpochsPerPeriod, records[0].ContinuousEpochs)

	records, err = tracker.Records(shared.NodeID{2})
	r.NoError(err)
	r.Empty(records)
}

func TestTracker_ApplySameKeyTwice(t *testing.T) {
	r := require.New(t)
	tracker, err := NewTracker(config.DefaultConfig().Longevity, store.NewMemory())
	r.NoError(err)

	node, archive := shared.NodeID{1}, shared.ArchiveID{1}
	records, err := tracker.Apply([]Observation{
		{NodeID: node, ArchiveID: archive, Epoch: 1, OK: true},
		{NodeID: node, ArchiveID: archive, Epoch: 2, OK: true},
	})
	r.NoError(err)
	r.Len(records, 1)
	r.Equal(uint64(2), records[0].ContinuousEpochs)
}
