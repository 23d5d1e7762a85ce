package selection

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

type staticQuality map[shared.NodeID]shared.Ratio

func (q staticQuality) Value(node shared.NodeID) (shared.Ratio, error) {
	if v, ok := q[node]; ok {
		return v, nil
	}
	return shared.One, nil
}

func nodeID(i byte) shared.NodeID { return shared.NodeID{i} }

func newTestSelector(t *testing.T, cfg config.SelectionConfig, q staticQuality, nodes ...shared.NodeInfo) *Selector {
	s, err := NewSelector(cfg, shared.NewMemRegistry(nodes...), q, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return s
}

func TestEffectiveWeight(t *testing.T) {
	r := require.New(t)
	r.Equal(uint64(10_000_000), EffectiveWeight(10_000_000, shared.One, shared.One))
	r.Equal(uint64(5_000_000), EffectiveWeight(10_000_000, shared.One, 0))
	r.Equal(uint64(5_850_000), EffectiveWeight(10_000_000, shared.RatioFromFloat(0.6), shared.RatioFromFloat(0.95)))
	r.Equal(uint64(10_000_000), EffectiveWeight(10_000_000, shared.One, 3*shared.One))
}

func TestEligible(t *testing.T) {
	r := require.New(t)
	cfg := config.DefaultConfig().Selection

	s := newTestSelector(t, cfg, staticQuality{nodeID(2): 0},
		shared.NodeInfo{ID: nodeID(3), Type: shared.Relay, Stake: 20_000_000},
		shared.NodeInfo{ID: nodeID(1), Type: shared.FullArchive, Stake: 10_000_000},
		shared.NodeInfo{ID: nodeID(2), Type: shared.LightStorage, Stake: 10_000_000},
		shared.NodeInfo{ID: nodeID(4), Type: shared.FullArchive, Stake: 9_999_999},
		shared.NodeInfo{ID: nodeID(5), Type: shared.FullArchive, Stake: 50_000_000, Slashed: true},
	)

	weights, err := s.Eligible()
	r.NoError(err)
	r.Equal([]Weight{
		{NodeID: nodeID(1), Effective: 10_000_000},
		{NodeID: nodeID(2), Effective: 3_000_000},
		{NodeID: nodeID(3), Effective: 6_000_000},
	}, weights)
}

func TestTopK(t *testing.T) {
	r := require.New(t)
	weights := []Weight{
		{NodeID: nodeID(1), Effective: 5},
		{NodeID: nodeID(2), Effective: 9},
		{NodeID: nodeID(3), Effective: 5},
		{NodeID: nodeID(4), Effective: 7},
	}
	r.Equal([]Weight{
		{NodeID: nodeID(2), Effective: 9},
		{NodeID: nodeID(4), Effective: 7},
		{NodeID: nodeID(1), Effective: 5},
	}, TopK(weights, 3, nil))
	r.Equal([]Weight{
		{NodeID: nodeID(4), Effective: 7},
		{NodeID: nodeID(1), Effective: 5},
	}, TopK(weights, 2, map[shared.NodeID]bool{nodeID(2): true}))
	r.Len(TopK(weights, 10, nil), 4)
}

func manyNodes(n int) []shared.NodeInfo {
	nodes := make([]shared.NodeInfo, n)
	for i := range nodes {
		nodes[i] = shared.NodeInfo{ID: nodeID(byte(i + 1)), Type: shared.FullArchive, Stake: uint64(10_000_000 + i*1_000_000)}
	}
	return nodes
}

func TestSelect(t *testing.T) {
	r := require.New(t)
	cfg := config.DefaultConfig().Selection
	s := newTestSelector(t, cfg, staticQuality{}, manyNodes(30)...)
	prev := shared.Sum([]byte("prev"))

	sel, err := s.Select(prev, 10, 0)
	r.NoError(err)
	r.Len(sel.Committee, cfg.CommitteeSize)
	r.Zero(sel.Weight(sel.Proposer))
	for i := 1; i < len(sel.Committee); i++ {
		r.GreaterOrEqual(sel.Committee[i-1].Effective, sel.Committee[i].Effective)
	}

	again, err := s.Select(prev, 10, 0)
	r.NoError(err)
	r.Equal(sel, again)

	// The retry proposer is the next one of the skip list.
	list, err := s.SkipList(prev, 10, 3)
	r.NoError(err)
	r.Len(list, 3)
	r.Equal(sel.Proposer, list[0])
	retry, err := s.Select(prev, 10, 1)
	r.NoError(err)
	r.Equal(list[1], retry.Proposer)
	r.NotEqual(list[0], list[1])
	r.NotEqual(list[1], list[2])
	r.NotEqual(list[0], list[2])
}

func TestSelect_Weighted(t *testing.T) {
	r := require.New(t)
	cfg := config.DefaultConfig().Selection
	heavy, light := nodeID(1), nodeID(2)
	s := newTestSelector(t, cfg, staticQuality{},
		shared.NodeInfo{ID: heavy, Type: shared.FullArchive, Stake: 90_000_000},
		shared.NodeInfo{ID: light, Type: shared.FullArchive, Stake: 10_000_000},
	)

	count := 0
	prev := shared.Sum([]byte("prev"))
	for h := shared.Height(0); h < 1000; h++ {
		sel, err := s.Select(prev, h, 0)
		r.NoError(err)
		if sel.Proposer == heavy {
			count++
		}
	}
	r.InDelta(900, count, 50)
}

func TestSelect_Degenerate(t *testing.T) {
	r := require.New(t)
	cfg := config.DefaultConfig().Selection

	_, err := newTestSelector(t, cfg, staticQuality{}).Select(shared.Hash{}, 1, 0)
	r.ErrorIs(err, shared.ErrEmptyCommittee)

	only := newTestSelector(t, cfg, staticQuality{}, manyNodes(1)...)
	sel, err := only.Select(shared.Hash{}, 1, 0)
	r.NoError(err)
	r.Equal(sel.Proposer, sel.Committee[0].NodeID)

	// Attempts past the skip list wrap around.
	two := newTestSelector(t, cfg, staticQuality{}, manyNodes(2)...)
	list, err := two.SkipList(shared.Hash{}, 1, 5)
	r.NoError(err)
	r.Len(list, 2)
	sel, err = two.Select(shared.Hash{}, 1, 2)
	r.NoError(err)
	r.Equal(list[0], sel.Proposer)
}
