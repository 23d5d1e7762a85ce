package bandwidth

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

func newSigner(t *testing.T) *shared.Signer {
	s, err := shared.GenerateSigner(rand.Reader)
	require.NoError(t, err)
	return s
}

func signedProof(t *testing.T, node, peer *shared.Signer, bytes, start uint64) *shared.BandwidthProof {
	return signedProofAt(t, 1, node, peer, bytes, start)
}

func signedProofAt(t *testing.T, epoch shared.Epoch, node, peer *shared.Signer, bytes, start uint64) *shared.BandwidthProof {
	p := &shared.BandwidthProof{
		NodeID:           node.NodeID(),
		PeerID:           peer.NodeID(),
		ArchiveID:        shared.ArchiveID(shared.Sum([]byte("archive"))),
		Epoch:            epoch,
		BytesTransferred: bytes,
		WindowStart:      start,
		WindowEnd:        start + 60,
	}
	require.NoError(t, Sign(p, node))
	require.NoError(t, CoSign(p, peer))
	return p
}

func newTestVerifier(t *testing.T, cfg config.BandwidthConfig, opts ...OptionFunc) *Verifier {
	opts = append([]OptionFunc{WithLogger(zaptest.NewLogger(t))}, opts...)
	v, err := NewVerifier(cfg, opts...)
	require.NoError(t, err)
	return v
}

func TestVerify_Valid(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	v := newTestVerifier(t, config.DefaultConfig().Bandwidth)

	verdict, err := v.Verify(1, signedProof(t, node, peer, 1000, 100))
	r.NoError(err)
	r.Equal(shared.Valid, verdict)
}

func TestVerify_MissingPeerCoSignature(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	v := newTestVerifier(t, config.DefaultConfig().Bandwidth)

	p := signedProof(t, node, peer, 1000, 100)
	p.PeerSignature = shared.Signature{}
	r.True(shared.Verify(p.NodeID, p.SignedBytes(), p.NodeSignature))

	verdict, err := v.Verify(1, p)
	r.Equal(shared.Invalid, verdict)
	r.ErrorIs(err, shared.ErrProofInvalid)

	// The node signing in place of its peer does not help.
	p.PeerSignature = node.Sign(p.SignedBytes())
	verdict, _ = v.Verify(1, p)
	r.Equal(shared.Invalid, verdict)
}

func TestVerify_Rejections(t *testing.T) {
	node, peer := newSigner(t), newSigner(t)
	cfg := config.DefaultConfig().Bandwidth

	tests := []struct {
		name   string
		mutate func(p *shared.BandwidthProof)
	}{
		{"inverted window", func(p *shared.BandwidthProof) { p.WindowEnd = p.WindowStart - 1 }},
		{"empty window", func(p *shared.BandwidthProof) { p.WindowEnd = p.WindowStart }},
		{"oversized window", func(p *shared.BandwidthProof) {
			p.WindowEnd = p.WindowStart + uint64(cfg.MaxWindow/time.Second) + 1
		}},
		{"zero bytes", func(p *shared.BandwidthProof) { p.BytesTransferred = 0 }},
		{"self transfer", func(p *shared.BandwidthProof) { p.PeerID = p.NodeID }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVerifier(t, cfg)
			p := signedProof(t, node, peer, 1000, 100)
			tc.mutate(p)
			// Re-sign so only the mutated property is wrong.
			p.NodeSignature = node.Sign(p.SignedBytes())
			p.PeerSignature = peer.Sign(p.SignedBytes())

			verdict, err := v.Verify(1, p)
			require.Equal(t, shared.Invalid, verdict)
			require.Error(t, err)
		})
	}
}

func TestVerify_ReplayWithinEpoch(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	v := newTestVerifier(t, config.DefaultConfig().Bandwidth)
	p := signedProofAt(t, 3, node, peer, 1000, 100)

	verdict, _ := v.Verify(3, p)
	r.Equal(shared.Valid, verdict)
	r.Equal(uint64(1000), v.Credit(3, p))

	verdict, _ = v.Verify(3, p)
	r.Equal(shared.Invalid, verdict)
	r.Zero(v.Credit(3, p))

	// Replay state is per epoch and pruned with it.
	v.Prune(4)
	verdict, _ = v.Verify(3, p)
	r.Equal(shared.Valid, verdict)
}

func TestVerify_EpochBounds(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	bounds := func(epoch shared.Epoch) (uint64, uint64) {
		return uint64(epoch) * 3600, uint64(epoch+1) * 3600
	}
	v := newTestVerifier(t, config.DefaultConfig().Bandwidth, WithEpochBounds(bounds))

	verdict, _ := v.Verify(1, signedProof(t, node, peer, 10, 3600))
	r.Equal(shared.Valid, verdict)

	// Claimed for epoch 2 but transferred during epoch 1.
	verdict, err := v.Verify(2, signedProofAt(t, 2, node, peer, 10, 3600))
	r.Equal(shared.Expired, verdict)
	r.ErrorIs(err, shared.ErrProofExpired)
}

func TestFixedEpochs(t *testing.T) {
	r := require.New(t)
	bounds := FixedEpochs(1_000, time.Hour)

	start, end := bounds(1)
	r.Equal(uint64(1_000), start)
	r.Equal(uint64(4_600), end)
	start, end = bounds(3)
	r.Equal(uint64(8_200), start)
	r.Equal(uint64(11_800), end)
	start, end = bounds(0)
	r.Equal(start, end)
}

func TestVerify_OtherEpoch(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	v := newTestVerifier(t, config.DefaultConfig().Bandwidth)

	p := signedProof(t, node, peer, 1000, 100)
	r.Equal(uint64(1000), v.Credit(1, p))
	v.Prune(2)

	// A transfer credited in one epoch is not claimable in the next.
	verdict, err := v.Verify(2, p)
	r.Equal(shared.Expired, verdict)
	r.ErrorIs(err, shared.ErrProofExpired)

	// Relabeling the epoch breaks both signatures.
	p.Epoch = 2
	verdict, _ = v.Verify(2, p)
	r.Equal(shared.Invalid, verdict)
}

func TestCredit_EpochCap(t *testing.T) {
	r := require.New(t)
	node := newSigner(t)
	cfg := config.DefaultConfig().Bandwidth
	cfg.MaxBytesPerEpoch = 2500
	v := newTestVerifier(t, cfg)

	r.Equal(uint64(1000), v.Credit(1, signedProof(t, node, newSigner(t), 1000, 0)))
	r.Equal(uint64(1000), v.Credit(1, signedProof(t, node, newSigner(t), 1000, 60)))
	r.Equal(uint64(500), v.Credit(1, signedProof(t, node, newSigner(t), 1000, 120)))
	r.Zero(v.Credit(1, signedProof(t, node, newSigner(t), 1000, 180)))
	r.Equal(uint64(2500), v.Credited(1, node.NodeID()))

	// Fresh cap next epoch.
	r.Equal(uint64(1000), v.Credit(2, signedProof(t, node, newSigner(t), 1000, 0)))
}

func TestPlan_RecordsNothing(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	cfg := config.DefaultConfig().Bandwidth
	cfg.MaxBytesPerEpoch = 1500
	v := newTestVerifier(t, cfg)

	a := signedProof(t, node, peer, 1000, 0)
	b := signedProof(t, node, newSigner(t), 1000, 60)
	proofs := []*shared.BandwidthProof{a, a, b}

	planned := v.Plan(1, proofs)
	r.Equal([]uint64{1000, 0, 500}, planned)
	r.Equal(planned, v.Plan(1, proofs))
	r.Zero(v.Credited(1, node.NodeID()))
	verdict, err := v.Verify(1, a)
	r.NoError(err)
	r.Equal(shared.Valid, verdict)

	r.Equal(planned, v.Record(1, proofs))
	r.Equal(uint64(1500), v.Credited(1, node.NodeID()))
	r.Equal([]uint64{0, 0, 0}, v.Plan(1, proofs))
}

func TestAssignPeers(t *testing.T) {
	r := require.New(t)

	var candidates []shared.NodeID
	for i := 0; i < 20; i++ {
		candidates = append(candidates, newSigner(t).NodeID())
	}
	node := candidates[0]
	seed := shared.Sum([]byte("epoch seed"))

	peers := AssignPeers(seed, node, candidates, 3)
	r.Len(peers, 3)
	r.NotContains(peers, node)
	r.Equal(peers, AssignPeers(seed, node, candidates, 3))

	// Order of candidates does not matter.
	reversed := make([]shared.NodeID, len(candidates))
	for i, c := range candidates {
		reversed[len(candidates)-1-i] = c
	}
	r.Equal(peers, AssignPeers(seed, node, reversed, 3))

	r.Len(AssignPeers(seed, node, candidates[:2], 3), 1)
	r.Empty(AssignPeers(seed, node, []shared.NodeID{node}, 3))
}

func TestVerify_EnforceAssignment(t *testing.T) {
	r := require.New(t)
	node, assigned, other := newSigner(t), newSigner(t), newSigner(t)
	cfg := config.DefaultConfig().Bandwidth
	cfg.EnforceAssignment = true

	_, err := NewVerifier(cfg)
	r.Error(err)

	v := newTestVerifier(t, cfg, WithAssignment(func(shared.Epoch, shared.NodeID) []shared.NodeID {
		return []shared.NodeID{assigned.NodeID()}
	}))
	verdict, _ := v.Verify(1, signedProof(t, node, assigned, 10, 0))
	r.Equal(shared.Valid, verdict)
	verdict, _ = v.Verify(1, signedProof(t, node, other, 10, 0))
	r.Equal(shared.Invalid, verdict)
}

func TestSign_WrongSigner(t *testing.T) {
	r := require.New(t)
	node, peer := newSigner(t), newSigner(t)
	p := &shared.BandwidthProof{NodeID: node.NodeID(), PeerID: peer.NodeID()}

	r.ErrorIs(Sign(p, peer), ErrSignerMismatch)
	r.ErrorIs(CoSign(p, node), ErrSignerMismatch)
}
