package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/rewards"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/validation"
)

func TestFinalizer_Apply(t *testing.T) {
	r := require.New(t)
	cfg := newHarnessConfig()
	cfg.Longevity.EpochsPerPeriod = 1
	cfg.Quality.SustainedEpochs = 1
	cfg.Rewards.FullArchiveRate = shared.TB
	h := newHarness(t, cfg, 3)

	ids := make([]shared.NodeID, 0, len(h.signers))
	for id := range h.signers {
		ids = append(ids, id)
	}
	shared.SortNodeIDs(ids)
	absent := ids[2]

	// The absent node proves nothing and serves nothing.
	var batch []shared.ProofEnvelope
	for _, env := range h.batch {
		if env.NodeID() != absent {
			batch = append(batch, env)
		}
	}
	transfer := &shared.BandwidthProof{
		NodeID:           ids[0],
		PeerID:           ids[1],
		ArchiveID:        batch[0].ArchiveID(),
		Epoch:            EpochOf(1),
		BytesTransferred: 3 * shared.GB,
		WindowStart:      1_000,
		WindowEnd:        1_060,
	}
	r.NoError(bandwidth.Sign(transfer, h.signers[ids[0]]))
	r.NoError(bandwidth.CoSign(transfer, h.signers[ids[1]]))
	batch = append(batch, shared.NewBandwidthEnvelope(transfer))

	block := &Block{Height: 1, Epoch: EpochOf(1), Proposer: ids[0], Batch: batch}
	hash, err := block.Hash()
	r.NoError(err)

	h.ledger.FailNext(int(cfg.Ledger.RetryAttempts))
	_, err = h.finalizer.Apply(context.Background(), block, hash)
	r.Error(err)
	r.False(h.ledger.Applied(1))

	set, err := h.finalizer.Apply(context.Background(), block, hash)
	r.NoError(err)
	r.True(h.ledger.Applied(1))
	r.Equal(shared.Height(1), h.finalizer.Last())

	r.Len(set.Rewards, 4)
	r.Equal([]ledger.BandwidthCredit{{NodeID: ids[0], Bytes: 3 * shared.GB, Amount: 3}}, set.Bandwidth)

	r.Len(set.Custody, 2)
	for _, c := range set.Custody {
		r.NotEqual(absent, c.NodeID)
		q, err := h.scorer.Value(c.NodeID)
		r.NoError(err)
		r.Equal(shared.One, q)
		r.Equal(2*uint64(8192), c.StoredBytes)
		r.Equal(rewards.MonthlyCustody(cfg.Rewards, shared.FullArchive, c.StoredBytes, q, shared.One), c.Amount)
	}

	r.Len(set.Slashes, 1)
	slash := set.Slashes[0]
	r.Equal(absent, slash.NodeID)
	r.Equal(slashing.LowQuality, slash.Reason)
	r.Equal(uint64(testStake*15/100), slash.Penalty)
	r.Empty(slash.Reporters)
	r.Equal(slash.Penalty, slash.BurnShare+slash.TreasuryShare)
	r.Equal(slash.Penalty, h.ledger.Debited(absent))
	r.Zero(h.ledger.Credited(absent))

	// A replayed bandwidth proof is not credited twice.
	r.Zero(h.finalizer.bandwidth.Credit(EpochOf(1), transfer))

	_, err = h.finalizer.Apply(context.Background(), block, hash)
	r.ErrorIs(err, ErrAlreadyFinalized)
}

// failingCommitments serves ok lookups, then fails every other one.
type failingCommitments struct {
	validation.CommitmentSource

	mu sync.Mutex
	ok int
}

func (c *failingCommitments) Commitment(ctx context.Context, id shared.ArchiveID) (*shared.Commitment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok == 0 {
		return nil, errors.New("commitment store unavailable")
	}
	c.ok--
	return c.CommitmentSource.Commitment(ctx, id)
}

func TestFinalizer_RetryAfterCustodyFailure(t *testing.T) {
	r := require.New(t)
	cfg := newHarnessConfig()
	cfg.Longevity.EpochsPerPeriod = 1
	h := newHarness(t, cfg, 2)

	ids := make([]shared.NodeID, 0, len(h.signers))
	for id := range h.signers {
		ids = append(ids, id)
	}
	shared.SortNodeIDs(ids)

	transfer := &shared.BandwidthProof{
		NodeID:           ids[0],
		PeerID:           ids[1],
		ArchiveID:        h.batch[0].ArchiveID(),
		Epoch:            EpochOf(1),
		BytesTransferred: 2 * shared.GB,
		WindowStart:      1_000,
		WindowEnd:        1_060,
	}
	r.NoError(bandwidth.Sign(transfer, h.signers[ids[0]]))
	r.NoError(bandwidth.CoSign(transfer, h.signers[ids[1]]))
	batch := append(append([]shared.ProofEnvelope(nil), h.batch...), shared.NewBandwidthEnvelope(transfer))

	block := &Block{Height: 1, Epoch: EpochOf(1), Proposer: ids[0], Batch: batch}
	hash, err := block.Hash()
	r.NoError(err)

	// Rewards look up one commitment per storage proof; custody is the first
	// lookup to fail.
	commitments := &failingCommitments{CommitmentSource: h.archives, ok: len(h.batch)}
	h.finalizer.commitments = commitments
	_, err = h.finalizer.Apply(context.Background(), block, hash)
	r.ErrorContains(err, "custody")
	r.Zero(h.finalizer.bandwidth.Credited(EpochOf(1), ids[0]))

	commitments.mu.Lock()
	commitments.ok = 1 << 20
	commitments.mu.Unlock()
	set, err := h.finalizer.Apply(context.Background(), block, hash)
	r.NoError(err)
	r.Equal([]ledger.BandwidthCredit{{NodeID: ids[0], Bytes: 2 * shared.GB, Amount: 2}}, set.Bandwidth)
	r.Equal(2*shared.GB, h.finalizer.bandwidth.Credited(EpochOf(1), ids[0]))
}
