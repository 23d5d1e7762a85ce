package proving

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/shared"
)

func TestDrawChallengeIndices(t *testing.T) {
	r := require.New(t)

	seed := shared.Sum([]byte("seed"))
	archive := shared.ArchiveID(shared.Sum([]byte("archive")))

	node := shared.NodeID(shared.Sum([]byte("node")))

	indices := DrawChallengeIndices(seed, archive, node, 1000, 10)
	r.Len(indices, 10)
	r.IsIncreasing(indices)
	r.Less(indices[len(indices)-1], uint64(1000))
	r.Equal(indices, DrawChallengeIndices(seed, archive, node, 1000, 10))

	// Different archive or node, different sample.
	r.NotEqual(indices, DrawChallengeIndices(seed, shared.ArchiveID{1}, node, 1000, 10))
	r.NotEqual(indices, DrawChallengeIndices(seed, archive, shared.NodeID{1}, 1000, 10))

	// Small archives are sampled entirely.
	r.Equal([]uint64{0, 1, 2}, DrawChallengeIndices(seed, archive, node, 3, 10))
	r.Empty(DrawChallengeIndices(seed, archive, node, 0, 10))

	// Non-power-of-2 range.
	sample := DrawChallengeIndices(seed, archive, node, 17, 16)
	r.Len(sample, 16)
	r.IsIncreasing(sample)
	r.Less(sample[len(sample)-1], uint64(17))
}

func TestChallengeSeed(t *testing.T) {
	r := require.New(t)

	prev := shared.Sum([]byte("block"))
	r.Equal(ChallengeSeed(prev, 1), ChallengeSeed(prev, 1))
	r.NotEqual(ChallengeSeed(prev, 1), ChallengeSeed(prev, 2))
	r.NotEqual(ChallengeSeed(prev, 1), ChallengeSeed(shared.Sum([]byte("other")), 1))
}

func newTestProver(t *testing.T, store ArchiveReader) *Prover {
	signer, err := shared.GenerateSigner(rand.Reader)
	require.NoError(t, err)

	p, err := NewProver(config.DefaultConfig().Proof, signer, store, WithLogger(zaptest.NewLogger(t)), WithParallelism(2))
	require.NoError(t, err)
	return p
}

func TestProver_Generate(t *testing.T) {
	r := require.New(t)

	store := persistence.NewMemStore()
	data := make([]byte, 50_000)
	_, _ = rand.Read(data)
	c, err := store.Put(data, config.DefaultChunkSize, shared.ContentStandard)
	r.NoError(err)

	p := newTestProver(t, store)
	seed := ChallengeSeed(shared.Sum([]byte("prev")), 7)

	proof, opening, err := p.Generate(context.Background(), c.ArchiveID, 7, seed)
	r.NoError(err)
	r.Equal(p.NodeID(), proof.NodeID)
	r.Equal(shared.Epoch(7), proof.Epoch)
	r.Len(opening.Chunks, config.DefaultNumSamples)
	r.True(shared.Verify(proof.NodeID, proof.SignedBytes(), proof.Signature))

	// Deterministic for a given seed.
	again, _, err := p.Generate(context.Background(), c.ArchiveID, 7, seed)
	r.NoError(err)
	r.Equal(proof.Digest, again.Digest)

	other, _, err := p.Generate(context.Background(), c.ArchiveID, 8, ChallengeSeed(shared.Sum([]byte("prev")), 8))
	r.NoError(err)
	r.NotEqual(proof.Digest, other.Digest)

	_, _, err = p.Generate(context.Background(), shared.ArchiveID{9}, 7, seed)
	r.ErrorIs(err, shared.ErrArchiveNotFound)
}

func TestProver_GenerateBatch(t *testing.T) {
	r := require.New(t)

	store := persistence.NewMemStore()
	var ids []shared.ArchiveID
	for i := 0; i < 5; i++ {
		data := make([]byte, 4096+i)
		_, _ = rand.Read(data)
		c, err := store.Put(data, 512, shared.ContentStandard)
		r.NoError(err)
		ids = append(ids, c.ArchiveID)
	}
	// Unknown archives are skipped, not fatal.
	ids = append(ids, shared.ArchiveID{0xff})

	p := newTestProver(t, store)
	envs, err := p.GenerateBatch(context.Background(), 3, shared.Sum([]byte("seed")), ids)
	r.NoError(err)
	r.Len(envs, 5)
	for i, env := range envs {
		r.Equal(shared.KindStorage, env.Kind)
		r.Equal(ids[i], env.ArchiveID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.GenerateBatch(ctx, 3, shared.Sum([]byte("seed")), ids)
	r.Error(err)
}

func TestNewProver_Errors(t *testing.T) {
	r := require.New(t)

	signer, err := shared.GenerateSigner(rand.Reader)
	r.NoError(err)

	_, err = NewProver(config.DefaultConfig().Proof, nil, persistence.NewMemStore())
	r.Error(err)
	_, err = NewProver(config.DefaultConfig().Proof, signer, nil)
	r.Error(err)
	_, err = NewProver(config.DefaultConfig().Proof, signer, persistence.NewMemStore(), WithLogger(nil))
	r.Error(err)
	_, err = NewProver(config.DefaultConfig().Proof, signer, persistence.NewMemStore(), WithParallelism(-1))
	r.Error(err)
}
