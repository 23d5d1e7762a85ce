package validation

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/shared"
)

const epoch = shared.Epoch(4)

type fixture struct {
	cfg       *config.Config
	store     *persistence.MemStore
	archives  []shared.ArchiveID
	signers   []*shared.Signer
	provers   []*proving.Prover
	seed      shared.Hash
	validator *Validator
}

func newFixture(t *testing.T, nodes, archives int) *fixture {
	r := require.New(t)
	f := &fixture{
		cfg:   config.DefaultConfig(),
		store: persistence.NewMemStore(),
		seed:  proving.ChallengeSeed(shared.Sum([]byte("prev")), epoch),
	}
	for i := 0; i < archives; i++ {
		data := make([]byte, 20_000+i)
		_, _ = rand.Read(data)
		c, err := f.store.Put(data, 512, shared.ContentStandard)
		r.NoError(err)
		f.archives = append(f.archives, c.ArchiveID)
	}
	for i := 0; i < nodes; i++ {
		s, err := shared.GenerateSigner(rand.Reader)
		r.NoError(err)
		p, err := proving.NewProver(f.cfg.Proof, s, f.store)
		r.NoError(err)
		f.signers = append(f.signers, s)
		f.provers = append(f.provers, p)
	}

	bw, err := bandwidth.NewVerifier(f.cfg.Bandwidth)
	r.NoError(err)
	f.validator, err = NewValidator(f.cfg.Proof, f.store, bw,
		WithLogger(zaptest.NewLogger(t)),
		WithSeeds(func(e shared.Epoch) (shared.Hash, error) {
			return proving.ChallengeSeed(shared.Sum([]byte("prev")), e), nil
		}),
	)
	r.NoError(err)
	return f
}

func (f *fixture) batch(t *testing.T) []shared.ProofEnvelope {
	var batch []shared.ProofEnvelope
	for _, p := range f.provers {
		envs, err := p.GenerateBatch(context.Background(), epoch, f.seed, f.archives)
		require.NoError(t, err)
		batch = append(batch, envs...)
	}
	return batch
}

func (f *fixture) forge(env shared.ProofEnvelope, signer *shared.Signer) shared.ProofEnvelope {
	proof := *env.Storage
	opening := &shared.Opening{
		Chunks:     append([][]byte(nil), env.Opening.Chunks...),
		ProofNodes: env.Opening.ProofNodes,
	}
	c, _ := f.store.Commitment(context.Background(), proof.ArchiveID)
	indices := proving.DrawChallengeIndices(proof.ChallengeSeed, proof.ArchiveID, proof.NodeID, c.NumChunks, f.cfg.Proof.NumSamples)
	opening.Chunks[0] = make([]byte, len(opening.Chunks[0]))
	proof.Digest = proving.ComputeDigest(proof.ChallengeSeed, proof.ArchiveID, proof.NodeID, indices, opening.Chunks, opening.ProofNodes)
	proof.Signature = signer.Sign(proof.SignedBytes())
	return shared.NewStorageEnvelope(&proof, opening)
}

func TestVerifyBatch(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 3, 4)
	batch := f.batch(t)
	r.Len(batch, 12)

	results, err := f.validator.VerifyBatch(context.Background(), epoch, batch)
	r.NoError(err)
	r.Len(results, 12)
	_, failed := FirstFailure(results)
	r.False(failed)
	for i, res := range results {
		r.Equal(batch[i].Key(), res.Envelope.Key())
	}
}

func TestVerifyBatch_Failures(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 2, 2)
	batch := f.batch(t)

	tampered := *batch[1].Storage
	tampered.Digest[0] ^= 1
	batch[1] = shared.NewStorageEnvelope(&tampered, batch[1].Opening)
	batch = append(batch, batch[0])
	batch[2] = f.forge(batch[2], f.signers[1])

	results, err := f.validator.VerifyBatch(context.Background(), epoch, batch)
	r.NoError(err)
	r.Equal(shared.Valid, results[0].Verdict)
	r.Equal(shared.Invalid, results[1].Verdict)
	r.Equal(shared.Forged, results[2].Verdict)
	r.Equal(shared.Valid, results[3].Verdict)
	r.Equal(shared.Invalid, results[4].Verdict)

	first, failed := FirstFailure(results)
	r.True(failed)
	r.Equal(shared.Invalid, first.Verdict)

	// The whole batch belongs to one epoch.
	results, err = f.validator.VerifyBatch(context.Background(), epoch+1, batch[:1])
	r.NoError(err)
	r.Equal(shared.Expired, results[0].Verdict)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.validator.VerifyBatch(ctx, epoch, batch)
	r.ErrorIs(err, context.Canceled)
}

func TestVerify_Bandwidth(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 2, 1)

	p := &shared.BandwidthProof{
		NodeID:           f.signers[0].NodeID(),
		PeerID:           f.signers[1].NodeID(),
		ArchiveID:        f.archives[0],
		Epoch:            epoch,
		BytesTransferred: 4096,
		WindowStart:      10,
		WindowEnd:        70,
	}
	r.NoError(bandwidth.Sign(p, f.signers[0]))
	env := shared.NewBandwidthEnvelope(p)

	verdict, _ := f.validator.Verify(context.Background(), epoch, env)
	r.Equal(shared.Invalid, verdict)

	r.NoError(bandwidth.CoSign(p, f.signers[1]))
	verdict, err := f.validator.Verify(context.Background(), epoch, env)
	r.NoError(err)
	r.Equal(shared.Valid, verdict)
}

func TestForgedCheck(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 1, 1)
	batch := f.batch(t)

	check := f.validator.ForgedCheck(context.Background())
	r.Equal(shared.Valid, check(batch[0]))
	r.Equal(shared.Forged, check(f.forge(batch[0], f.signers[0])))
}

func TestCollector(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 2, 2)
	batch := f.batch(t)

	var forged []shared.ProofEnvelope
	c := NewCollector(f.validator, epoch, time.Now().Add(200*time.Millisecond), func(env shared.ProofEnvelope) {
		forged = append(forged, env)
	})

	in := make(chan shared.ProofEnvelope, 10)
	in <- batch[0]
	in <- batch[0]
	in <- batch[1]
	in <- f.forge(batch[2], f.signers[1])
	close(in)

	collected, err := c.Run(context.Background(), in)
	r.NoError(err)
	r.Len(collected, 2)
	r.Len(forged, 1)

	// Too late.
	verdict, err := c.Add(context.Background(), batch[3])
	r.ErrorIs(err, ErrCollectorClosed)
	r.Equal(shared.Expired, verdict)
}

func TestOutcomes(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 2, 3)
	batch := f.batch(t)

	n0, n1 := f.signers[0].NodeID(), f.signers[1].NodeID()
	registry := shared.NewMemRegistry(
		shared.NodeInfo{ID: n0, Stake: 1},
		shared.NodeInfo{ID: n1, Stake: 1},
		shared.NodeInfo{ID: shared.NodeID{}, Stake: 1},
	)
	registry.Assign(n0, f.archives...)
	registry.Assign(n1, f.archives...)

	// Node 1 misses its last archive.
	var kept []shared.ProofEnvelope
	for _, env := range batch {
		if env.NodeID() == n1 && env.ArchiveID() == f.archives[2] {
			continue
		}
		kept = append(kept, env)
	}

	observations, results, err := Outcomes(epoch, kept, registry)
	r.NoError(err)
	r.Len(observations, 6)
	r.Len(results, 2)
	for _, res := range results {
		r.Equal(uint64(3), res.Total)
		if res.NodeID == n1 {
			r.Equal(uint64(2), res.Passed)
		} else {
			r.Equal(uint64(3), res.Passed)
		}
	}
	missed := 0
	for _, o := range observations {
		if !o.OK {
			missed++
			r.Equal(n1, o.NodeID)
			r.Equal(f.archives[2], o.ArchiveID)
		}
	}
	r.Equal(1, missed)
}
