package node

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/consensus"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/store"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Consensus.RoundTimeout = 500 * time.Millisecond
	cfg.Consensus.MaxRoundTimeout = 2 * time.Second
	cfg.Consensus.MaxAttempts = 4
	cfg.Ledger.RetryDelay = time.Millisecond
	cfg.Ledger.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

type fixture struct {
	cfg      *config.Config
	signers  []*shared.Signer
	registry *shared.MemRegistry
	archives *persistence.MemStore
	tokens   *ledger.MemLedger
}

func newFixture(t *testing.T, nodes int) *fixture {
	r := require.New(t)
	f := &fixture{
		cfg:      testConfig(),
		registry: shared.NewMemRegistry(),
		archives: persistence.NewMemStore(),
		tokens:   ledger.NewMemLedger(),
	}
	var ids []shared.ArchiveID
	for i := 0; i < 3; i++ {
		data := make([]byte, 4096*(i+1))
		_, _ = rand.Read(data)
		c, err := f.archives.Put(data, f.cfg.Proof.ChunkSize, shared.ContentStandard)
		r.NoError(err)
		ids = append(ids, c.ArchiveID)
	}
	for i := 0; i < nodes; i++ {
		s, err := shared.GenerateSigner(rand.Reader)
		r.NoError(err)
		f.signers = append(f.signers, s)
		f.registry.Put(shared.NodeInfo{ID: s.NodeID(), Type: shared.FullArchive, Stake: 50_000_000, Capacity: shared.TB})
		f.registry.Assign(s.NodeID(), ids[i%len(ids)], ids[(i+1)%len(ids)])
	}
	return f
}

func TestCluster_Step(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 4)
	c, err := NewCluster(f.cfg, f.signers, f.registry, f.archives, f.tokens, zaptest.NewLogger(t))
	r.NoError(err)
	t.Cleanup(func() { r.NoError(c.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for height := shared.Height(1); height <= 3; height++ {
		blocks, err := c.Step(ctx, height)
		r.NoError(err)
		r.Len(blocks, len(f.signers))

		want, err := blocks[0].Hash()
		r.NoError(err)
		for _, b := range blocks {
			got, err := b.Hash()
			r.NoError(err)
			r.Equal(want, got)
			r.Len(b.Batch, 2*len(f.signers))
		}
		for _, chain := range c.Chains {
			head, hash, err := chain.Head()
			r.NoError(err)
			r.Equal(height, head)
			r.Equal(want, hash)
		}
		r.True(f.tokens.Applied(height))
	}

	for _, s := range f.signers {
		r.NotZero(f.tokens.Credited(s.NodeID()))
		r.Zero(f.tokens.Debited(s.NodeID()))
	}
	for _, n := range c.Nodes {
		r.Equal(shared.Height(3), n.Finalizer().Last())
		q, err := n.Finalizer().Scorer().Value(n.ID())
		r.NoError(err)
		r.Equal(shared.One, q)
	}
}

func TestNode_Seed(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 1)
	chain := consensus.NewMemChain()
	n, err := New(f.cfg, f.signers[0], Deps{
		Registry: f.registry,
		Archives: f.archives,
		Ledger:   f.tokens,
		Chain:    chain,
		Network:  consensus.NewHub().Join(f.signers[0].NodeID()),
	}, WithLogger(zaptest.NewLogger(t)))
	r.NoError(err)
	t.Cleanup(func() { r.NoError(n.Close()) })

	seed, err := n.Seed(consensus.EpochOf(1))
	r.NoError(err)
	again, err := n.Seed(consensus.EpochOf(1))
	r.NoError(err)
	r.Equal(seed, again)

	_, err = n.Seed(consensus.EpochOf(2))
	r.ErrorIs(err, ErrUnknownSeed)

	envs, err := n.Prove(context.Background(), consensus.EpochOf(1))
	r.NoError(err)
	r.Len(envs, 2)
	for _, env := range envs {
		verdict, err := n.Receive(context.Background(), consensus.EpochOf(1), env)
		r.NoError(err)
		r.Equal(shared.Valid, verdict)
	}
}

func TestNode_BandwidthEpochs(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 3)
	f.cfg.Bandwidth.EnforceAssignment = true
	f.cfg.Bandwidth.PeersPerNode = 1
	f.cfg.Bandwidth.Genesis = 1_000
	f.cfg.Bandwidth.EpochDuration = time.Hour
	chain := consensus.NewMemChain()
	n, err := New(f.cfg, f.signers[0], Deps{
		Registry: f.registry,
		Archives: f.archives,
		Ledger:   f.tokens,
		Chain:    chain,
		Network:  consensus.NewHub().Join(f.signers[0].NodeID()),
	}, WithLogger(zaptest.NewLogger(t)))
	r.NoError(err)
	t.Cleanup(func() { r.NoError(n.Close()) })

	signers := make(map[shared.NodeID]*shared.Signer)
	var ids []shared.NodeID
	for _, s := range f.signers {
		signers[s.NodeID()] = s
		ids = append(ids, s.NodeID())
	}
	transfer := func(epoch shared.Epoch, peer shared.NodeID, start uint64) shared.ProofEnvelope {
		p := &shared.BandwidthProof{
			NodeID:           n.ID(),
			PeerID:           peer,
			ArchiveID:        shared.ArchiveID(shared.Sum([]byte("archive"))),
			Epoch:            epoch,
			BytesTransferred: shared.GB,
			WindowStart:      start,
			WindowEnd:        start + 60,
		}
		r.NoError(bandwidth.Sign(p, f.signers[0]))
		r.NoError(bandwidth.CoSign(p, signers[peer]))
		return shared.NewBandwidthEnvelope(p)
	}
	ctx := context.Background()

	seed, err := n.Seed(1)
	r.NoError(err)
	assigned := bandwidth.AssignPeers(seed, n.ID(), ids, 1)
	r.Len(assigned, 1)
	var unassigned shared.NodeID
	for _, id := range ids {
		if id != n.ID() && id != assigned[0] {
			unassigned = id
		}
	}

	served := transfer(1, assigned[0], 1_000)
	verdict, err := n.Receive(ctx, 1, served)
	r.NoError(err)
	r.Equal(shared.Valid, verdict)
	verdict, _ = n.Receive(ctx, 1, transfer(1, unassigned, 1_000))
	r.Equal(shared.Invalid, verdict)
	r.Equal([]uint64{shared.GB}, n.validator.Bandwidth().Record(1, []*shared.BandwidthProof{served.Bandwidth}))

	r.NoError(chain.Finalize(ctx, &consensus.Block{Height: 1, Epoch: 1}, ledger.InstructionSet{Height: 1, BlockHash: shared.Hash{1}}))

	// The same window earns nothing in the next epoch, replayed or re-signed.
	replayed := served
	replayed.Epoch = 2
	verdict, _ = n.Receive(ctx, 2, replayed)
	r.Equal(shared.Expired, verdict)

	seed, err = n.Seed(2)
	r.NoError(err)
	next := bandwidth.AssignPeers(seed, n.ID(), ids, 1)[0]
	verdict, _ = n.Receive(ctx, 2, transfer(2, next, 1_000))
	r.Equal(shared.Expired, verdict)

	verdict, err = n.Receive(ctx, 2, transfer(2, next, 4_600))
	r.NoError(err)
	r.Equal(shared.Valid, verdict)
}

func TestNode_SeedFromHistory(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 1)
	f.cfg.Slashing.EvidenceHorizon = 1
	chain := consensus.NewMemChain()
	n, err := New(f.cfg, f.signers[0], Deps{
		Registry: f.registry,
		Archives: f.archives,
		Ledger:   f.tokens,
		Chain:    chain,
		Network:  consensus.NewHub().Join(f.signers[0].NodeID()),
	}, WithLogger(zaptest.NewLogger(t)))
	r.NoError(err)
	t.Cleanup(func() { r.NoError(n.Close()) })
	ctx := context.Background()

	envs, err := n.Prove(ctx, consensus.EpochOf(1))
	r.NoError(err)
	r.Len(n.seeds, 1)
	forged := forgeStorage(t, f, envs[0], f.signers[0])

	for h := shared.Height(1); h <= 5; h++ {
		r.NoError(chain.Finalize(ctx, &consensus.Block{Height: h, Epoch: consensus.EpochOf(h)},
			ledger.InstructionSet{Height: h, BlockHash: shared.Hash{byte(h)}}))
	}
	n.prune(consensus.EpochOf(5))
	r.Empty(n.seeds)

	// Old epochs are derived from their parent block.
	seed, err := n.Seed(consensus.EpochOf(3))
	r.NoError(err)
	r.Equal(proving.ChallengeSeed(shared.Hash{2}, consensus.EpochOf(3)), seed)
	seed, err = n.Seed(consensus.EpochOf(6))
	r.NoError(err)
	r.Equal(proving.ChallengeSeed(shared.Hash{5}, consensus.EpochOf(6)), seed)
	_, err = n.Seed(consensus.EpochOf(7))
	r.ErrorIs(err, ErrUnknownSeed)

	// A forged proof of epoch 1 is still provable four heights later.
	ev := slashing.NewForgedProof(shared.NodeID{0xa}, forged)
	r.NoError(ev.Verify(n.validator.ForgedCheck(ctx)))
}

// forgeStorage re-signs env over an opening whose first chunk is not the
// archive's.
func forgeStorage(t *testing.T, f *fixture, env shared.ProofEnvelope, signer *shared.Signer) shared.ProofEnvelope {
	proof := *env.Storage
	opening := &shared.Opening{
		Chunks:     append([][]byte(nil), env.Opening.Chunks...),
		ProofNodes: env.Opening.ProofNodes,
	}
	c, err := f.archives.Commitment(context.Background(), proof.ArchiveID)
	require.NoError(t, err)
	indices := proving.DrawChallengeIndices(proof.ChallengeSeed, proof.ArchiveID, proof.NodeID, c.NumChunks, f.cfg.Proof.NumSamples)
	opening.Chunks[0] = make([]byte, len(opening.Chunks[0]))
	proof.Digest = proving.ComputeDigest(proof.ChallengeSeed, proof.ArchiveID, proof.NodeID, indices, opening.Chunks, opening.ProofNodes)
	proof.Signature = signer.Sign(proof.SignedBytes())
	return shared.NewStorageEnvelope(&proof, opening)
}

func TestNew_Errors(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 1)
	deps := Deps{
		Registry: f.registry,
		Archives: f.archives,
		Ledger:   f.tokens,
		Chain:    consensus.NewMemChain(),
		Network:  consensus.NewHub().Join(f.signers[0].NodeID()),
	}

	_, err := New(f.cfg, nil, deps)
	r.Error(err)

	missing := deps
	missing.Ledger = nil
	_, err = New(f.cfg, f.signers[0], missing)
	r.Error(err)

	_, err = New(f.cfg, f.signers[0], deps, WithLogger(nil))
	r.Error(err)

	_, err = New(f.cfg, f.signers[0], deps, WithStore(nil))
	r.Error(err)

	bad := testConfig()
	bad.Consensus.MaxAttempts = 0
	_, err = New(bad, f.signers[0], deps)
	r.Error(err)
}

func TestNew_PebbleState(t *testing.T) {
	r := require.New(t)
	f := newFixture(t, 1)
	f.cfg.Store.Backend = config.StorePebble
	f.cfg.Store.Path = t.TempDir()

	n, err := New(f.cfg, f.signers[0], Deps{
		Registry: f.registry,
		Archives: f.archives,
		Ledger:   f.tokens,
		Chain:    consensus.NewMemChain(),
		Network:  consensus.NewHub().Join(f.signers[0].NodeID()),
	}, WithLogger(zaptest.NewLogger(t)))
	r.NoError(err)
	r.NoError(n.Close())

	// The store lock is released on Close.
	s, err := store.Open(f.cfg, zaptest.NewLogger(t))
	r.NoError(err)
	r.NoError(s.Close())
}
