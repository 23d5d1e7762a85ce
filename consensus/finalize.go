package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/longevity"
	"github.com/archivechain/poa/quality"
	"github.com/archivechain/poa/rewards"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/validation"
)

var ErrAlreadyFinalized = errors.New("height already finalized")

// Finalizer applies a finalized block to the node state and the token
// ledger. Every node runs it on the same block and derives the same
// instruction set.
type Finalizer struct {
	cfg         *config.Config
	registry    shared.Registry
	commitments validation.CommitmentSource
	quality     *quality.Scorer
	longevity   *longevity.Tracker
	slashing    *slashing.Engine
	rewards     *rewards.Calculator
	bandwidth   *bandwidth.Verifier
	emitter     *ledger.Emitter
	logger      *zap.Logger

	mu   sync.Mutex
	last shared.Height
	// unsent is a set built but not accepted by the ledger yet. The state
	// it was derived from has moved on, so a retry re-emits it as is.
	unsent *ledger.InstructionSet
}

// Components are the state machines a Finalizer drives.
type Components struct {
	Registry    shared.Registry
	Commitments validation.CommitmentSource
	Quality     *quality.Scorer
	Longevity   *longevity.Tracker
	Slashing    *slashing.Engine
	Rewards     *rewards.Calculator
	Bandwidth   *bandwidth.Verifier
	Emitter     *ledger.Emitter
}

func NewFinalizer(cfg *config.Config, c Components, logger *zap.Logger) (*Finalizer, error) {
	if c.Registry == nil || c.Commitments == nil || c.Quality == nil || c.Longevity == nil ||
		c.Slashing == nil || c.Rewards == nil || c.Bandwidth == nil || c.Emitter == nil {
		return nil, errors.New("every finalizer component is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		cfg:         cfg,
		registry:    c.Registry,
		commitments: c.Commitments,
		quality:     c.Quality,
		longevity:   c.Longevity,
		slashing:    c.Slashing,
		rewards:     c.Rewards,
		bandwidth:   c.Bandwidth,
		emitter:     c.Emitter,
		logger:      logger,
	}, nil
}

// Slashing returns the engine evidence is reported to.
func (f *Finalizer) Slashing() *slashing.Engine { return f.slashing }

// Scorer returns the quality scorer.
func (f *Finalizer) Scorer() *quality.Scorer { return f.quality }

// Last returns the height of the last applied block.
func (f *Finalizer) Last() shared.Height {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Apply folds block into the quality and longevity state, settles its
// penalties, computes its rewards and emits the resulting instruction set.
func (f *Finalizer) Apply(ctx context.Context, block *Block, hash shared.Hash) (ledger.InstructionSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if block.Height <= f.last {
		return ledger.InstructionSet{}, fmt.Errorf("%w: %d", ErrAlreadyFinalized, block.Height)
	}
	if f.unsent != nil && f.unsent.Height == block.Height && f.unsent.BlockHash == hash {
		return f.emit(ctx, *f.unsent)
	}
	epoch := block.Epoch

	observations, results, err := validation.Outcomes(epoch, block.Batch, f.registry)
	if err != nil {
		return ledger.InstructionSet{}, err
	}
	if _, err := f.longevity.Apply(observations); err != nil {
		return ledger.InstructionSet{}, err
	}
	_, triggers, err := f.quality.Apply(epoch, results)
	if err != nil {
		return ledger.InstructionSet{}, err
	}

	evidence := append(append([]slashing.Evidence(nil), block.Evidence...), triggers...)
	events, err := f.slashing.Settle(block.Height, evidence, f.registry)
	if err != nil {
		return ledger.InstructionSet{}, fmt.Errorf("settle penalties: %w", err)
	}

	records, err := f.rewards.ForBatch(ctx, block.Batch, f)
	if err != nil {
		return ledger.InstructionSet{}, fmt.Errorf("compute rewards: %w", err)
	}
	transfers, bw := f.creditBandwidth(epoch, block.Batch)
	custody, err := f.custody(ctx, epoch, block.Batch)
	if err != nil {
		return ledger.InstructionSet{}, fmt.Errorf("compute custody rewards: %w", err)
	}

	set := ledger.Build(block.Height, hash, records, bw, custody, events)
	f.unsent = &set
	f.bandwidth.Record(epoch, transfers)
	f.bandwidth.Prune(epoch)
	f.slashing.Discard(block.Height)
	f.slashing.Expire(block.Height + 1)

	f.logger.Info("consensus: block applied",
		zap.Uint64("height", uint64(block.Height)),
		zap.Stringer("hash", hash),
		zap.Int("proofs", len(block.Batch)),
		zap.Int("rewards", len(records)),
		zap.Int("slashes", len(events)),
		zap.Int("low_quality", len(triggers)),
	)
	return f.emit(ctx, set)
}

func (f *Finalizer) emit(ctx context.Context, set ledger.InstructionSet) (ledger.InstructionSet, error) {
	if err := f.emitter.Emit(ctx, set); err != nil {
		return ledger.InstructionSet{}, err
	}
	f.unsent = nil
	f.last = set.Height
	return set, nil
}

// creditBandwidth returns the bandwidth proofs of the batch and the reward
// they earn every serving node. Nothing is recorded: the caller records the
// proofs once the instruction set is built.
func (f *Finalizer) creditBandwidth(epoch shared.Epoch, batch []shared.ProofEnvelope) ([]*shared.BandwidthProof, []ledger.BandwidthCredit) {
	var transfers []*shared.BandwidthProof
	for _, env := range batch {
		if env.Kind == shared.KindBandwidth && env.Bandwidth != nil {
			transfers = append(transfers, env.Bandwidth)
		}
	}
	bytes := make(map[shared.NodeID]uint64)
	var order []shared.NodeID
	for i, n := range f.bandwidth.Plan(epoch, transfers) {
		if n == 0 {
			continue
		}
		id := transfers[i].NodeID
		if _, ok := bytes[id]; !ok {
			order = append(order, id)
		}
		bytes[id] += n
	}
	shared.SortNodeIDs(order)
	credits := make([]ledger.BandwidthCredit, 0, len(order))
	for _, id := range order {
		credits = append(credits, ledger.BandwidthCredit{
			NodeID: id,
			Bytes:  bytes[id],
			Amount: rewards.BandwidthReward(f.cfg.Rewards, bytes[id]),
		})
	}
	return transfers, credits
}

// custody pays the custody reward of the period ending at epoch. A node is
// paid for the archives it proved in that epoch, at the lowest longevity
// multiplier among them.
func (f *Finalizer) custody(ctx context.Context, epoch shared.Epoch, batch []shared.ProofEnvelope) ([]ledger.CustodyCredit, error) {
	period := f.cfg.Longevity.EpochsPerPeriod
	if period == 0 || epoch == 0 || uint64(epoch)%period != 0 {
		return nil, nil
	}

	type stored struct {
		bytes     uint64
		longevity shared.Ratio
	}
	nodes := make(map[shared.NodeID]*stored)
	var order []shared.NodeID
	for _, env := range batch {
		if env.Kind != shared.KindStorage || env.Storage == nil {
			continue
		}
		node, archive := env.Storage.NodeID, env.Storage.ArchiveID
		c, err := f.commitments.Commitment(ctx, archive)
		if err != nil {
			return nil, fmt.Errorf("commitment of %v: %w", archive, err)
		}
		l, err := f.longevity.Multiplier(node, archive)
		if err != nil {
			return nil, err
		}
		s, ok := nodes[node]
		if !ok {
			s = &stored{longevity: l}
			nodes[node] = s
			order = append(order, node)
		}
		s.bytes += c.Size
		if l < s.longevity {
			s.longevity = l
		}
	}

	shared.SortNodeIDs(order)
	credits := make([]ledger.CustodyCredit, 0, len(order))
	for _, id := range order {
		info, err := f.registry.Node(id)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		q, err := f.quality.Value(id)
		if err != nil {
			return nil, err
		}
		s := nodes[id]
		amount := rewards.MonthlyCustody(f.cfg.Rewards, info.Type, s.bytes, q, s.longevity)
		if amount == 0 {
			continue
		}
		credits = append(credits, ledger.CustodyCredit{NodeID: id, StoredBytes: s.bytes, Amount: amount})
	}
	return credits, nil
}

// Commitment, Quality and Longevity make the finalizer the reward state.

func (f *Finalizer) Commitment(ctx context.Context, id shared.ArchiveID) (*shared.Commitment, error) {
	return f.commitments.Commitment(ctx, id)
}

func (f *Finalizer) Quality(node shared.NodeID) (shared.Ratio, error) {
	return f.quality.Value(node)
}

func (f *Finalizer) Longevity(node shared.NodeID, archive shared.ArchiveID) (shared.Ratio, error) {
	return f.longevity.Multiplier(node, archive)
}
