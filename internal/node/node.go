// Package node assembles the components of one Proof of Archive validator
// from its configuration: the derived state store, the prover of the
// archives in its custody, the validator, the selector and the consensus
// engine.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/consensus"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/longevity"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/quality"
	"github.com/archivechain/poa/rewards"
	"github.com/archivechain/poa/selection"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/store"
	"github.com/archivechain/poa/validation"
)

// ErrUnknownSeed is returned for the seed of an epoch whose parent block is
// not finalized yet.
var ErrUnknownSeed = errors.New("challenge seed unknown")

// Deps are the external systems a node talks to.
type Deps struct {
	Registry shared.Registry
	Archives proving.ArchiveReader
	Ledger   ledger.TokenLedger
	Chain    consensus.Chain
	Network  consensus.Network
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("registry is nil")
	case d.Archives == nil:
		return errors.New("archive reader is nil")
	case d.Ledger == nil:
		return errors.New("token ledger is nil")
	case d.Chain == nil:
		return errors.New("chain is nil")
	case d.Network == nil:
		return errors.New("network is nil")
	}
	return nil
}

type option struct {
	logger *zap.Logger
	state  store.Store
	rarity rewards.RarityOracle
}

// OptionFunc is a function that sets an option for a Node instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the node and its components.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// WithStore makes the node keep its derived state in s instead of the store
// selected by the configuration. The node does not close s.
func WithStore(s store.Store) OptionFunc {
	return func(opts *option) error {
		if s == nil {
			return errors.New("store is nil")
		}
		opts.state = s
		return nil
	}
}

// WithRarity sets the rarity oracle of the reward calculator.
func WithRarity(r rewards.RarityOracle) OptionFunc {
	return func(opts *option) error {
		opts.rarity = r
		return nil
	}
}

type Node struct {
	cfg    *config.Config
	signer *shared.Signer
	deps   Deps
	logger *zap.Logger

	state     store.Store
	ownsState bool

	prover    *proving.Prover
	validator *validation.Validator
	selector  *selection.Selector
	finalizer *consensus.Finalizer
	engine    *consensus.Engine

	mu         sync.Mutex
	seeds      map[shared.Epoch]shared.Hash
	collectors map[shared.Epoch]*validation.Collector
}

func New(cfg *config.Config, signer *shared.Signer, deps Deps, opts ...OptionFunc) (*Node, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, errors.New("signer is nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := options.logger.With(zap.Stringer("node", signer.NodeID()))
	n := &Node{
		cfg:        cfg,
		signer:     signer,
		deps:       deps,
		logger:     logger,
		state:      options.state,
		seeds:      make(map[shared.Epoch]shared.Hash),
		collectors: make(map[shared.Epoch]*validation.Collector),
	}
	if n.state == nil {
		s, err := store.Open(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		n.state = s
		n.ownsState = true
	}
	if err := n.assemble(options); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) assemble(options *option) error {
	cfg, logger := n.cfg, n.logger

	scorer, err := quality.NewScorer(cfg.Quality, n.state, quality.WithLogger(logger))
	if err != nil {
		return err
	}
	tracker, err := longevity.NewTracker(cfg.Longevity, n.state, longevity.WithLogger(logger))
	if err != nil {
		return err
	}
	slasher, err := slashing.NewEngine(cfg.Slashing, slashing.WithLogger(logger))
	if err != nil {
		return err
	}
	rewardOpts := []rewards.OptionFunc{rewards.WithLogger(logger)}
	if options.rarity != nil {
		rewardOpts = append(rewardOpts, rewards.WithRarity(options.rarity))
	}
	calc, err := rewards.NewCalculator(cfg.Rewards, rewardOpts...)
	if err != nil {
		return err
	}
	bwOpts := []bandwidth.OptionFunc{
		bandwidth.WithLogger(logger),
		bandwidth.WithAssignment(n.assignedPeers),
	}
	if cfg.Bandwidth.EpochDuration > 0 {
		bwOpts = append(bwOpts, bandwidth.WithEpochBounds(bandwidth.FixedEpochs(cfg.Bandwidth.Genesis, cfg.Bandwidth.EpochDuration)))
	}
	bw, err := bandwidth.NewVerifier(cfg.Bandwidth, bwOpts...)
	if err != nil {
		return err
	}
	emitter, err := ledger.NewEmitter(cfg.Ledger, n.deps.Ledger, ledger.WithLogger(logger))
	if err != nil {
		return err
	}

	n.prover, err = proving.NewProver(cfg.Proof, n.signer, n.deps.Archives,
		proving.WithLogger(logger),
		proving.WithParallelism(cfg.Proof.VerifyParallelism),
	)
	if err != nil {
		return err
	}
	n.validator, err = validation.NewValidator(cfg.Proof, n.deps.Archives, bw,
		validation.WithLogger(logger),
		validation.WithSeeds(n.Seed),
	)
	if err != nil {
		return err
	}
	n.selector, err = selection.NewSelector(cfg.Selection, n.deps.Registry, scorer, selection.WithLogger(logger))
	if err != nil {
		return err
	}
	n.finalizer, err = consensus.NewFinalizer(cfg, consensus.Components{
		Registry:    n.deps.Registry,
		Commitments: n.deps.Archives,
		Quality:     scorer,
		Longevity:   tracker,
		Slashing:    slasher,
		Rewards:     calc,
		Bandwidth:   bw,
		Emitter:     emitter,
	}, logger)
	if err != nil {
		return err
	}
	n.engine, err = consensus.NewEngine(cfg.Consensus, n.signer, n.selector, n.validator, n.finalizer,
		n.deps.Chain, n.deps.Network,
		consensus.WithLogger(logger),
		consensus.WithProofSource(n.batch),
	)
	return err
}

func (n *Node) ID() shared.NodeID { return n.signer.NodeID() }

func (n *Node) Finalizer() *consensus.Finalizer { return n.finalizer }

func (n *Node) Selector() *selection.Selector { return n.selector }

// Seed returns the challenge seed of epoch. It is known once the block
// before the epoch is finalized and derived from the chain history after.
func (n *Node) Seed(epoch shared.Epoch) (shared.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if seed, ok := n.seeds[epoch]; ok {
		return seed, nil
	}
	height := consensus.HeightOf(epoch)
	if height == 0 {
		return shared.Hash{}, fmt.Errorf("%w: epoch %d", ErrUnknownSeed, epoch)
	}
	head, _, err := n.deps.Chain.Head()
	if err != nil {
		return shared.Hash{}, err
	}
	if height-1 > head {
		return shared.Hash{}, fmt.Errorf("%w: epoch %d, head %d", ErrUnknownSeed, epoch, head)
	}
	parent, err := n.deps.Chain.BlockHash(height - 1)
	if err != nil {
		return shared.Hash{}, fmt.Errorf("parent of epoch %d: %w", epoch, err)
	}
	seed := proving.ChallengeSeed(parent, epoch)
	n.seeds[epoch] = seed
	return seed, nil
}

// assignedPeers draws the peers node serves during epoch from the epoch seed
// and the registered nodes. Without a seed nobody is assigned.
func (n *Node) assignedPeers(epoch shared.Epoch, node shared.NodeID) []shared.NodeID {
	seed, err := n.Seed(epoch)
	if err != nil {
		n.logger.Warn("node: no bandwidth assignment", zap.Uint64("epoch", uint64(epoch)), zap.Error(err))
		return nil
	}
	nodes, err := n.deps.Registry.Nodes()
	if err != nil {
		n.logger.Warn("node: no bandwidth assignment", zap.Uint64("epoch", uint64(epoch)), zap.Error(err))
		return nil
	}
	ids := make([]shared.NodeID, 0, len(nodes))
	for _, info := range nodes {
		ids = append(ids, info.ID)
	}
	return bandwidth.AssignPeers(seed, node, ids, n.cfg.Bandwidth.PeersPerNode)
}

// Prove answers the challenge of epoch for every archive in the node's
// custody.
func (n *Node) Prove(ctx context.Context, epoch shared.Epoch) ([]shared.ProofEnvelope, error) {
	seed, err := n.Seed(epoch)
	if err != nil {
		return nil, err
	}
	archives, err := n.deps.Registry.Custody(n.ID())
	if err != nil {
		return nil, fmt.Errorf("custody of %v: %w", n.ID(), err)
	}
	if len(archives) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Proof.ChallengeTimeout)
	defer cancel()
	return n.prover.GenerateBatch(ctx, epoch, seed, archives)
}

// Receive verifies a proof of epoch gossiped to the node and keeps it for
// the node's next proposal.
func (n *Node) Receive(ctx context.Context, epoch shared.Epoch, env shared.ProofEnvelope) (shared.Verdict, error) {
	return n.collector(epoch).Add(ctx, env)
}

func (n *Node) collector(epoch shared.Epoch) *validation.Collector {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.collectors[epoch]
	if !ok {
		c = validation.NewCollector(n.validator, epoch, time.Now().Add(n.cfg.Proof.ChallengeTimeout), n.reportForged)
		n.collectors[epoch] = c
	}
	return c
}

func (n *Node) reportForged(env shared.ProofEnvelope) {
	n.finalizer.Slashing().Report(slashing.NewForgedProof(n.ID(), env))
}

func (n *Node) batch(_ context.Context, epoch shared.Epoch) ([]shared.ProofEnvelope, error) {
	return n.collector(epoch).Close(), nil
}

// Run drives consensus on height, which must extend the chain head.
func (n *Node) Run(ctx context.Context, height shared.Height) (*consensus.Block, error) {
	block, err := n.engine.Run(ctx, height)
	n.prune(consensus.EpochOf(height))
	return block, err
}

func (n *Node) prune(epoch shared.Epoch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for e, c := range n.collectors {
		if e <= epoch {
			c.Close()
			delete(n.collectors, e)
		}
	}
	// Older seeds are derived again from the chain when evidence needs them.
	for e := range n.seeds {
		if uint64(e)+n.cfg.Slashing.EvidenceHorizon < uint64(epoch) {
			delete(n.seeds, e)
		}
	}
}

func (n *Node) Close() error {
	if n.engine != nil {
		n.engine.Stop()
	}
	if n.ownsState && n.state != nil {
		return n.state.Close()
	}
	return nil
}
