package consensus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/selection"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/validation"
)

var ErrSuperseded = errors.New("height finalized elsewhere")

// Commit announces a finalized block with the approving votes that
// finalized it.
type Commit struct {
	Height    shared.Height
	Attempt   uint32
	BlockHash shared.Hash
	Votes     []*Vote
}

// Message is what nodes exchange during a round. Exactly one field is set.
type Message struct {
	Proposal *Proposal
	Vote     *Vote
	Commit   *Commit
}

// Network is the gossip layer. Inbound delivers messages of every height.
type Network interface {
	Broadcast(ctx context.Context, msg Message) error
	Inbound() <-chan Message
}

// Outcome is a round that closed without a block.
type Outcome struct {
	Height   shared.Height
	Attempt  uint32
	Proposer shared.NodeID
	State    RoundState
	Reason   string
}

// Chain is the block store the engine appends to.
type Chain interface {
	// Head returns the last finalized height and block hash.
	Head() (shared.Height, shared.Hash, error)
	// BlockHash returns the hash of the finalized block at height, the zero
	// hash for height 0.
	BlockHash(height shared.Height) (shared.Hash, error)
	Finalize(ctx context.Context, block *Block, set ledger.InstructionSet) error
	ReportOutcome(ctx context.Context, outcome Outcome) error
}

// ProofSource returns the proofs collected for epoch.
type ProofSource func(ctx context.Context, epoch shared.Epoch) ([]shared.ProofEnvelope, error)

type option struct {
	logger *zap.Logger
	proofs ProofSource
}

// OptionFunc is a function that sets an option for an Engine instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the engine.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// WithProofSource sets where the engine takes the batch of the blocks it
// proposes. Without one it proposes empty batches.
func WithProofSource(f ProofSource) OptionFunc {
	return func(opts *option) error {
		if f == nil {
			return errors.New("proof source is nil")
		}
		opts.proofs = f
		return nil
	}
}

// Engine runs the consensus rounds of the local node.
type Engine struct {
	cfg       config.ConsensusConfig
	signer    *shared.Signer
	selector  *selection.Selector
	validator *validation.Validator
	finalizer *Finalizer
	chain     Chain
	network   Network
	proofs    ProofSource
	detector  *Detector
	ticker    *TimeoutTicker
	logger    *zap.Logger

	// own is the block this node proposed at the current height.
	own *Proposal
	// future holds messages of later attempts of the current height.
	future map[uint32]*backlog
}

// backlog holds the verified messages of a later attempt, one proposal and
// one vote per node.
type backlog struct {
	proposals map[shared.NodeID]*Proposal
	votes     map[shared.NodeID]*Vote
}

func (e *Engine) backlog(attempt uint32) *backlog {
	b, ok := e.future[attempt]
	if !ok {
		b = &backlog{proposals: make(map[shared.NodeID]*Proposal), votes: make(map[shared.NodeID]*Vote)}
		e.future[attempt] = b
	}
	return b
}

func NewEngine(cfg config.ConsensusConfig, signer *shared.Signer, selector *selection.Selector, validator *validation.Validator,
	finalizer *Finalizer, chain Chain, network Network, opts ...OptionFunc,
) (*Engine, error) {
	options := &option{
		logger: zap.NewNop(),
		proofs: func(context.Context, shared.Epoch) ([]shared.ProofEnvelope, error) { return nil, nil },
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if signer == nil || selector == nil || validator == nil || finalizer == nil || chain == nil || network == nil {
		return nil, errors.New("`signer`, `selector`, `validator`, `finalizer`, `chain` and `network` are required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("invalid `MaxAttempts`; expected: >= 1, given: %d", cfg.MaxAttempts)
	}
	return &Engine{
		cfg:       cfg,
		signer:    signer,
		selector:  selector,
		validator: validator,
		finalizer: finalizer,
		chain:     chain,
		network:   network,
		proofs:    options.proofs,
		detector:  NewDetector(signer.NodeID()),
		ticker:    NewTimeoutTicker(cfg, options.logger),
		logger:    options.logger,
	}, nil
}

// Stop cancels the pending round deadline.
func (e *Engine) Stop() { e.ticker.Stop() }

// Run drives the rounds of height until a block is finalized. A round that
// times out or is rejected is retried with the next proposer of the skip
// list, up to MaxAttempts. It returns ErrSuperseded, with nothing applied,
// when the chain already holds height: another node's commit is only taken
// as a hint to check it.
func (e *Engine) Run(ctx context.Context, height shared.Height) (*Block, error) {
	head, prev, err := e.chain.Head()
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}
	if height != head+1 {
		return nil, fmt.Errorf("cannot run height %d on head %d", height, head)
	}
	e.own = nil
	e.future = make(map[uint32]*backlog)
	defer e.detector.Prune(height)

	for attempt := uint32(0); attempt < uint32(e.cfg.MaxAttempts); attempt++ {
		block, err := e.runRound(ctx, height, attempt, prev)
		if err != nil {
			return nil, err
		}
		if block != nil {
			return block, nil
		}
	}
	return nil, fmt.Errorf("%w: height %d after %d attempts", shared.ErrQuorumTimeout, height, e.cfg.MaxAttempts)
}

// runRound returns the finalized block, or nil when the round closed
// without one.
func (e *Engine) runRound(ctx context.Context, height shared.Height, attempt uint32, prev shared.Hash) (*Block, error) {
	sel, err := e.selector.Select(prev, height, attempt)
	if err != nil {
		return nil, fmt.Errorf("select round %d/%d: %w", height, attempt, err)
	}
	round := NewRound(sel)
	deadline := e.ticker.Schedule(height, attempt)

	e.logger.Info("consensus: round started",
		zap.Uint64("height", uint64(height)),
		zap.Uint32("attempt", attempt),
		zap.Stringer("proposer", sel.Proposer),
		zap.Int("committee", len(sel.Committee)),
		zap.Duration("timeout", deadline.Duration),
	)

	if sel.Proposer == e.signer.NodeID() {
		p, err := e.propose(ctx, height, attempt, prev)
		if err != nil {
			return nil, err
		}
		if err := e.network.Broadcast(ctx, Message{Proposal: p}); err != nil {
			e.logger.Warn("consensus: broadcast proposal", zap.Error(err))
		}
		if err := e.handle(ctx, round, prev, Message{Proposal: p}); err != nil {
			return nil, err
		}
	}
	if b, ok := e.future[attempt]; ok {
		delete(e.future, attempt)
		for _, p := range b.proposals {
			if err := e.handleProposal(ctx, round, prev, p); err != nil {
				return nil, err
			}
		}
		for _, v := range b.votes {
			e.handleVote(round, v)
		}
	}

	for !round.State().Closed() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-e.network.Inbound():
			if err := e.handle(ctx, round, prev, msg); err != nil {
				return nil, err
			}
		case ti := <-e.ticker.Chan():
			if ti.Height == height && ti.Attempt == attempt {
				round.Timeout()
			}
		}
	}

	if round.State() == Finalized {
		return e.finalize(ctx, round)
	}
	outcome := Outcome{
		Height:   height,
		Attempt:  attempt,
		Proposer: sel.Proposer,
		State:    round.State(),
		Reason:   round.Reason(),
	}
	approve, disapprove, total := round.Tally()
	e.logger.Warn("consensus: round closed without block",
		zap.Uint64("height", uint64(height)),
		zap.Uint32("attempt", attempt),
		zap.Stringer("state", outcome.State),
		zap.String("reason", outcome.Reason),
		zap.Uint64("approve", approve),
		zap.Uint64("disapprove", disapprove),
		zap.Uint64("total", total),
	)
	if err := e.chain.ReportOutcome(ctx, outcome); err != nil {
		return nil, fmt.Errorf("report outcome: %w", err)
	}
	return nil, nil
}

// propose builds the block of height from the collected proofs and the
// pending evidence. A proposer drawn twice at one height proposes its first
// block again.
func (e *Engine) propose(ctx context.Context, height shared.Height, attempt uint32, prev shared.Hash) (*Proposal, error) {
	if e.own != nil {
		p := *e.own
		p.Attempt = attempt
		return &p, nil
	}
	epoch := EpochOf(height)
	batch, err := e.proofs(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("proofs of epoch %d: %w", epoch, err)
	}
	var evidence []slashing.Evidence
	for _, ev := range e.finalizer.Slashing().Pending() {
		if ev.Reason != slashing.LowQuality && e.finalizer.Slashing().Includable(ev, height) {
			evidence = append(evidence, ev)
		}
	}
	block := &Block{
		Height:   height,
		Epoch:    epoch,
		PrevHash: prev,
		Proposer: e.signer.NodeID(),
		Batch:    batch,
		Evidence: evidence,
	}
	p, err := NewProposal(block, attempt, e.signer)
	if err != nil {
		return nil, err
	}
	e.own = p
	return p, nil
}

func (e *Engine) handle(ctx context.Context, round *Round, prev shared.Hash, msg Message) error {
	switch {
	case msg.Proposal != nil:
		return e.handleProposal(ctx, round, prev, msg.Proposal)
	case msg.Vote != nil:
		e.handleVote(round, msg.Vote)
	case msg.Commit != nil:
		return e.handleCommit(round, msg.Commit)
	}
	return nil
}

// watched reports whether equivocation at height is still detected: the
// current height and the one before it.
func watched(round *Round, height shared.Height) bool {
	return height <= round.Height() && height+1 >= round.Height()
}

func (e *Engine) handleProposal(ctx context.Context, round *Round, prev shared.Hash, p *Proposal) error {
	if p.Block == nil || !watched(round, p.Block.Height) || p.Attempt >= uint32(e.cfg.MaxAttempts) {
		return nil
	}
	if err := p.Verify(); err != nil {
		e.logger.Debug("consensus: proposal dropped", zap.Error(err))
		return nil
	}
	// Equivocation voids the round before a single vote is counted. A late
	// second block of the previous height is still reported.
	if ev := e.detector.Check(p); ev != nil {
		e.equivocated(round, *ev)
		return nil
	}
	if p.Block.Height != round.Height() || p.Attempt < round.Attempt() {
		return nil
	}
	if p.Attempt > round.Attempt() {
		e.backlog(p.Attempt).proposals[p.Block.Proposer] = p
		return nil
	}
	if err := round.Propose(p); err != nil {
		if errors.Is(err, shared.ErrEquivocation) {
			round.Reject(err.Error())
			return nil
		}
		e.logger.Debug("consensus: proposal refused", zap.Error(err))
		return nil
	}

	if round.Selection().Weight(e.signer.NodeID()) == 0 {
		return nil
	}
	approve, err := e.judge(ctx, prev, p.Block)
	if err != nil {
		return err
	}
	vote := NewVote(e.signer, p, approve)
	if _, err := round.AddVote(vote); err != nil && !errors.Is(err, ErrRoundClosed) {
		return fmt.Errorf("add own vote: %w", err)
	}
	if err := e.network.Broadcast(ctx, Message{Vote: vote}); err != nil {
		e.logger.Warn("consensus: broadcast vote", zap.Error(err))
	}
	return nil
}

// judge re-verifies every proof and evidence of block. It only returns an
// error when ctx is done.
func (e *Engine) judge(ctx context.Context, prev shared.Hash, block *Block) (bool, error) {
	reject := func(reason string, fields ...zap.Field) (bool, error) {
		e.logger.Info("consensus: disapproving block",
			append([]zap.Field{zap.Uint64("height", uint64(block.Height)), zap.String("reason", reason)}, fields...)...)
		return false, nil
	}
	if block.Epoch != EpochOf(block.Height) {
		return reject("wrong epoch", zap.Uint64("epoch", uint64(block.Epoch)))
	}
	if block.PrevHash != prev {
		return reject("wrong parent", zap.Stringer("prev", block.PrevHash))
	}

	results, err := e.validator.VerifyBatch(ctx, block.Epoch, block.Batch)
	if err != nil {
		return false, err
	}
	var failed *validation.Result
	for i, res := range results {
		if res.Verdict == shared.Valid {
			continue
		}
		if res.Verdict == shared.Forged {
			e.finalizer.Slashing().Report(slashing.NewForgedProof(e.signer.NodeID(), res.Envelope))
		}
		if failed == nil {
			failed = &results[i]
		}
	}
	if failed != nil {
		return reject("proof failed",
			zap.String("proof", failed.Envelope.Key()),
			zap.Stringer("verdict", failed.Verdict),
			zap.Error(failed.Err),
		)
	}

	check := e.validator.ForgedCheck(ctx)
	for _, ev := range block.Evidence {
		if !e.finalizer.Slashing().Includable(ev, block.Height) {
			return reject("stale evidence", zap.Stringer("node", ev.NodeID), zap.Stringer("reason", ev.Reason),
				zap.Uint64("at", uint64(ev.At())))
		}
		if err := ev.Verify(check); err != nil {
			return reject("bad evidence", zap.Stringer("node", ev.NodeID), zap.Stringer("reason", ev.Reason), zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

// equivocated reports ev and rejects the round when its proposer is the one
// who equivocated.
func (e *Engine) equivocated(round *Round, ev slashing.Evidence) {
	e.finalizer.Slashing().Report(ev)
	if ev.Height == round.Height() && ev.NodeID == round.Selection().Proposer {
		round.Reject(fmt.Sprintf("proposer %v equivocated", ev.NodeID))
	}
}

func (e *Engine) handleVote(round *Round, v *Vote) {
	if !watched(round, v.Height) || v.Attempt >= uint32(e.cfg.MaxAttempts) {
		return
	}
	// A member shown another block than ours tells us through its vote.
	if ev := e.detector.Observe(v.Proposer, v.Proposal); ev != nil {
		e.equivocated(round, *ev)
	}
	if v.Height != round.Height() || v.Attempt < round.Attempt() {
		return
	}
	if v.Attempt > round.Attempt() {
		if !v.VerifySignature() {
			e.logger.Debug("consensus: vote dropped", zap.Stringer("node", v.NodeID))
			return
		}
		e.backlog(v.Attempt).votes[v.NodeID] = v
		return
	}
	if _, err := round.AddVote(v); err != nil {
		e.logger.Debug("consensus: vote refused", zap.Stringer("node", v.NodeID), zap.Error(err))
	}
}

// handleCommit ends the height once the chain holds it; a commit is only a
// hint to look. Otherwise the votes of a commit of the current height are
// counted like any other vote.
func (e *Engine) handleCommit(round *Round, c *Commit) error {
	if c.Height < round.Height() {
		return nil
	}
	head, _, err := e.chain.Head()
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}
	if head >= round.Height() {
		e.logger.Info("consensus: round superseded",
			zap.Uint64("height", uint64(round.Height())),
			zap.Uint64("committed", uint64(c.Height)),
			zap.Uint64("head", uint64(head)),
		)
		return fmt.Errorf("%w: chain head %d", ErrSuperseded, head)
	}
	if c.Height > round.Height() {
		e.logger.Debug("consensus: unconfirmed commit ignored",
			zap.Uint64("height", uint64(round.Height())),
			zap.Uint64("committed", uint64(c.Height)),
			zap.Uint64("head", uint64(head)),
		)
		return nil
	}
	for _, v := range c.Votes {
		if v != nil && v.Height == c.Height && v.Attempt == c.Attempt && v.BlockHash == c.BlockHash {
			e.handleVote(round, v)
		}
	}
	return nil
}

func (e *Engine) finalize(ctx context.Context, round *Round) (*Block, error) {
	p := round.Proposal()
	set, err := e.finalizer.Apply(ctx, p.Block, p.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("apply block %d: %w", p.Block.Height, err)
	}
	if err := e.chain.Finalize(ctx, p.Block, set); err != nil {
		return nil, fmt.Errorf("finalize block %d: %w", p.Block.Height, err)
	}
	commit := &Commit{Height: p.Block.Height, Attempt: round.Attempt(), BlockHash: p.BlockHash, Votes: round.Approvals()}
	if err := e.network.Broadcast(ctx, Message{Commit: commit}); err != nil {
		e.logger.Warn("consensus: broadcast commit", zap.Error(err))
	}
	approve, _, total := round.Tally()
	e.logger.Info("consensus: block finalized",
		zap.Uint64("height", uint64(p.Block.Height)),
		zap.Uint32("attempt", round.Attempt()),
		zap.Stringer("hash", p.BlockHash),
		zap.Uint64("approve", approve),
		zap.Uint64("total", total),
	)
	return p.Block, nil
}
