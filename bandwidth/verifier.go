package bandwidth

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// AssignmentFunc returns the peers node was drawn to serve during epoch.
type AssignmentFunc func(epoch shared.Epoch, node shared.NodeID) []shared.NodeID

// EpochBoundsFunc returns the unix time range [start, end) covered by epoch.
type EpochBoundsFunc func(epoch shared.Epoch) (start, end uint64)

// FixedEpochs returns the bounds of epochs of equal duration, epoch 1 starting
// at genesis (unix seconds).
func FixedEpochs(genesis uint64, duration time.Duration) EpochBoundsFunc {
	secs := uint64(duration / time.Second)
	return func(epoch shared.Epoch) (uint64, uint64) {
		if epoch == 0 {
			return genesis, genesis
		}
		start := genesis + (uint64(epoch)-1)*secs
		return start, start + secs
	}
}

type option struct {
	logger      *zap.Logger
	assignment  AssignmentFunc
	epochBounds EpochBoundsFunc
}

func (o *option) validate() error {
	if o.logger == nil {
		return errors.New("`logger` is required")
	}
	return nil
}

// OptionFunc is a function that sets an option for a Verifier instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the verifier.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// WithAssignment makes the verifier reject transfers to peers the serving node
// was not assigned to. It only takes effect with EnforceAssignment set.
func WithAssignment(f AssignmentFunc) OptionFunc {
	return func(opts *option) error {
		opts.assignment = f
		return nil
	}
}

// WithEpochBounds makes the verifier reject, as Expired, transfer windows
// outside of the epoch they are submitted for.
func WithEpochBounds(f EpochBoundsFunc) OptionFunc {
	return func(opts *option) error {
		opts.epochBounds = f
		return nil
	}
}

type replayKey struct {
	node, peer shared.NodeID
	start, end uint64
}

func keyOf(p *shared.BandwidthProof) replayKey {
	return replayKey{node: p.NodeID, peer: p.PeerID, start: p.WindowStart, end: p.WindowEnd}
}

// Verifier checks bandwidth proofs and keeps the per-epoch replay and credit
// state. It is safe for concurrent use.
type Verifier struct {
	cfg    config.BandwidthConfig
	logger *zap.Logger
	opts   *option

	mu       sync.Mutex
	seen     map[shared.Epoch]map[replayKey]struct{}
	credited map[shared.Epoch]map[shared.NodeID]uint64
}

func NewVerifier(cfg config.BandwidthConfig, opts ...OptionFunc) (*Verifier, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if cfg.EnforceAssignment && options.assignment == nil {
		return nil, errors.New("`EnforceAssignment` requires an assignment function")
	}

	return &Verifier{
		cfg:      cfg,
		logger:   options.logger,
		opts:     options,
		seen:     make(map[shared.Epoch]map[replayKey]struct{}),
		credited: make(map[shared.Epoch]map[shared.NodeID]uint64),
	}, nil
}

// Verify checks p for epoch without changing any state. A tuple already
// credited in the epoch is a replay and is Invalid.
func (v *Verifier) Verify(epoch shared.Epoch, p *shared.BandwidthProof) (shared.Verdict, error) {
	verdict, err := v.verify(epoch, p)
	if err != nil {
		v.logger.Debug("bandwidth: proof rejected",
			zap.Uint64("epoch", uint64(epoch)),
			zap.Stringer("verdict", verdict),
			zap.Error(err),
		)
	}
	return verdict, err
}

func (v *Verifier) verify(epoch shared.Epoch, p *shared.BandwidthProof) (shared.Verdict, error) {
	if p == nil {
		return shared.Invalid, shared.Invalid.Failf("missing proof")
	}
	if p.Epoch != epoch {
		return shared.Expired, shared.Expired.Failf("epoch mismatch; expected: %d, given: %d", epoch, p.Epoch)
	}
	if p.NodeID == p.PeerID {
		return shared.Invalid, shared.Invalid.Failf("self transfer of node %v", p.NodeID)
	}
	if p.WindowEnd <= p.WindowStart {
		return shared.Invalid, shared.Invalid.Failf("inverted window [%d, %d)", p.WindowStart, p.WindowEnd)
	}
	if window := time.Duration(p.WindowEnd-p.WindowStart) * time.Second; window > v.cfg.MaxWindow {
		return shared.Invalid, shared.Invalid.Failf("window too large; expected: <= %v, given: %v", v.cfg.MaxWindow, window)
	}
	if p.BytesTransferred == 0 {
		return shared.Invalid, shared.Invalid.Failf("zero bytes transferred")
	}
	if p.PeerSignature.IsZero() || !shared.Verify(p.PeerID, p.SignedBytes(), p.PeerSignature) {
		return shared.Invalid, shared.Invalid.Failf("missing or bad co-signature of peer %v", p.PeerID)
	}
	if !shared.Verify(p.NodeID, p.SignedBytes(), p.NodeSignature) {
		return shared.Invalid, shared.Invalid.Failf("bad signature of node %v", p.NodeID)
	}
	if v.opts.epochBounds != nil {
		start, end := v.opts.epochBounds(epoch)
		if p.WindowStart < start || p.WindowEnd > end {
			return shared.Expired, shared.Expired.Failf("window [%d, %d) outside of epoch %d [%d, %d)",
				p.WindowStart, p.WindowEnd, epoch, start, end)
		}
	}
	if v.cfg.EnforceAssignment && !contains(v.opts.assignment(epoch, p.NodeID), p.PeerID) {
		return shared.Invalid, shared.Invalid.Failf("peer %v not assigned to node %v in epoch %d", p.PeerID, p.NodeID, epoch)
	}

	v.mu.Lock()
	_, replay := v.seen[epoch][keyOf(p)]
	v.mu.Unlock()
	if replay {
		return shared.Invalid, shared.Invalid.Failf("replayed window [%d, %d) of node %v to peer %v",
			p.WindowStart, p.WindowEnd, p.NodeID, p.PeerID)
	}
	return shared.Valid, nil
}

// Plan returns the bytes every proof would credit its serving node if the
// proofs were recorded in order, without recording them. Replays within
// proofs and the per-epoch cap are accounted for.
func (v *Verifier) Plan(epoch shared.Epoch, proofs []*shared.BandwidthProof) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	amounts, _, _ := v.plan(epoch, proofs)
	return amounts
}

// Record records proofs for epoch and returns what each credited. It credits
// exactly what Plan returned for the same proofs and state.
func (v *Verifier) Record(epoch shared.Epoch, proofs []*shared.BandwidthProof) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	amounts, seen, used := v.plan(epoch, proofs)
	if _, ok := v.seen[epoch]; !ok {
		v.seen[epoch] = make(map[replayKey]struct{})
	}
	for k := range seen {
		v.seen[epoch][k] = struct{}{}
	}
	if _, ok := v.credited[epoch]; !ok {
		v.credited[epoch] = make(map[shared.NodeID]uint64)
	}
	for node, n := range used {
		v.credited[epoch][node] = n
	}
	for i, p := range proofs {
		if amounts[i] < p.BytesTransferred && amounts[i] > 0 {
			v.logger.Info("bandwidth: epoch cap reached",
				zap.Stringer("node", p.NodeID),
				zap.Uint64("epoch", uint64(epoch)),
				zap.Uint64("requested", p.BytesTransferred),
				zap.Uint64("credited", amounts[i]),
			)
		}
	}
	return amounts
}

// Credit records a single verified proof. A replayed tuple credits nothing.
func (v *Verifier) Credit(epoch shared.Epoch, p *shared.BandwidthProof) uint64 {
	return v.Record(epoch, []*shared.BandwidthProof{p})[0]
}

// plan works on overlays of the epoch state. v.mu must be held.
func (v *Verifier) plan(epoch shared.Epoch, proofs []*shared.BandwidthProof) ([]uint64, map[replayKey]struct{}, map[shared.NodeID]uint64) {
	amounts := make([]uint64, len(proofs))
	seen := make(map[replayKey]struct{})
	used := make(map[shared.NodeID]uint64)
	for i, p := range proofs {
		key := keyOf(p)
		if _, replay := v.seen[epoch][key]; replay {
			continue
		}
		if _, replay := seen[key]; replay {
			continue
		}
		seen[key] = struct{}{}

		n, ok := used[p.NodeID]
		if !ok {
			n = v.credited[epoch][p.NodeID]
		}
		amount := p.BytesTransferred
		if left := v.cfg.MaxBytesPerEpoch - min(n, v.cfg.MaxBytesPerEpoch); amount > left {
			amount = left
		}
		used[p.NodeID] = n + amount
		amounts[i] = amount
	}
	return amounts, seen, used
}

// Credited returns the bytes credited to node in epoch so far.
func (v *Verifier) Credited(epoch shared.Epoch, node shared.NodeID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.credited[epoch][node]
}

// Prune drops the state of every epoch before the given one.
func (v *Verifier) Prune(before shared.Epoch) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for epoch := range v.seen {
		if epoch < before {
			delete(v.seen, epoch)
		}
	}
	for epoch := range v.credited {
		if epoch < before {
			delete(v.credited, epoch)
		}
	}
}

func contains(ids []shared.NodeID, id shared.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
