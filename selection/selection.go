// Package selection picks the proposer and the voting committee of a round
// from the stake, the quality and the type of every eligible node.
package selection

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/oracle"
	"github.com/archivechain/poa/shared"
)

// QualitySource returns the current quality score of a node.
type QualitySource interface {
	Value(node shared.NodeID) (shared.Ratio, error)
}

type option struct {
	logger *zap.Logger
}

// OptionFunc is a function that sets an option for a Selector instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the selector.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// Selection is the outcome for one attempt at one height.
type Selection struct {
	Height    shared.Height
	Attempt   uint32
	Proposer  shared.NodeID
	Committee []Weight
}

// TotalWeight is the voting weight of the whole committee.
func (s *Selection) TotalWeight() uint64 { return Total(s.Committee) }

// Weight returns the voting weight of node, 0 if it is not a member.
func (s *Selection) Weight(node shared.NodeID) uint64 {
	for _, w := range s.Committee {
		if w.NodeID == node {
			return w.Effective
		}
	}
	return 0
}

type Selector struct {
	cfg      config.SelectionConfig
	registry shared.Registry
	quality  QualitySource
	logger   *zap.Logger
}

func NewSelector(cfg config.SelectionConfig, registry shared.Registry, quality QualitySource, opts ...OptionFunc) (*Selector, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if registry == nil || quality == nil {
		return nil, errors.New("`registry` and `quality` are required")
	}
	if cfg.CommitteeSize < 1 {
		return nil, fmt.Errorf("invalid `CommitteeSize`; expected: >= 1, given: %d", cfg.CommitteeSize)
	}
	return &Selector{cfg: cfg, registry: registry, quality: quality, logger: options.logger}, nil
}

// Eligible returns the weights of every node allowed to take part, ordered by
// NodeID. Slashed nodes and nodes below the minimum stake are left out.
func (s *Selector) Eligible() ([]Weight, error) {
	nodes, err := s.registry.Nodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	weights := make([]Weight, 0, len(nodes))
	for _, n := range nodes {
		if err := s.check(n); err != nil {
			s.logger.Debug("selection: node not eligible", zap.Stringer("node", n.ID), zap.Error(err))
			continue
		}
		q, err := s.quality.Value(n.ID)
		if err != nil {
			return nil, fmt.Errorf("quality of %v: %w", n.ID, err)
		}
		w := EffectiveWeight(n.Stake, shared.RatioFromFloat(s.cfg.TypeFactor(n.Type)), q)
		if w == 0 {
			continue
		}
		weights = append(weights, Weight{NodeID: n.ID, Effective: w})
	}
	return weights, nil
}

func (s *Selector) check(n shared.NodeInfo) error {
	if n.Slashed {
		return errors.New("slashed")
	}
	if n.Stake < s.cfg.MinStake {
		return shared.InsufficientStakeError{NodeID: n.ID, Required: s.cfg.MinStake, Found: n.Stake}
	}
	return nil
}

// SkipList returns the proposers of attempts 0 to n-1 at height, each drawn
// without replacement from the eligible nodes. It is shorter than n when
// fewer nodes are eligible.
func (s *Selector) SkipList(prev shared.Hash, height shared.Height, n int) ([]shared.NodeID, error) {
	weights, err := s.Eligible()
	if err != nil {
		return nil, err
	}
	return skipList(weights, prev, height, n), nil
}

func skipList(weights []Weight, prev shared.Hash, height shared.Height, n int) []shared.NodeID {
	pool := append([]Weight(nil), weights...)
	out := make([]shared.NodeID, 0, n)
	for attempt := 0; attempt < n && len(pool) > 0; attempt++ {
		i, ok := DrawWeighted(pool, oracle.Beacon(prev, height, uint32(attempt)))
		if !ok {
			break
		}
		out = append(out, pool[i].NodeID)
		pool = append(pool[:i], pool[i+1:]...)
	}
	return out
}

// Select returns the proposer of attempt at height and its committee: the
// heaviest CommitteeSize eligible nodes other than the proposer. When the
// proposer is the only eligible node it forms the committee alone.
func (s *Selector) Select(prev shared.Hash, height shared.Height, attempt uint32) (*Selection, error) {
	weights, err := s.Eligible()
	if err != nil {
		return nil, err
	}
	proposers := skipList(weights, prev, height, int(attempt)+1)
	if len(proposers) == 0 {
		return nil, shared.ErrEmptyCommittee
	}
	// Past the end of the skip list, wrap around.
	proposer := proposers[int(attempt)%len(proposers)]

	committee := TopK(weights, s.cfg.CommitteeSize, map[shared.NodeID]bool{proposer: true})
	if len(committee) == 0 {
		committee = TopK(weights, 1, nil)
	}

	sel := &Selection{Height: height, Attempt: attempt, Proposer: proposer, Committee: committee}
	s.logger.Debug("selection: round selected",
		zap.Uint64("height", uint64(height)),
		zap.Uint32("attempt", attempt),
		zap.Stringer("proposer", proposer),
		zap.Int("committee", len(committee)),
		zap.Uint64("weight", sel.TotalWeight()),
	)
	return sel, nil
}
