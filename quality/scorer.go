package quality

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/store"
)

const keyPrefix = "quality"

// Result is the storage proof outcome of a node for one epoch.
type Result struct {
	NodeID shared.NodeID
	Passed uint64
	Total  uint64
}

type option struct {
	logger *zap.Logger
}

// OptionFunc is a function that sets an option for a Scorer instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the scorer.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// Scorer keeps the quality scores of all nodes in a state store.
type Scorer struct {
	cfg       config.QualityConfig
	alpha     shared.Ratio
	threshold shared.Ratio
	store     store.Store
	logger    *zap.Logger

	mu sync.Mutex
}

func NewScorer(cfg config.QualityConfig, s store.Store, opts ...OptionFunc) (*Scorer, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if s == nil {
		return nil, errors.New("`store` is required")
	}
	if cfg.Window == 0 {
		return nil, fmt.Errorf("invalid `Window`; expected: >= 1, given: 0")
	}
	return &Scorer{
		cfg:       cfg,
		alpha:     Alpha(uint32(cfg.Window)),
		threshold: shared.RatioFromFloat(cfg.Threshold),
		store:     s,
		logger:    options.logger,
	}, nil
}

func scoreKey(node shared.NodeID) []byte {
	return store.Key(keyPrefix, node[:])
}

// Get returns the score of node; nodes without history have the Initial score.
func (s *Scorer) Get(node shared.NodeID) (Score, error) {
	var score Score
	err := store.Load(s.store, scoreKey(node), &score)
	if errors.Is(err, shared.ErrNotFound) {
		return Score{NodeID: node, Value: Initial, Window: uint32(s.cfg.Window)}, nil
	}
	return score, err
}

// Value returns the current score of node.
func (s *Scorer) Value(node shared.NodeID) (shared.Ratio, error) {
	score, err := s.Get(node)
	return score.Value, err
}

// Observe applies the pass rate of one node for epoch.
func (s *Scorer) Observe(node shared.NodeID, epoch shared.Epoch, passed, total uint64) (Score, *slashing.Evidence, error) {
	scores, triggers, err := s.Apply(epoch, []Result{{NodeID: node, Passed: passed, Total: total}})
	if err != nil {
		return Score{}, nil, err
	}
	if len(triggers) > 0 {
		return scores[0], &triggers[0], nil
	}
	return scores[0], nil, nil
}

// Apply folds the results of a finalized epoch into the stored scores in one
// atomic write. It returns a low quality trigger for every node whose score
// has just stayed below the threshold for SustainedEpochs consecutive epochs.
// A node only triggers again after its score recovered.
func (s *Scorer) Apply(epoch shared.Epoch, results []Result) ([]Score, []slashing.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores := make([]Score, 0, len(results))
	var triggers []slashing.Evidence
	ops := make([]store.Op, 0, len(results))
	seen := make(map[shared.NodeID]bool, len(results))
	for _, res := range results {
		if seen[res.NodeID] {
			return nil, nil, fmt.Errorf("duplicate result of node %v in epoch %d", res.NodeID, epoch)
		}
		seen[res.NodeID] = true

		score, err := s.Get(res.NodeID)
		if err != nil {
			return nil, nil, fmt.Errorf("load quality of %v: %w", res.NodeID, err)
		}
		if score.Started && epoch <= score.LastEpoch {
			scores = append(scores, score)
			continue
		}

		var trigger bool
		score, trigger = s.observe(score, epoch, PassRate(res.Passed, res.Total))
		if trigger {
			triggers = append(triggers, slashing.TriggerLowQuality(res.NodeID, epoch))
			s.logger.Info("quality: sustained low score",
				zap.Stringer("node", res.NodeID),
				zap.Uint64("epoch", uint64(epoch)),
				zap.Stringer("score", score.Value),
				zap.Uint32("epochs", score.BelowEpochs),
			)
		}

		data, err := store.Encode(&score)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, store.Op{Key: scoreKey(res.NodeID), Value: data})
		scores = append(scores, score)
	}
	if err := s.store.Write(ops...); err != nil {
		return nil, nil, fmt.Errorf("write quality scores: %w", err)
	}
	return scores, triggers, nil
}

func (s *Scorer) observe(score Score, epoch shared.Epoch, rate shared.Ratio) (Score, bool) {
	score = UpdateRate(score, rate, s.alpha)
	score.Window = uint32(s.cfg.Window)
	score.LastEpoch = epoch

	if score.Value >= s.threshold {
		score.BelowEpochs = 0
		score.Fired = false
		return score, false
	}
	score.BelowEpochs++
	if score.BelowEpochs >= uint32(s.cfg.SustainedEpochs) && !score.Fired {
		score.Fired = true
		return score, true
	}
	return score, false
}
