package rewards

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// RarityOracle provides the flat rarity bonus of an archive. It is an input
// from outside the consensus core.
type RarityOracle interface {
	Rarity(archive shared.ArchiveID) shared.Ratio
}

// FlatRarity gives every archive the same bonus.
type FlatRarity shared.Ratio

func (f FlatRarity) Rarity(shared.ArchiveID) shared.Ratio { return shared.Ratio(f) }

// State is the node-local state a block's rewards are computed on.
type State interface {
	Commitment(ctx context.Context, id shared.ArchiveID) (*shared.Commitment, error)
	Quality(node shared.NodeID) (shared.Ratio, error)
	Longevity(node shared.NodeID, archive shared.ArchiveID) (shared.Ratio, error)
}

type option struct {
	logger *zap.Logger
	rarity RarityOracle
}

// OptionFunc is a function that sets an option for a Calculator instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the calculator.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// WithRarity sets the rarity oracle. Without one every archive has rarity 1.
func WithRarity(r RarityOracle) OptionFunc {
	return func(opts *option) error {
		if r == nil {
			return errors.New("rarity oracle is nil")
		}
		opts.rarity = r
		return nil
	}
}

type Calculator struct {
	cfg    config.RewardsConfig
	rarity RarityOracle
	logger *zap.Logger
}

func NewCalculator(cfg config.RewardsConfig, opts ...OptionFunc) (*Calculator, error) {
	options := &option{
		logger: zap.NewNop(),
		rarity: FlatRarity(shared.One),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	return &Calculator{cfg: cfg, rarity: options.rarity, logger: options.logger}, nil
}

func (c *Calculator) Config() config.RewardsConfig { return c.cfg }

// ForBatch computes the reward of every storage proof of a finalized batch.
// Records are ordered by node, then archive.
func (c *Calculator) ForBatch(ctx context.Context, batch []shared.ProofEnvelope, state State) ([]Record, error) {
	records := make([]Record, 0, len(batch))
	for _, env := range batch {
		if env.Kind != shared.KindStorage || env.Storage == nil {
			continue
		}
		node, archive := env.Storage.NodeID, env.Storage.ArchiveID
		commitment, err := state.Commitment(ctx, archive)
		if err != nil {
			return nil, fmt.Errorf("commitment of %v: %w", archive, err)
		}
		q, err := state.Quality(node)
		if err != nil {
			return nil, fmt.Errorf("quality of %v: %w", node, err)
		}
		l, err := state.Longevity(node, archive)
		if err != nil {
			return nil, fmt.Errorf("longevity of %v/%v: %w", node, archive, err)
		}
		records = append(records, Reward(c.cfg, Input{
			NodeID:    node,
			ArchiveID: archive,
			Epoch:     env.Epoch,
			Class:     commitment.Class,
			Size:      commitment.Size,
			Quality:   q,
			Rarity:    c.rarity.Rarity(archive),
			Longevity: l,
		}))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].NodeID != records[j].NodeID {
			return records[i].NodeID.Less(records[j].NodeID)
		}
		return bytes.Compare(records[i].ArchiveID[:], records[j].ArchiveID[:]) < 0
	})
	c.logger.Debug("rewards: batch computed", zap.Int("proofs", len(records)))
	return records, nil
}

// Totals sums records per node.
func Totals(records []Record) map[shared.NodeID]uint64 {
	totals := make(map[shared.NodeID]uint64)
	for _, r := range records {
		totals[r.NodeID] += r.Total
	}
	return totals
}
