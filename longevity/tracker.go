package longevity

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/store"
)

const keyPrefix = "longevity"

// Observation is the storage proof outcome of one (node, archive) pair for
// one epoch. A missing proof is an observation with OK unset.
type Observation struct {
	NodeID    shared.NodeID
	ArchiveID shared.ArchiveID
	Epoch     shared.Epoch
	OK        bool
}

type option struct {
	logger *zap.Logger
}

// OptionFunc is a function that sets an option for a Tracker instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the tracker.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// Tracker keeps longevity records in a state store, keyed by
// (node, archive).
type Tracker struct {
	cfg    config.LongevityConfig
	store  store.Store
	logger *zap.Logger

	mu sync.Mutex
}

func NewTracker(cfg config.LongevityConfig, s store.Store, opts ...OptionFunc) (*Tracker, error) {
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
	return &Tracker{cfg: cfg, store: s, logger: options.logger}, nil
}

func recordKey(node shared.NodeID, archive shared.ArchiveID) []byte {
	return store.Key(keyPrefix, node[:], archive[:])
}

// Get returns the record of (node, archive), a zero record if there is none.
func (t *Tracker) Get(node shared.NodeID, archive shared.ArchiveID) (Record, error) {
	rec := Record{NodeID: node, ArchiveID: archive}
	err := store.Load(t.store, recordKey(node, archive), &rec)
	if errors.Is(err, shared.ErrNotFound) {
		return Record{NodeID: node, ArchiveID: archive}, nil
	}
	return rec, err
}

// Apply folds the observations of a finalized block into the stored records
// in one atomic write.
func (t *Tracker) Apply(observations []Observation) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type pair struct {
		node    shared.NodeID
		archive shared.ArchiveID
	}
	updated := make(map[pair]Record)
	var order []pair
	for _, o := range observations {
		k := pair{o.NodeID, o.ArchiveID}
		rec, ok := updated[k]
		if !ok {
			var err error
			if rec, err = t.Get(o.NodeID, o.ArchiveID); err != nil {
				return nil, fmt.Errorf("load longevity of %v/%v: %w", o.NodeID, o.ArchiveID, err)
			}
			order = append(order, k)
		}
		next := Update(rec, o.Epoch, o.OK)
		if rec.ContinuousEpochs > 0 && next.ContinuousEpochs == 0 {
			t.logger.Debug("longevity: streak reset",
				zap.Stringer("node", o.NodeID),
				zap.Stringer("archive", o.ArchiveID),
				zap.Uint64("epoch", uint64(o.Epoch)),
				zap.Uint64("streak", rec.ContinuousEpochs),
			)
		}
		updated[k] = next
	}

	ops := make([]store.Op, 0, len(order))
	records := make([]Record, 0, len(order))
	for _, k := range order {
		rec := updated[k]
		data, err := store.Encode(&rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, store.Op{Key: recordKey(k.node, k.archive), Value: data})
		records = append(records, rec)
	}
	if err := t.store.Write(ops...); err != nil {
		return nil, fmt.Errorf("write longevity records: %w", err)
	}
	return records, nil
}

// Multiplier returns the current reward multiplier of (node, archive).
func (t *Tracker) Multiplier(node shared.NodeID, archive shared.ArchiveID) (shared.Ratio, error) {
	rec, err := t.Get(node, archive)
	if err != nil {
		return 0, err
	}
	return Multiplier(rec.ContinuousEpochs, t.cfg.EpochsPerPeriod, t.cfg.Tiers), nil
}

// Records returns every record of node, ordered by archive.
func (t *Tracker) Records(node shared.NodeID) ([]Record, error) {
	var records []Record
	err := t.store.Iterate(store.Key(keyPrefix, node[:]), func(_, value []byte) error {
		var rec Record
		if err := store.Decode(value, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}
