package validation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/poa/shared"
)

// ErrCollectorClosed is returned when adding a proof after the epoch deadline.
var ErrCollectorClosed = errors.New("epoch collection closed")

// Collector gathers the verified proofs of one epoch until its deadline. A
// proof that arrives late is dropped and counts as missing, never as an error
// of its sender.
type Collector struct {
	validator *Validator
	epoch     shared.Epoch
	deadline  time.Time
	onForged  func(shared.ProofEnvelope)
	logger    *zap.Logger

	mu     sync.Mutex
	proofs map[string]shared.ProofEnvelope
	closed bool
}

// NewCollector starts the collection of epoch. onForged, if set, is called
// for every forged proof received.
func NewCollector(v *Validator, epoch shared.Epoch, deadline time.Time, onForged func(shared.ProofEnvelope)) *Collector {
	return &Collector{
		validator: v,
		epoch:     epoch,
		deadline:  deadline,
		onForged:  onForged,
		logger:    v.logger,
		proofs:    make(map[string]shared.ProofEnvelope),
	}
}

func (c *Collector) Epoch() shared.Epoch { return c.epoch }

// Add verifies env and keeps it if it is Valid. Duplicates of a kept proof
// are ignored. Network delivery is at least once, so this is the common case.
func (c *Collector) Add(ctx context.Context, env shared.ProofEnvelope) (shared.Verdict, error) {
	key := env.Key()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.Expired, ErrCollectorClosed
	}
	if _, ok := c.proofs[key]; ok {
		c.mu.Unlock()
		return shared.Valid, nil
	}
	c.mu.Unlock()

	verdict, err := c.validator.Verify(ctx, c.epoch, env)
	switch verdict {
	case shared.Valid:
	case shared.Forged:
		if c.onForged != nil {
			c.onForged(env)
		}
		return verdict, err
	default:
		return verdict, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.Expired, ErrCollectorClosed
	}
	c.proofs[key] = env
	return shared.Valid, nil
}

// Run adds the proofs received on in until the epoch deadline, then closes
// the collection and returns its batch. It returns early with ctx's error.
func (c *Collector) Run(ctx context.Context, in <-chan shared.ProofEnvelope) ([]shared.ProofEnvelope, error) {
	timer := time.NewTimer(time.Until(c.deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return c.Close(), nil
		case env, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if verdict, err := c.Add(ctx, env); err != nil {
				c.logger.Debug("validation: proof dropped",
					zap.Uint64("epoch", uint64(c.epoch)),
					zap.Stringer("node", env.NodeID()),
					zap.Stringer("verdict", verdict),
					zap.Error(err),
				)
			}
		}
	}
}

// Close ends the collection and returns the kept proofs in a canonical order.
func (c *Collector) Close() []shared.ProofEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	keys := make([]string, 0, len(c.proofs))
	for k := range c.proofs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := make([]shared.ProofEnvelope, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, c.proofs[k])
	}
	c.logger.Info("validation: epoch collected",
		zap.Uint64("epoch", uint64(c.epoch)),
		zap.Int("proofs", len(batch)),
	)
	return batch
}
