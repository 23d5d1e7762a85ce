// Package validation re-verifies proof batches the way every committee member
// does before voting, and collects the proofs of an epoch up to its deadline.
package validation

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
	"github.com/archivechain/poa/verifying"
)

// CommitmentSource returns the commitment fixed when an archive was created.
type CommitmentSource interface {
	Commitment(ctx context.Context, id shared.ArchiveID) (*shared.Commitment, error)
}

// SeedFunc returns the challenge seed of an epoch.
type SeedFunc func(epoch shared.Epoch) (shared.Hash, error)

type option struct {
	logger      *zap.Logger
	seeds       SeedFunc
	parallelism int
}

// OptionFunc is a function that sets an option for a Validator instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the validator.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// WithSeeds makes the validator check the challenge seed of storage proofs.
func WithSeeds(f SeedFunc) OptionFunc {
	return func(opts *option) error {
		opts.seeds = f
		return nil
	}
}

// Result is the verdict of one envelope of a batch.
type Result struct {
	Envelope shared.ProofEnvelope
	Verdict  shared.Verdict
	Err      error
}

// Validator verifies storage and bandwidth proofs behind one entry point.
type Validator struct {
	cfg         config.ProofConfig
	commitments CommitmentSource
	bandwidth   *bandwidth.Verifier
	seeds       SeedFunc
	parallelism int
	logger      *zap.Logger
}

func NewValidator(cfg config.ProofConfig, commitments CommitmentSource, bw *bandwidth.Verifier, opts ...OptionFunc) (*Validator, error) {
	options := &option{
		logger:      zap.NewNop(),
		parallelism: cfg.VerifyParallelism,
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if commitments == nil || bw == nil {
		return nil, errors.New("`commitments` and `bandwidth` are required")
	}
	if options.parallelism <= 0 {
		options.parallelism = runtime.GOMAXPROCS(0)
	}
	return &Validator{
		cfg:         cfg,
		commitments: commitments,
		bandwidth:   bw,
		seeds:       options.seeds,
		parallelism: options.parallelism,
		logger:      options.logger,
	}, nil
}

// Bandwidth returns the bandwidth verifier holding the replay state.
func (v *Validator) Bandwidth() *bandwidth.Verifier { return v.bandwidth }

// Verify checks env as a proof of epoch.
func (v *Validator) Verify(ctx context.Context, epoch shared.Epoch, env shared.ProofEnvelope) (shared.Verdict, error) {
	if env.Epoch != epoch {
		return shared.Expired, shared.Expired.Failf("envelope of epoch %d, expected %d", env.Epoch, epoch)
	}
	switch env.Kind {
	case shared.KindStorage:
		return v.verifyStorage(ctx, epoch, env)
	case shared.KindBandwidth:
		return v.bandwidth.Verify(epoch, env.Bandwidth)
	default:
		return shared.Invalid, shared.Invalid.Failf("unknown proof kind %v", env.Kind)
	}
}

func (v *Validator) verifyStorage(ctx context.Context, epoch shared.Epoch, env shared.ProofEnvelope) (shared.Verdict, error) {
	if env.Storage == nil {
		return shared.Invalid, shared.Invalid.Failf("storage envelope without proof")
	}
	c, err := v.commitments.Commitment(ctx, env.Storage.ArchiveID)
	if errors.Is(err, shared.ErrArchiveNotFound) {
		return shared.Invalid, shared.Invalid.Failf("unknown archive %v", env.Storage.ArchiveID)
	}
	if err != nil {
		return shared.Invalid, fmt.Errorf("commitment of %v: %w", env.Storage.ArchiveID, err)
	}

	opts := []verifying.OptionFunc{verifying.WithLogger(v.logger)}
	if v.seeds != nil {
		seed, err := v.seeds(epoch)
		if err != nil {
			return shared.Invalid, fmt.Errorf("seed of epoch %d: %w", epoch, err)
		}
		opts = append(opts, verifying.WithExpectedSeed(seed))
	}
	return verifying.Verify(env.Storage, env.Opening, c, epoch, v.cfg.NumSamples, opts...)
}

// ForgedCheck adapts the validator to slashing evidence verification.
func (v *Validator) ForgedCheck(ctx context.Context) slashing.ForgedCheck {
	return func(env shared.ProofEnvelope) shared.Verdict {
		verdict, _ := v.Verify(ctx, env.Epoch, env)
		return verdict
	}
}

// VerifyBatch verifies every envelope of batch in parallel. Results are in
// batch order. A second envelope with the key of an earlier one is Invalid.
// The error is only set when ctx is done.
func (v *Validator) VerifyBatch(ctx context.Context, epoch shared.Epoch, batch []shared.ProofEnvelope) ([]Result, error) {
	results := make([]Result, len(batch))
	seen := make(map[string]bool, len(batch))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism)
	for i, env := range batch {
		results[i].Envelope = env
		key := env.Key()
		if seen[key] {
			results[i].Verdict = shared.Invalid
			results[i].Err = shared.Invalid.Failf("duplicate proof %s", key)
			continue
		}
		seen[key] = true

		i, env := i, env
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i].Verdict, results[i].Err = v.Verify(ctx, epoch, env)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FirstFailure returns the first result that is not Valid.
func FirstFailure(results []Result) (Result, bool) {
	for _, res := range results {
		if res.Verdict != shared.Valid {
			return res, true
		}
	}
	return Result{}, false
}
