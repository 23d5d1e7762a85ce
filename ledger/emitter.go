package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
)

// ErrRejected marks a ledger failure that retrying cannot fix.
var ErrRejected = errors.New("instruction set rejected")

type option struct {
	logger *zap.Logger
}

// OptionFunc is a function that sets an option for an Emitter instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the emitter.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

// Emitter delivers instruction sets to the token ledger, retrying transient
// failures. Delivery relies on the ledger's idempotence.
type Emitter struct {
	cfg    config.LedgerConfig
	ledger TokenLedger
	logger *zap.Logger
}

func NewEmitter(cfg config.LedgerConfig, ledger TokenLedger, opts ...OptionFunc) (*Emitter, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if ledger == nil {
		return nil, errors.New("`ledger` is required")
	}
	if cfg.RetryAttempts == 0 {
		return nil, fmt.Errorf("invalid `RetryAttempts`; expected: >= 1, given: 0")
	}
	return &Emitter{cfg: cfg, ledger: ledger, logger: options.logger}, nil
}

// Emit applies set, retrying up to the configured number of attempts.
func (e *Emitter) Emit(ctx context.Context, set InstructionSet) error {
	err := retry.Do(func() error {
		return e.ledger.Apply(ctx, set)
	},
		retry.Context(ctx),
		retry.Attempts(e.cfg.RetryAttempts),
		retry.Delay(e.cfg.RetryDelay),
		retry.MaxDelay(e.cfg.RetryMaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrRejected) }),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("ledger: apply retry",
				zap.Uint64("height", uint64(set.Height)),
				zap.Uint("attempt", n),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("apply instruction set of height %d: %w", set.Height, err)
	}
	e.logger.Info("ledger: instruction set applied",
		zap.Uint64("height", uint64(set.Height)),
		zap.Int("entries", len(set.Entries)),
		zap.Int("slashes", len(set.Slashes)),
		zap.Uint64("burned", set.Burned),
	)
	return nil
}
