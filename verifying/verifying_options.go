package verifying

import (
	"errors"

	"go.uber.org/zap"

	"github.com/archivechain/poa/shared"
)

type option struct {
	logger *zap.Logger

	// expectedSeed, when set, must match the proof's challenge seed.
	expectedSeed *shared.Hash
}

func (o *option) validate() error {
	if o.logger == nil {
		return errors.New("logger is nil")
	}
	return nil
}

type OptionFunc func(*option) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(o *option) error {
		o.logger = logger
		return nil
	}
}

// WithExpectedSeed requires the proof to answer the given epoch challenge.
func WithExpectedSeed(seed shared.Hash) OptionFunc {
	return func(o *option) error {
		o.expectedSeed = &seed
		return nil
	}
}
