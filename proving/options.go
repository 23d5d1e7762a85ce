package proving

import (
	"errors"
	"runtime"

	"go.uber.org/zap"
)

type option struct {
	logger      *zap.Logger
	parallelism int
}

func (o *option) validate() error {
	if o.parallelism < 1 {
		return errors.New("`parallelism` must be positive")
	}
	return nil
}

type OptionFunc func(*option) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(o *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		o.logger = logger
		return nil
	}
}

// WithParallelism caps the number of archives proven concurrently by GenerateBatch.
func WithParallelism(n int) OptionFunc {
	return func(o *option) error {
		if n == 0 {
			n = runtime.GOMAXPROCS(0)
		}
		o.parallelism = n
		return nil
	}
}
