package initialization

import (
	"errors"
	"fmt"

	"code.cloudfoundry.org/bytefmt"
)

var (
	ErrEmptyArchive        = errors.New("empty archive")
	ErrAlreadyInitializing = errors.New("already initializing")
)

type ErrNotEnoughSpace struct {
	Available uint64
	Required  uint64
}

func (e ErrNotEnoughSpace) Error() string {
	return fmt.Sprintf("not enough disk space; available: %v, required: %v",
		bytefmt.ByteSize(e.Available), bytefmt.ByteSize(e.Required))
}

type ErrSizeMismatch struct {
	Expected uint64
	Actual   uint64
}

func (e ErrSizeMismatch) Error() string {
	return fmt.Sprintf("archive size mismatch; expected: %d, actual: %d", e.Expected, e.Actual)
}
