package shared

import (
	"errors"
	"fmt"
)

var (
	ErrProofExpired      = errors.New("proof expired")
	ErrProofInvalid      = errors.New("proof invalid")
	ErrProofForged       = errors.New("proof forged")
	ErrEquivocation      = errors.New("equivocation")
	ErrQuorumTimeout     = errors.New("quorum timeout")
	ErrInsufficientStake = errors.New("insufficient stake")

	ErrArchiveNotFound = errors.New("archive not found")
	ErrNotFound        = errors.New("not found")
	ErrMalformed       = errors.New("malformed encoding")
	ErrEmptyCommittee  = errors.New("no eligible validators")
)

type ConfigMismatchError struct {
	Param    string
	Expected string
	Found    string
	DataDir  string
}

func (err ConfigMismatchError) Error() string {
	return fmt.Sprintf("`%v` config mismatch; expected: %v, found: %v, datadir: %v",
		err.Param, err.Expected, err.Found, err.DataDir)
}

type InsufficientStakeError struct {
	NodeID   NodeID
	Required uint64
	Found    uint64
}

func (err InsufficientStakeError) Error() string {
	return fmt.Sprintf("node %v stake below minimum; required: %d, found: %d", err.NodeID, err.Required, err.Found)
}

func (err InsufficientStakeError) Unwrap() error { return ErrInsufficientStake }
