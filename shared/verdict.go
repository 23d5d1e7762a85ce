package shared

import "fmt"

// Verdict is the local outcome of verifying a proof.
type Verdict uint8

const (
	Valid Verdict = iota
	Invalid
	Expired
	Forged
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case Forged:
		return "forged"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Err returns the sentinel error of a failing verdict, nil for Valid.
func (v Verdict) Err() error {
	switch v {
	case Valid:
		return nil
	case Expired:
		return ErrProofExpired
	case Forged:
		return ErrProofForged
	default:
		return ErrProofInvalid
	}
}

// Failf wraps the verdict's sentinel with a reason.
func (v Verdict) Failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", v.Err(), fmt.Sprintf(format, args...))
}
