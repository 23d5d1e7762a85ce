package shared

import (
	"math"
	"math/bits"
	"strconv"
)

// Ratio is a non-negative fixed-point number in parts per million. Every
// weight, score and multiplier that feeds consensus or rewards is a Ratio so
// that all nodes compute bit-identical results.
type Ratio uint64

const One Ratio = 1_000_000

// RatioFromFloat converts configuration input. Negative values map to zero.
func RatioFromFloat(f float64) Ratio {
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	return Ratio(math.Round(f * float64(One)))
}

func (r Ratio) Float() float64 { return float64(r) / float64(One) }

func (r Ratio) String() string { return strconv.FormatFloat(r.Float(), 'f', 4, 64) }

func (r Ratio) Mul(o Ratio) Ratio { return Ratio(MulDiv(uint64(r), uint64(o), uint64(One))) }

// Apply scales amount by r, rounding down.
func (r Ratio) Apply(amount uint64) uint64 { return MulDiv(amount, uint64(r), uint64(One)) }

func ClampRatio(v, lo, hi Ratio) Ratio {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MulDiv returns a*b/c with a 128-bit intermediate, saturating at MaxUint64.
func MulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
