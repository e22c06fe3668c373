package avlib

import (
	"fmt"
	"math/big"
)

// Rational is a time base such as 1/90000.
type Rational struct {
	Num int
	Den int
}

// TimeBaseQ is the universal time base, microseconds.
var TimeBaseQ = Rational{Num: 1, Den: 1000000}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Valid reports whether r can be used for rescaling.
func (r Rational) Valid() bool {
	return r.Num != 0 && r.Den != 0
}

// RescaleQ converts a from time base bq to time base cq, rounding to nearest
// with halfway cases away from zero. NoPTS and invalid time bases pass through
// unchanged.
func RescaleQ(a int64, bq, cq Rational) int64 {
	if a == NoPTS || !bq.Valid() || !cq.Valid() {
		return a
	}

	// a * bq.Num * cq.Den / (bq.Den * cq.Num) without overflowing int64 on
	// wall-clock based timestamps.
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(int64(bq.Num)*int64(cq.Den)))
	den := big.NewInt(int64(bq.Den) * int64(cq.Num))
	if den.Sign() < 0 {
		num.Neg(num)
		den.Neg(den)
	}

	half := new(big.Int).Quo(den, big.NewInt(2))
	if num.Sign() >= 0 {
		num.Add(num, half)
	} else {
		num.Sub(num, half)
	}
	q := new(big.Int).Quo(num, den)
	if !q.IsInt64() {
		if q.Sign() < 0 {
			return NoPTS + 1
		}
		return int64(^uint64(0) >> 1)
	}
	return q.Int64()
}
