package settlement

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

var decimalCtx = apd.BaseContext.WithPrecision(34)

// decimal is an immutable exact decimal used for all money accumulation.
// The first failed operation sticks: every later result carries its error.
type decimal struct {
	v   *apd.Decimal
	err error
}

func zero() decimal {
	return decimal{v: apd.New(0, 0)}
}

func fromInt(i int64) decimal {
	return decimal{v: apd.New(i, 0)}
}

// fromFloat takes the shortest decimal representation of f, so 1.92 stays 1.92.
func fromFloat(f float64) decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal{v: apd.New(0, 0), err: fmt.Errorf("%w: %v", ErrInvalidUsage, f)}
	}
	d, _, err := apd.NewFromString(strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		return decimal{v: apd.New(0, 0), err: err}
	}
	return decimal{v: d}
}

type decimalOp func(d, x, y *apd.Decimal) (apd.Condition, error)

func (d decimal) apply(op decimalOp, name string, o decimal) decimal {
	if d.err != nil {
		return d
	}
	if o.err != nil {
		return decimal{v: d.v, err: o.err}
	}
	var r apd.Decimal
	// trapped conditions (overflow, division by zero, invalid operation) come
	// back as err; rounded and inexact are expected
	if _, err := op(&r, d.v, o.v); err != nil {
		return decimal{v: d.v, err: fmt.Errorf("settlement: decimal %s %s %s: %w", d.v, name, o.v, err)}
	}
	return decimal{v: &r}
}

func (d decimal) add(o decimal) decimal { return d.apply(decimalCtx.Add, "+", o) }

func (d decimal) sub(o decimal) decimal { return d.apply(decimalCtx.Sub, "-", o) }

func (d decimal) mul(o decimal) decimal { return d.apply(decimalCtx.Mul, "*", o) }

func (d decimal) quo(o decimal) decimal { return d.apply(decimalCtx.Quo, "/", o) }

func (d decimal) cmp(o decimal) int { return d.v.Cmp(o.v) }

func (d decimal) sign() int { return d.v.Sign() }

func minDecimal(a, b decimal) decimal {
	if a.cmp(b) <= 0 {
		return a
	}
	return b
}

// centsToCurrency converts kWh at cents/kWh into currency units.
func centsToCurrency(kwh decimal, centsPerKWh float64) decimal {
	return kwh.mul(fromFloat(centsPerKWh)).quo(fromInt(100))
}

func (d decimal) float() float64 {
	f, err := d.v.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (d decimal) String() string { return d.v.String() }

// firstErr returns the first error carried by any of ds.
func firstErr(ds ...decimal) error {
	for _, d := range ds {
		if d.err != nil {
			return d.err
		}
	}
	return nil
}
