package vesting

import (
	"fmt"

	"confidentialvesting/internal/fhe"
)

// vestedAt evaluates the linear schedule at now without branching on any
// encrypted value: every case is computed, then folded with Select.
//
//	now < start           -> 0
//	now >= start+duration -> amount
//	otherwise             -> amount*(now-start)/duration
//
// The product is formed at the multiplication ceiling and divided at the
// division ceiling, truncating toward zero.
func vestedAt(ev fhe.Evaluator, terms Terms, now uint64) (fhe.Ciphertext, error) {
	if now > AmountWidth.Max().Uint64() {
		return fhe.Ciphertext{}, fmt.Errorf("%w: timestamp %d exceeds %s", fhe.ErrValueOverflow, now, AmountWidth)
	}
	t, err := ev.Encrypt(now, AmountWidth)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	zero, err := ev.Encrypt(0, AmountWidth)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	end, err := ev.Add(terms.Start, terms.Duration)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	notStarted, err := ev.Lt(t, terms.Start)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	ended, err := ev.Gte(t, end)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	mid, err := linear(ev, terms, t)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	inner, err := ev.Select(ended, terms.Amount, mid)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return ev.Select(notStarted, zero, inner)
}

// linear computes amount*(t-start)/duration at the evaluator's ceilings and
// returns it at AmountWidth. The product is formed at the multiplication
// ceiling and divided at the division ceiling. With the default ceilings
// both are Uint64, which holds any AmountWidth product exactly. A division
// ceiling narrower than the multiplication ceiling truncates the product
// first and is lossy.
func linear(ev fhe.Evaluator, terms Terms, t fhe.Ciphertext) (fhe.Ciphertext, error) {
	elapsed, err := ev.Sub(t, terms.Start)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	mulWidth := ev.Ceiling(fhe.OpMul)
	amount, err := ev.Cast(terms.Amount, mulWidth)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	elapsedWide, err := ev.Cast(elapsed, mulWidth)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	product, err := ev.Mul(amount, elapsedWide)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	divWidth := ev.Ceiling(fhe.OpDiv)
	if divWidth > mulWidth {
		divWidth = mulWidth
	}
	numerator, err := ev.Cast(product, divWidth)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	duration, err := ev.Cast(terms.Duration, divWidth)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	quotient, err := ev.Div(numerator, duration)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return ev.Cast(quotient, AmountWidth)
}

// releasableAt is vestedAt(now) - released. It is not clamped: a now before
// the last release wraps around.
func releasableAt(ev fhe.Evaluator, r Record, now uint64) (fhe.Ciphertext, error) {
	vested, err := vestedAt(ev, r.Terms, now)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return ev.Sub(vested, r.Released)
}
