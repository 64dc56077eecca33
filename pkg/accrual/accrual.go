// Package accrual holds the pure clock-and-rate model: the mapping from
// (rate, elapsed time, cap) to an accrued gold balance. Nothing here touches
// storage; callers may recompute results at any frequency without drift
// because only checkpoint and spend operations persist a new reference time.
package accrual

import (
	"fmt"
	"time"
)

// DefaultCapHours bounds offline accrual: an account can never bank more
// than this many hours of its current rate between checkpoints.
const DefaultCapHours = 72.0

// Clock abstracts wall-clock reads so the ledger and its tests can share
// one time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	Current time.Time
}

func (c *ManualClock) Now() time.Time { return c.Current }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }

// Accrue computes the balance after elapsed time at ratePerHour, starting
// from prevBalance and clamped at ratePerHour*capHours. A balance already
// above the cap (rate reductions can cause this) is preserved, never cut.
//
// Negative rate or cap is a programming error. Negative elapsed time is
// treated as zero: the wall clock stepping backwards must not debit anyone.
func Accrue(ratePerHour float64, elapsed time.Duration, prevBalance, capHours float64) float64 {
	if ratePerHour < 0 {
		panic(fmt.Sprintf("accrual: negative rate %f", ratePerHour))
	}
	if capHours < 0 {
		panic(fmt.Sprintf("accrual: negative cap %f", capHours))
	}
	if elapsed < 0 {
		elapsed = 0
	}

	capGold := ratePerHour * capHours
	if prevBalance >= capGold {
		return prevBalance
	}

	delta := ratePerHour * elapsed.Seconds() / 3600.0
	next := prevBalance + delta
	if next > capGold {
		return capGold
	}
	return next
}

// AccrueVerified is Accrue with the verification gate applied: an
// unverified account accrues nothing regardless of elapsed wall-clock time.
func AccrueVerified(verified bool, ratePerHour float64, elapsed time.Duration, prevBalance, capHours float64) float64 {
	if !verified {
		elapsed = 0
	}
	return Accrue(ratePerHour, elapsed, prevBalance, capHours)
}
