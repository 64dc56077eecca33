package accrual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccrueLinear(t *testing.T) {
	// 10 gold/hr for 30 minutes on top of 5 gold.
	got := Accrue(10, 30*time.Minute, 5, DefaultCapHours)
	assert.InDelta(t, 10.0, got, 1e-9)
}

func TestAccrueCapsAtRateTimesCapHours(t *testing.T) {
	// 10/hr with a 72h cap: 100 hours elapsed yields 720, not 1000.
	got := Accrue(10, 100*time.Hour, 0, 72)
	assert.InDelta(t, 720.0, got, 1e-9)
}

func TestAccrueMonotonic(t *testing.T) {
	prev := 0.0
	for h := 1; h <= 120; h++ {
		next := Accrue(10, time.Duration(h)*time.Hour, 0, 72)
		require.GreaterOrEqual(t, next, prev, "hour %d", h)
		prev = next
	}
	assert.InDelta(t, 720.0, prev, 1e-9)
}

func TestAccrueDoesNotCutBalanceAboveCap(t *testing.T) {
	// Rate dropped after the balance was earned; the old balance stands.
	got := Accrue(1, time.Hour, 500, 72)
	assert.Equal(t, 500.0, got)
}

func TestAccrueZeroRate(t *testing.T) {
	assert.Equal(t, 42.0, Accrue(0, 1000*time.Hour, 42, 72))
}

func TestAccrueNegativeElapsedTreatedAsZero(t *testing.T) {
	assert.Equal(t, 12.5, Accrue(10, -time.Hour, 12.5, 72))
}

func TestAccrueVerifiedGatesElapsed(t *testing.T) {
	// Unverified accounts are frozen no matter how much time passes.
	frozen := AccrueVerified(false, 10, 100*time.Hour, 33, 72)
	assert.Equal(t, 33.0, frozen)

	live := AccrueVerified(true, 10, time.Hour, 33, 72)
	assert.InDelta(t, 43.0, live, 1e-9)
}

func TestAccrueIdempotent(t *testing.T) {
	a := Accrue(7.25, 90*time.Minute, 11, 72)
	b := Accrue(7.25, 90*time.Minute, 11, 72)
	assert.Equal(t, a, b)
}

func TestAccruePanicsOnNegativeRate(t *testing.T) {
	assert.Panics(t, func() { Accrue(-1, time.Hour, 0, 72) })
	assert.Panics(t, func() { Accrue(1, time.Hour, 0, -1) })
}

func TestManualClock(t *testing.T) {
	c := &ManualClock{Current: time.Unix(1000, 0)}
	c.Advance(time.Hour)
	assert.Equal(t, time.Unix(4600, 0), c.Now())
}
