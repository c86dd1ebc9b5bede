package logic

import "time"

// Budget accounts watering seconds consumed in the current local calendar day.
// Not safe for concurrent use; the state machine owns it.
type Budget struct {
	limitSeconds int
	usedSeconds  int
	day          time.Time // local midnight of the ledger's day; zero until first roll
}

// NewBudget creates a ledger with the given daily cap.
func NewBudget(limitSeconds int) *Budget {
	return &Budget{limitSeconds: limitSeconds}
}

// RestoreBudget rebuilds a ledger persisted for day.
func RestoreBudget(limitSeconds, usedSeconds int, day time.Time) *Budget {
	if usedSeconds < 0 {
		usedSeconds = 0
	}
	return &Budget{limitSeconds: limitSeconds, usedSeconds: usedSeconds, day: day}
}

// SetLimit changes the daily cap. Consumption already recorded is kept.
func (b *Budget) SetLimit(limitSeconds int) {
	b.limitSeconds = limitSeconds
}

// RollIfNewDay resets the ledger when now falls on a later local day than the
// ledger. It returns true only on the call that performed the reset.
func (b *Budget) RollIfNewDay(now time.Time) bool {
	today := startOfDay(now)
	if b.day.IsZero() {
		b.day = today
		return false
	}
	if !today.After(b.day) {
		return false
	}
	b.day = today
	b.usedSeconds = 0
	return true
}

// Reserve reports whether an automatic run of seconds fits the remaining cap.
// It does not commit anything.
func (b *Budget) Reserve(seconds int) bool {
	if seconds < 0 {
		return false
	}
	return seconds <= b.limitSeconds-b.usedSeconds
}

// Record commits consumed seconds. Negative values are ignored.
func (b *Budget) Record(seconds int) {
	if seconds <= 0 {
		return
	}
	b.usedSeconds += seconds
}

// Remaining returns the seconds left under the cap, never negative.
// Manual runs may push consumption past the cap.
func (b *Budget) Remaining() int {
	if r := b.limitSeconds - b.usedSeconds; r > 0 {
		return r
	}
	return 0
}

// Used returns the seconds consumed today.
func (b *Budget) Used() int {
	return b.usedSeconds
}

// Limit returns the daily cap in seconds.
func (b *Budget) Limit() int {
	return b.limitSeconds
}

// Day returns local midnight of the ledger's day.
func (b *Budget) Day() time.Time {
	return b.day
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
