package importer

import "time"

// Budget is the wall-clock allowance of one run. It is consulted only
// between pages; a page in flight always completes.
type Budget struct {
	start time.Time
	max   time.Duration
	now   func() time.Time
}

// NewBudget starts a budget of max. A zero max never expires.
func NewBudget(max time.Duration, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{start: now(), max: max, now: now}
}

// Elapsed is the time since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// Exceeded reports whether the budget is used up.
func (b *Budget) Exceeded() bool {
	return b.max > 0 && b.Elapsed() >= b.max
}
