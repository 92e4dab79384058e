package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RunLedger persists run claims so several processes share one guard.
type RunLedger interface {
	// ClaimRun records day as run by source. It returns false, nil when
	// another caller already claimed the day.
	ClaimRun(ctx context.Context, day string, source string) (bool, error)
	// ReleaseRun forgets the claim for day.
	ReleaseRun(ctx context.Context, day string) error
}

// DayGuard allows one full rotation per calendar day.
type DayGuard struct {
	mu     sync.Mutex
	last   string
	prev   string
	ledger RunLedger
}

// NewDayGuard creates a guard. ledger may be nil for a process-local guard.
func NewDayGuard(ledger RunLedger) *DayGuard {
	return &DayGuard{ledger: ledger}
}

// Claim marks the day of t as taken. It returns false when the day was
// already claimed in this process or, with a ledger, by any process.
func (g *DayGuard) Claim(ctx context.Context, t time.Time, source string) (bool, error) {
	day := DayKey(t)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == day {
		return false, nil
	}
	if g.ledger != nil {
		ok, err := g.ledger.ClaimRun(ctx, day, source)
		if err != nil {
			return false, fmt.Errorf("claim run %s: %w", day, err)
		}
		if !ok {
			g.prev, g.last = g.last, day
			return false, nil
		}
	}
	g.prev, g.last = g.last, day
	return true, nil
}

// Release undoes a claim for the day of t so a later tick may retry.
func (g *DayGuard) Release(ctx context.Context, t time.Time) error {
	day := DayKey(t)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == day {
		g.last, g.prev = g.prev, ""
	}
	if g.ledger == nil {
		return nil
	}
	if err := g.ledger.ReleaseRun(ctx, day); err != nil {
		return fmt.Errorf("release run %s: %w", day, err)
	}
	return nil
}

// LastRun returns the most recently claimed day, or "" if none.
func (g *DayGuard) LastRun() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
