package rotation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
)

// Selector picks the next mystery for a single membership.
type Selector struct {
	history HistoryStore
	catalog *mystery.Catalog
	window  int
	now     func() time.Time
	loc     *time.Location
	intn    func(n int) int
	log     *zap.Logger
}

// SelectorOption configures Selector.
type SelectorOption func(*Selector)

// WithHistoryWindow overrides how many recent mysteries are avoided.
func WithHistoryWindow(n int) SelectorOption {
	return func(s *Selector) {
		if n >= 0 {
			s.window = n
		}
	}
}

// WithClock overrides the time source used for assignment timestamps.
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone whose calendar month/year is recorded.
func WithLocation(loc *time.Location) SelectorOption {
	return func(s *Selector) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRand overrides the random source; intn must behave like rand.IntN.
func WithRand(intn func(n int) int) SelectorOption {
	return func(s *Selector) {
		if intn != nil {
			s.intn = intn
		}
	}
}

// WithSelectorLogger sets the logger.
func WithSelectorLogger(l *zap.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSelector constructs a Selector over history and catalog.
func NewSelector(history HistoryStore, catalog *mystery.Catalog, opts ...SelectorOption) *Selector {
	s := &Selector{
		history: history,
		catalog: catalog,
		window:  DefaultHistoryWindow,
		now:     time.Now,
		loc:     time.UTC,
		intn:    rand.IntN,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssignNewMystery picks a mystery the member has not had in the last
// window assignments and records it. When every mystery is recent the whole
// catalog is used instead.
func (s *Selector) AssignNewMystery(ctx context.Context, membershipID string) (mystery.Mystery, error) {
	if membershipID == "" {
		return mystery.Mystery{}, ErrInvalidInput
	}
	if s.catalog == nil || s.catalog.Len() == 0 {
		s.log.Error("cannot assign mystery", zap.String("membership_id", membershipID), zap.Error(ErrCatalogEmpty))
		return mystery.Mystery{}, ErrCatalogEmpty
	}

	recent, err := s.history.RecentMysteryIDs(ctx, membershipID, s.window)
	if err != nil {
		return mystery.Mystery{}, fmt.Errorf("load recent history: %w", err)
	}

	picked, ok := mystery.PickRandom(s.catalog.Without(recent), s.intn)
	if !ok {
		s.log.Warn("mystery candidates exhausted, falling back to full catalog",
			zap.String("membership_id", membershipID),
			zap.Int("window", s.window),
			zap.Int("catalog_size", s.catalog.Len()),
		)
		obs.ObserveFallbackPick()
		picked, ok = mystery.PickRandom(s.catalog.All(), s.intn)
		if !ok {
			return mystery.Mystery{}, ErrCatalogEmpty
		}
	}

	now := s.now().In(s.loc)
	_, err = s.history.RecordAssignment(ctx, Assignment{
		MembershipID: membershipID,
		MysteryID:    picked.ID,
		Month:        int(now.Month()),
		Year:         now.Year(),
		AssignedAt:   now,
	})
	if err != nil {
		return mystery.Mystery{}, fmt.Errorf("record assignment: %w", err)
	}
	return picked, nil
}
