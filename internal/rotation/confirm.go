package rotation

import (
	"context"
	"time"
)

// ConfirmationStore is what Confirm needs from persistence.
type ConfirmationStore interface {
	MembershipReader
	Confirmer
}

// Confirm records that userID has taken up the mystery currently assigned
// to membershipID. Only the owning user may confirm. Confirming again before
// the next assignment leaves the stored timestamp and mystery unchanged.
func Confirm(ctx context.Context, s ConfirmationStore, membershipID, userID string, at time.Time) (Membership, error) {
	if membershipID == "" || userID == "" {
		return Membership{}, ErrInvalidInput
	}
	m, err := s.GetMembership(ctx, membershipID)
	if err != nil {
		return Membership{}, err
	}
	if m.UserID != userID {
		return Membership{}, ErrForbidden
	}
	if m.CurrentMysteryID == "" {
		return Membership{}, ErrNoAssignment
	}
	if m.Confirmed() {
		return m, nil
	}
	return s.ConfirmMystery(ctx, membershipID, at)
}
