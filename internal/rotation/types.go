package rotation

import (
	"errors"
	"time"
)

// DefaultHistoryWindow is how many recent assignments a new pick must avoid.
const DefaultHistoryWindow = 5

// Group is a prayer group. Only the fields the rotation needs are modelled.
type Group struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MaxMembers int       `json:"max_members"`
	CreatedAt  time.Time `json:"created_at"`
}

// Membership is one user's standing in one group together with the mystery
// currently assigned to them.
type Membership struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	GroupID            string     `json:"group_id"`
	CurrentMysteryID   string     `json:"current_mystery_id,omitempty"`
	MysteryConfirmedAt *time.Time `json:"mystery_confirmed_at,omitempty"`
	OrderIndex         int        `json:"order_index"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Confirmed reports whether the current assignment has been confirmed.
func (m Membership) Confirmed() bool { return m.MysteryConfirmedAt != nil }

// HistoryEntry is an append-only record of one assignment.
type HistoryEntry struct {
	ID           string    `json:"id"`
	MembershipID string    `json:"membership_id"`
	MysteryID    string    `json:"mystery_id"`
	Month        int       `json:"assigned_month"`
	Year         int       `json:"assigned_year"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Assignment is the input of HistoryStore.RecordAssignment.
type Assignment struct {
	MembershipID string
	MysteryID    string
	Month        int
	Year         int
	AssignedAt   time.Time
}

// Validate checks the fields a store relies on.
func (a Assignment) Validate() error {
	if a.MembershipID == "" || a.MysteryID == "" {
		return ErrInvalidInput
	}
	if a.Month < 1 || a.Month > 12 || a.Year <= 0 {
		return ErrInvalidInput
	}
	if a.AssignedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}

// Result summarises a rotation batch.
type Result struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrGroupFull    = errors.New("group has reached its member limit")
	ErrForbidden    = errors.New("membership belongs to another user")
	ErrNoAssignment = errors.New("no mystery assigned yet")
	ErrCatalogEmpty = errors.New("mystery catalog is empty")
	ErrInvalidInput = errors.New("invalid input")
)
