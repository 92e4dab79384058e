package rotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"livingrosary.org/internal/ids"
)

// HistoryStore reads and appends assignment history.
type HistoryStore interface {
	// RecentMysteryIDs returns at most limit mystery ids, newest first.
	RecentMysteryIDs(ctx context.Context, membershipID string, limit int) ([]string, error)
	// RecordAssignment appends a history row and moves the membership's
	// current mystery in a single transaction, clearing its confirmation.
	RecordAssignment(ctx context.Context, a Assignment) (HistoryEntry, error)
}

// MembershipSource lists the work of a rotation batch.
type MembershipSource interface {
	ListMemberships(ctx context.Context) ([]Membership, error)
	ListGroupMemberships(ctx context.Context, groupID string) ([]Membership, error)
	GroupExists(ctx context.Context, groupID string) (bool, error)
}

// MembershipReader serves read-back queries.
type MembershipReader interface {
	GetMembership(ctx context.Context, id string) (Membership, error)
	// History returns every assignment of the membership, newest first.
	History(ctx context.Context, membershipID string) ([]HistoryEntry, error)
}

// Confirmer stores a member's confirmation of the current mystery.
type Confirmer interface {
	// ConfirmMystery sets mystery_confirmed_at to at unless it is already set.
	ConfirmMystery(ctx context.Context, membershipID string, at time.Time) (Membership, error)
}

// Directory creates the groups and memberships the rotation works on.
type Directory interface {
	CreateGroup(ctx context.Context, name string, maxMembers int) (Group, error)
	AddMembership(ctx context.Context, groupID, userID string) (Membership, error)
	// RemoveMembership deletes a membership together with its history.
	RemoveMembership(ctx context.Context, id string) error
}

// Store is everything the service needs from persistence.
type Store interface {
	HistoryStore
	MembershipSource
	MembershipReader
	Confirmer
	Directory
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu          sync.RWMutex
	groups      map[string]Group
	memberships map[string]*Membership
	history     map[string][]HistoryEntry // membershipID -> oldest first

	// FailRecord, when set, is consulted before every RecordAssignment; a
	// non-nil return aborts the write with that error.
	FailRecord func(membershipID string) error
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		groups:      make(map[string]Group),
		memberships: make(map[string]*Membership),
		history:     make(map[string][]HistoryEntry),
	}
}

func (s *InMemory) CreateGroup(ctx context.Context, name string, maxMembers int) (Group, error) {
	if name == "" || maxMembers <= 0 {
		return Group{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := Group{ID: ids.New(), Name: name, MaxMembers: maxMembers, CreatedAt: time.Now().UTC()}
	s.groups[g.ID] = g
	return g, nil
}

func (s *InMemory) AddMembership(ctx context.Context, groupID, userID string) (Membership, error) {
	if groupID == "" || userID == "" {
		return Membership{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Membership{}, ErrNotFound
	}
	count, next := 0, 0
	for _, m := range s.memberships {
		if m.GroupID != groupID {
			continue
		}
		if m.UserID == userID {
			return Membership{}, ErrConflict
		}
		count++
		next = max(next, m.OrderIndex+1)
	}
	if count >= g.MaxMembers {
		return Membership{}, ErrGroupFull
	}
	now := time.Now().UTC()
	m := &Membership{
		ID:         ids.New(),
		UserID:     userID,
		GroupID:    groupID,
		OrderIndex: next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.memberships[m.ID] = m
	return copyMembership(m), nil
}

// RemoveMembership deletes a membership and, by cascade, its history.
func (s *InMemory) RemoveMembership(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[id]; !ok {
		return ErrNotFound
	}
	delete(s.memberships, id)
	delete(s.history, id)
	return nil
}

func (s *InMemory) GroupExists(ctx context.Context, groupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[groupID]
	return ok, nil
}

func (s *InMemory) ListMemberships(ctx context.Context) ([]Membership, error) {
	return s.list(func(*Membership) bool { return true }), nil
}

func (s *InMemory) ListGroupMemberships(ctx context.Context, groupID string) ([]Membership, error) {
	return s.list(func(m *Membership) bool { return m.GroupID == groupID }), nil
}

func (s *InMemory) list(keep func(*Membership) bool) []Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Membership
	for _, m := range s.memberships {
		if keep(m) {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemory) GetMembership(ctx context.Context, id string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[id]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return copyMembership(m), nil
}

func (s *InMemory) RecentMysteryIDs(ctx context.Context, membershipID string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := newestFirst(s.history[membershipID])
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MysteryID)
	}
	return out, nil
}

func (s *InMemory) RecordAssignment(ctx context.Context, a Assignment) (HistoryEntry, error) {
	if err := a.Validate(); err != nil {
		return HistoryEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[a.MembershipID]
	if !ok {
		return HistoryEntry{}, ErrNotFound
	}
	if s.FailRecord != nil {
		if err := s.FailRecord(a.MembershipID); err != nil {
			return HistoryEntry{}, err
		}
	}

	entry := HistoryEntry{
		ID:           ids.NewAt(a.AssignedAt),
		MembershipID: a.MembershipID,
		MysteryID:    a.MysteryID,
		Month:        a.Month,
		Year:         a.Year,
		AssignedAt:   a.AssignedAt.UTC(),
	}
	// Both writes happen under the same lock, which is this store's transaction.
	s.history[a.MembershipID] = append(s.history[a.MembershipID], entry)
	m.CurrentMysteryID = a.MysteryID
	m.MysteryConfirmedAt = nil
	m.UpdatedAt = a.AssignedAt.UTC()
	return entry, nil
}

func (s *InMemory) History(ctx context.Context, membershipID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.memberships[membershipID]; !ok {
		return nil, ErrNotFound
	}
	return newestFirst(s.history[membershipID]), nil
}

func (s *InMemory) ConfirmMystery(ctx context.Context, membershipID string, at time.Time) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipID]
	if !ok {
		return Membership{}, ErrNotFound
	}
	if m.CurrentMysteryID == "" {
		return Membership{}, ErrNoAssignment
	}
	if m.MysteryConfirmedAt == nil {
		ts := at.UTC()
		m.MysteryConfirmedAt = &ts
		m.UpdatedAt = ts
	}
	return copyMembership(m), nil
}

// newestFirst orders entries (stored oldest first) by AssignedAt descending;
// ties keep reverse insertion order.
func newestFirst(entries []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AssignedAt.After(out[j].AssignedAt)
	})
	return out
}

func copyMembership(m *Membership) Membership {
	out := *m
	if m.MysteryConfirmedAt != nil {
		ts := *m.MysteryConfirmedAt
		out.MysteryConfirmedAt = &ts
	}
	return out
}
