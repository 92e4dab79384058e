package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/rotation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rosary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, n int) (rotation.Group, []rotation.Membership) {
	t.Helper()
	ctx := context.Background()
	g, err := s.CreateGroup(ctx, "Holy Family", 20)
	require.NoError(t, err)
	var out []rotation.Membership
	for i := 0; i < n; i++ {
		m, err := s.AddMembership(ctx, g.ID, "user-"+string(rune('a'+i)))
		require.NoError(t, err)
		out = append(out, m)
	}
	return g, out
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s2.Ping(context.Background()))
	require.NoError(t, s2.Close())
}

func TestRecordAssignmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, members := seed(t, s, 1)
	id := members[0].ID

	base := time.Date(2024, 1, 7, 1, 0, 0, 0, time.UTC)
	for i, mid := range []string{"joyful-visitation", "light-wedding-at-cana", "sorrowful-scourging"} {
		at := base.AddDate(0, i, 0)
		_, err := s.RecordAssignment(ctx, rotation.Assignment{
			MembershipID: id, MysteryID: mid, Month: int(at.Month()), Year: at.Year(), AssignedAt: at,
		})
		require.NoError(t, err)
	}

	recent, err := s.RecentMysteryIDs(ctx, id, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"sorrowful-scourging", "light-wedding-at-cana"}, recent)

	hist, err := s.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.Equal(t, 3, hist[0].Month)
	require.True(t, hist[0].AssignedAt.Equal(base.AddDate(0, 2, 0)))

	m, err := s.GetMembership(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "sorrowful-scourging", m.CurrentMysteryID)
	require.Nil(t, m.MysteryConfirmedAt)
}

func TestRecordAssignmentIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, members := seed(t, s, 1)
	id := members[0].ID

	at := time.Date(2024, 2, 4, 1, 0, 0, 0, time.UTC)
	_, err := s.RecordAssignment(ctx, rotation.Assignment{MembershipID: id, MysteryID: "glorious-resurrection", Month: 2, Year: 2024, AssignedAt: at})
	require.NoError(t, err)

	// The history insert succeeds; the pointer update then aborts.
	_, err = s.DB().ExecContext(ctx, `
		create trigger fail_pointer before update of current_mystery_id on memberships
		when new.current_mystery_id = 'poison'
		begin
			select raise(abort, 'injected failure');
		end`)
	require.NoError(t, err)

	_, err = s.RecordAssignment(ctx, rotation.Assignment{MembershipID: id, MysteryID: "poison", Month: 3, Year: 2024, AssignedAt: at.AddDate(0, 1, 0)})
	require.ErrorContains(t, err, "injected failure")

	m, err := s.GetMembership(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "glorious-resurrection", m.CurrentMysteryID)

	hist, err := s.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "glorious-resurrection", hist[0].MysteryID)
}

func TestMembershipConstraints(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g, err := s.CreateGroup(ctx, "Small", 1)
	require.NoError(t, err)

	_, err = s.AddMembership(ctx, g.ID, "alice")
	require.NoError(t, err)
	_, err = s.AddMembership(ctx, g.ID, "alice")
	require.ErrorIs(t, err, rotation.ErrConflict)
	_, err = s.AddMembership(ctx, g.ID, "bob")
	require.ErrorIs(t, err, rotation.ErrGroupFull)
	_, err = s.AddMembership(ctx, "missing", "bob")
	require.ErrorIs(t, err, rotation.ErrNotFound)

	ok, err := s.GroupExists(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.GroupExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOrderIndexNotReusedAfterRemoval(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	g, err := s.CreateGroup(ctx, "Holy Rosary", 3)
	require.NoError(t, err)

	a, err := s.AddMembership(ctx, g.ID, "alice")
	require.NoError(t, err)
	b, err := s.AddMembership(ctx, g.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, []int{a.OrderIndex, b.OrderIndex})

	require.NoError(t, s.RemoveMembership(ctx, a.ID))
	c, err := s.AddMembership(ctx, g.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, 2, c.OrderIndex)
}

func TestRemoveMembershipCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, members := seed(t, s, 1)
	id := members[0].ID
	at := time.Date(2024, 3, 3, 1, 0, 0, 0, time.UTC)
	_, err := s.RecordAssignment(ctx, rotation.Assignment{MembershipID: id, MysteryID: "light-transfiguration", Month: 3, Year: 2024, AssignedAt: at})
	require.NoError(t, err)

	require.NoError(t, s.RemoveMembership(ctx, id))
	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `select count(*) from assigned_mystery_history where membership_id = ?`, id).Scan(&n))
	require.Zero(t, n)
	require.ErrorIs(t, s.RemoveMembership(ctx, id), rotation.ErrNotFound)
}

func TestConfirmMystery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, members := seed(t, s, 1)
	m := members[0]

	_, err := s.ConfirmMystery(ctx, m.ID, time.Now())
	require.ErrorIs(t, err, rotation.ErrNoAssignment)

	at := time.Date(2024, 4, 7, 1, 0, 0, 0, time.UTC)
	_, err = s.RecordAssignment(ctx, rotation.Assignment{MembershipID: m.ID, MysteryID: "joyful-nativity", Month: 4, Year: 2024, AssignedAt: at})
	require.NoError(t, err)

	first := at.Add(2 * time.Hour)
	got, err := rotation.Confirm(ctx, s, m.ID, m.UserID, first)
	require.NoError(t, err)
	require.True(t, got.MysteryConfirmedAt.Equal(first))

	again, err := s.ConfirmMystery(ctx, m.ID, first.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, again.MysteryConfirmedAt.Equal(first))

	_, err = s.RecordAssignment(ctx, rotation.Assignment{MembershipID: m.ID, MysteryID: "joyful-presentation", Month: 5, Year: 2024, AssignedAt: at.AddDate(0, 1, 0)})
	require.NoError(t, err)
	reset, err := s.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, reset.Confirmed())
}

func TestClaimRunOncePerDay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ok, err := s.ClaimRun(ctx, "2024-01-07", "cron")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimRun(ctx, "2024-01-07", "poll")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReleaseRun(ctx, "2024-01-07"))
	ok, err = s.ClaimRun(ctx, "2024-01-07", "poll")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRotationOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, members := seed(t, s, 6)

	sel := rotation.NewSelector(s, mystery.Default(), rotation.WithSelectorLogger(zap.NewNop()))
	rot := rotation.NewRotator(s, sel, rotation.WithParallelism(3), rotation.WithRotatorLogger(zap.NewNop()))

	for round := 0; round < 4; round++ {
		res, err := rot.RotateAll(ctx)
		require.NoError(t, err)
		require.Equal(t, rotation.Result{Total: 6, Succeeded: 6}, res)
	}
	for _, m := range members {
		hist, err := s.History(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, hist, 4)
		seen := map[string]bool{}
		for _, h := range hist {
			require.False(t, seen[h.MysteryID], "mystery %s repeated within the window", h.MysteryID)
			seen[h.MysteryID] = true
		}
	}
}
