package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"livingrosary.org/internal/rotation"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func assignment() rotation.Assignment {
	return rotation.Assignment{
		MembershipID: "m1",
		MysteryID:    "light-baptism",
		Month:        1,
		Year:         2024,
		AssignedAt:   time.Date(2024, 1, 7, 1, 0, 0, 0, time.UTC),
	}
}

func TestRecordAssignmentCommitsBothWrites(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select id from memberships where id = .+ for update").WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectExec("insert into assigned_mystery_history").
		WithArgs(sqlmock.AnyArg(), "m1", "light-baptism", 1, 2024, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update memberships").
		WithArgs("m1", "light-baptism", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := s.RecordAssignment(context.Background(), assignment())
	if err != nil {
		t.Fatalf("RecordAssignment: %v", err)
	}
	if entry.MysteryID != "light-baptism" || entry.Month != 1 || entry.Year != 2024 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.ID == "" {
		t.Fatalf("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordAssignmentRollsBackWhenPointerUpdateFails(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("connection reset by peer")
	mock.ExpectBegin()
	mock.ExpectQuery("select id from memberships where id = .+ for update").WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectExec("insert into assigned_mystery_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update memberships").WillReturnError(boom)
	mock.ExpectRollback()

	_, err := s.RecordAssignment(context.Background(), assignment())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordAssignmentUnknownMembership(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select id from memberships").WithArgs("m1").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.RecordAssignment(context.Background(), assignment())
	if !errors.Is(err, rotation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordAssignmentRejectsInvalidMonth(t *testing.T) {
	s, mock := newMock(t)
	a := assignment()
	a.Month = 13
	if _, err := s.RecordAssignment(context.Background(), a); !errors.Is(err, rotation.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

// expectMemberStats stubs the per-group count, duplicate and next-index query.
func expectMemberStats(mock sqlmock.Sqlmock, maxMembers, count, dup, next int) {
	mock.ExpectQuery("select max_members from prayer_groups").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"max_members"}).AddRow(maxMembers))
	mock.ExpectQuery(`select count\(\*\), count\(\*\) filter \(where user_id = \$2\), coalesce\(max\(order_index\) \+ 1, 0\)`).
		WithArgs("g1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "dup", "next"}).AddRow(count, dup, next))
}

func TestAddMembershipGroupFull(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	expectMemberStats(mock, 2, 2, 0, 2)
	mock.ExpectRollback()

	if _, err := s.AddMembership(context.Background(), "g1", "u1"); !errors.Is(err, rotation.ErrGroupFull) {
		t.Fatalf("expected ErrGroupFull, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMembershipDuplicateInFullGroup(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	expectMemberStats(mock, 2, 2, 1, 2)
	mock.ExpectRollback()

	if _, err := s.AddMembership(context.Background(), "g1", "u1"); !errors.Is(err, rotation.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMembershipDuplicateRace(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	expectMemberStats(mock, 20, 3, 0, 3)
	mock.ExpectExec("insert into memberships").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	if _, err := s.AddMembership(context.Background(), "g1", "u1"); !errors.Is(err, rotation.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMembershipAssignsOrderIndex(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	// Three members remain after a removal; the highest index in use is 3.
	expectMemberStats(mock, 20, 3, 0, 4)
	mock.ExpectExec("insert into memberships").
		WithArgs(sqlmock.AnyArg(), "u1", "g1", 4, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m, err := s.AddMembership(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatalf("AddMembership: %v", err)
	}
	if m.OrderIndex != 4 {
		t.Fatalf("expected order index 4, got %d", m.OrderIndex)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecentMysteryIDs(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select mystery_id from assigned_mystery_history").WithArgs("m1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"mystery_id"}).AddRow("b").AddRow("a"))

	got, err := s.RecentMysteryIDs(context.Background(), "m1", 5)
	if err != nil {
		t.Fatalf("RecentMysteryIDs: %v", err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("unexpected ids: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetMembershipScansNullables(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select id, user_id, group_id").WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "group_id", "current_mystery_id", "mystery_confirmed_at", "order_index", "created_at", "updated_at"}).
			AddRow("m1", "u1", "g1", nil, nil, 0, created, created))

	m, err := s.GetMembership(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if m.CurrentMysteryID != "" || m.MysteryConfirmedAt != nil {
		t.Fatalf("expected empty assignment, got %+v", m)
	}

	mock.ExpectQuery("select id, user_id, group_id").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	if _, err := s.GetMembership(context.Background(), "missing"); !errors.Is(err, rotation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmMysteryWithoutAssignment(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("update memberships").WithArgs("m1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id, user_id, group_id").WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "group_id", "current_mystery_id", "mystery_confirmed_at", "order_index", "created_at", "updated_at"}).
			AddRow("m1", "u1", "g1", nil, nil, 0, created, created))

	if _, err := s.ConfirmMystery(context.Background(), "m1", time.Now()); !errors.Is(err, rotation.ErrNoAssignment) {
		t.Fatalf("expected ErrNoAssignment, got %v", err)
	}
}

func TestClaimRun(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into rotation_runs").WithArgs("2024-01-07", "cron", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into rotation_runs").WithArgs("2024-01-07", "poll", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from rotation_runs").WithArgs("2024-01-07").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimRun(context.Background(), "2024-01-07", "cron")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimRun(context.Background(), "2024-01-07", "poll")
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseRun(context.Background(), "2024-01-07"); err != nil {
		t.Fatalf("ReleaseRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRemoveMembership(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from memberships").WithArgs("m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from memberships").WithArgs("m1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RemoveMembership(context.Background(), "m1"); err != nil {
		t.Fatalf("RemoveMembership: %v", err)
	}
	if err := s.RemoveMembership(context.Background(), "m1"); !errors.Is(err, rotation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
