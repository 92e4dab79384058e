package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"livingrosary.org/internal/ids"
	"livingrosary.org/internal/rotation"
	"livingrosary.org/internal/schedule"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store persists groups, memberships, history and run claims in PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ rotation.Store     = (*Store)(nil)
	_ schedule.RunLedger = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateGroup(ctx context.Context, name string, maxMembers int) (rotation.Group, error) {
	if name == "" || maxMembers <= 0 {
		return rotation.Group{}, rotation.ErrInvalidInput
	}
	g := rotation.Group{ID: ids.New(), Name: name, MaxMembers: maxMembers, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx, `
		insert into prayer_groups(id, name, max_members, created_at)
		values ($1, $2, $3, $4)
	`, g.ID, g.Name, g.MaxMembers, g.CreatedAt); err != nil {
		return rotation.Group{}, err
	}
	return g, nil
}

func (s *Store) AddMembership(ctx context.Context, groupID, userID string) (rotation.Membership, error) {
	if groupID == "" || userID == "" {
		return rotation.Membership{}, rotation.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rotation.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the group row so concurrent adds see a stable member count.
	var maxMembers int
	err = tx.QueryRowContext(ctx, `select max_members from prayer_groups where id = $1 for update`, groupID).Scan(&maxMembers)
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Membership{}, rotation.ErrNotFound
	}
	if err != nil {
		return rotation.Membership{}, err
	}
	var count, dup, next int
	if err := tx.QueryRowContext(ctx, `
		select count(*), count(*) filter (where user_id = $2), coalesce(max(order_index) + 1, 0)
		from memberships where group_id = $1
	`, groupID, userID).Scan(&count, &dup, &next); err != nil {
		return rotation.Membership{}, err
	}
	if dup > 0 {
		return rotation.Membership{}, rotation.ErrConflict
	}
	if count >= maxMembers {
		return rotation.Membership{}, rotation.ErrGroupFull
	}

	now := time.Now().UTC()
	m := rotation.Membership{
		ID:         ids.New(),
		UserID:     userID,
		GroupID:    groupID,
		OrderIndex: next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into memberships(id, user_id, group_id, order_index, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
	`, m.ID, m.UserID, m.GroupID, m.OrderIndex, now); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rotation.Membership{}, rotation.ErrConflict
			case pgErrForeignKeyViolation:
				return rotation.Membership{}, rotation.ErrNotFound
			}
		}
		return rotation.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return rotation.Membership{}, err
	}
	return m, nil
}

// RemoveMembership deletes a membership; history rows cascade.
func (s *Store) RemoveMembership(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from memberships where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rotation.ErrNotFound
	}
	return nil
}

func (s *Store) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from prayer_groups where id = $1)`, groupID).Scan(&ok)
	return ok, err
}

const membershipColumns = `id, user_id, group_id, current_mystery_id, mystery_confirmed_at, order_index, created_at, updated_at`

func (s *Store) ListMemberships(ctx context.Context) ([]rotation.Membership, error) {
	return s.queryMemberships(ctx, `select `+membershipColumns+` from memberships order by group_id, order_index, id`)
}

func (s *Store) ListGroupMemberships(ctx context.Context, groupID string) ([]rotation.Membership, error) {
	return s.queryMemberships(ctx, `select `+membershipColumns+` from memberships where group_id = $1 order by order_index, id`, groupID)
}

func (s *Store) queryMemberships(ctx context.Context, q string, args ...any) ([]rotation.Membership, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rotation.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMembership(ctx context.Context, id string) (rotation.Membership, error) {
	row := s.db.QueryRowContext(ctx, `select `+membershipColumns+` from memberships where id = $1`, id)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Membership{}, rotation.ErrNotFound
	}
	return m, err
}

func (s *Store) RecentMysteryIDs(ctx context.Context, membershipID string, limit int) ([]string, error) {
	out := []string{}
	if limit <= 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select mystery_id from assigned_mystery_history
		where membership_id = $1
		order by assigned_at desc, id desc
		limit $2
	`, membershipID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordAssignment appends the history row and moves the membership pointer
// in one transaction. Either both writes commit or neither does.
func (s *Store) RecordAssignment(ctx context.Context, a rotation.Assignment) (rotation.HistoryEntry, error) {
	if err := a.Validate(); err != nil {
		return rotation.HistoryEntry{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rotation.HistoryEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `select id from memberships where id = $1 for update`, a.MembershipID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.HistoryEntry{}, rotation.ErrNotFound
	}
	if err != nil {
		return rotation.HistoryEntry{}, fmt.Errorf("lock membership: %w", err)
	}

	entry := rotation.HistoryEntry{
		ID:           ids.NewAt(a.AssignedAt),
		MembershipID: a.MembershipID,
		MysteryID:    a.MysteryID,
		Month:        a.Month,
		Year:         a.Year,
		AssignedAt:   a.AssignedAt.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into assigned_mystery_history(id, membership_id, mystery_id, assigned_month, assigned_year, assigned_at)
		values ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.MembershipID, entry.MysteryID, entry.Month, entry.Year, entry.AssignedAt); err != nil {
		return rotation.HistoryEntry{}, fmt.Errorf("insert history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update memberships
		set current_mystery_id = $2, mystery_confirmed_at = null, updated_at = $3
		where id = $1
	`, entry.MembershipID, entry.MysteryID, entry.AssignedAt); err != nil {
		return rotation.HistoryEntry{}, fmt.Errorf("update membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rotation.HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) History(ctx context.Context, membershipID string) ([]rotation.HistoryEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from memberships where id = $1)`, membershipID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, rotation.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, membership_id, mystery_id, assigned_month, assigned_year, assigned_at
		from assigned_mystery_history
		where membership_id = $1
		order by assigned_at desc, id desc
	`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rotation.HistoryEntry{}
	for rows.Next() {
		var e rotation.HistoryEntry
		if err := rows.Scan(&e.ID, &e.MembershipID, &e.MysteryID, &e.Month, &e.Year, &e.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConfirmMystery sets the confirmation timestamp only when a mystery is
// assigned and no confirmation exists yet.
func (s *Store) ConfirmMystery(ctx context.Context, membershipID string, at time.Time) (rotation.Membership, error) {
	if _, err := s.db.ExecContext(ctx, `
		update memberships
		set mystery_confirmed_at = $2, updated_at = $2
		where id = $1 and current_mystery_id is not null and mystery_confirmed_at is null
	`, membershipID, at.UTC()); err != nil {
		return rotation.Membership{}, err
	}
	m, err := s.GetMembership(ctx, membershipID)
	if err != nil {
		return rotation.Membership{}, err
	}
	if m.CurrentMysteryID == "" {
		return rotation.Membership{}, rotation.ErrNoAssignment
	}
	return m, nil
}

func (s *Store) ClaimRun(ctx context.Context, day, source string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into rotation_runs(run_date, source, claimed_at)
		values ($1, $2, $3)
		on conflict (run_date) do nothing
	`, day, source, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseRun(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx, `delete from rotation_runs where run_date = $1`, day)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (rotation.Membership, error) {
	var (
		m         rotation.Membership
		current   sql.NullString
		confirmed sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.GroupID, &current, &confirmed, &m.OrderIndex, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return rotation.Membership{}, err
	}
	m.CurrentMysteryID = current.String
	if confirmed.Valid {
		ts := confirmed.Time
		m.MysteryConfirmedAt = &ts
	}
	return m, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
