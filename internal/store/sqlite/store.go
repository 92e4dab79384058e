// Package sqlite is a single-file rotation store for local runs and
// development, backed by the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"livingrosary.org/internal/ids"
	"livingrosary.org/internal/migrate"
	"livingrosary.org/internal/rotation"
	"livingrosary.org/internal/schedule"
	"livingrosary.org/ops/migrations"
)

// Store implements rotation.Store and schedule.RunLedger on SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ rotation.Store     = (*Store)(nil)
	_ schedule.RunLedger = (*Store)(nil)
)

// Open creates or opens the database at path, applies pragmas and brings
// the schema up to date. path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "livingrosary.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps pragmas and
	// an in-memory database alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	schema, err := migrations.For("sqlite")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrate.NewManager(db, schema, nil, migrate.WithDialect(migrate.SQLite)).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateGroup(ctx context.Context, name string, maxMembers int) (rotation.Group, error) {
	if name == "" || maxMembers <= 0 {
		return rotation.Group{}, rotation.ErrInvalidInput
	}
	g := rotation.Group{ID: ids.New(), Name: name, MaxMembers: maxMembers, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`insert into prayer_groups(id, name, max_members, created_at) values (?, ?, ?, ?)`,
		g.ID, g.Name, g.MaxMembers, g.CreatedAt); err != nil {
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

	var maxMembers int
	err = tx.QueryRowContext(ctx, `select max_members from prayer_groups where id = ?`, groupID).Scan(&maxMembers)
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Membership{}, rotation.ErrNotFound
	}
	if err != nil {
		return rotation.Membership{}, err
	}
	var count, dup, next int
	if err := tx.QueryRowContext(ctx, `
		select count(*), coalesce(sum(user_id = ?), 0), coalesce(max(order_index) + 1, 0)
		from memberships where group_id = ?
	`, userID, groupID).Scan(&count, &dup, &next); err != nil {
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
		values (?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.GroupID, m.OrderIndex, now, now); err != nil {
		return rotation.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return rotation.Membership{}, err
	}
	return m, nil
}

// RemoveMembership deletes a membership; its history goes with it.
func (s *Store) RemoveMembership(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from memberships where id = ?`, id)
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
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from prayer_groups where id = ?)`, groupID).Scan(&ok)
	return ok, err
}

const membershipColumns = `id, user_id, group_id, current_mystery_id, mystery_confirmed_at, order_index, created_at, updated_at`

func (s *Store) ListMemberships(ctx context.Context) ([]rotation.Membership, error) {
	return s.queryMemberships(ctx, `select `+membershipColumns+` from memberships order by group_id, order_index, id`)
}

func (s *Store) ListGroupMemberships(ctx context.Context, groupID string) ([]rotation.Membership, error) {
	return s.queryMemberships(ctx, `select `+membershipColumns+` from memberships where group_id = ? order by order_index, id`, groupID)
}

func (s *Store) queryMemberships(ctx context.Context, q string, args ...any) ([]rotation.Membership, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []rotation.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMembership(ctx context.Context, id string) (rotation.Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx, `select `+membershipColumns+` from memberships where id = ?`, id))
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
		where membership_id = ?
		order by assigned_at desc, id desc
		limit ?
	`, membershipID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) RecordAssignment(ctx context.Context, a rotation.Assignment) (rotation.HistoryEntry, error) {
	if err := a.Validate(); err != nil {
		return rotation.HistoryEntry{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rotation.HistoryEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from memberships where id = ?)`, a.MembershipID).Scan(&exists); err != nil {
		return rotation.HistoryEntry{}, err
	}
	if !exists {
		return rotation.HistoryEntry{}, rotation.ErrNotFound
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
		values (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.MembershipID, entry.MysteryID, entry.Month, entry.Year, entry.AssignedAt); err != nil {
		return rotation.HistoryEntry{}, fmt.Errorf("insert history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update memberships
		set current_mystery_id = ?, mystery_confirmed_at = null, updated_at = ?
		where id = ?
	`, entry.MysteryID, entry.AssignedAt, entry.MembershipID); err != nil {
		return rotation.HistoryEntry{}, fmt.Errorf("update membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rotation.HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) History(ctx context.Context, membershipID string) ([]rotation.HistoryEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from memberships where id = ?)`, membershipID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, rotation.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, membership_id, mystery_id, assigned_month, assigned_year, assigned_at
		from assigned_mystery_history
		where membership_id = ?
		order by assigned_at desc, id desc
	`, membershipID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []rotation.HistoryEntry{}
	for rows.Next() {
		var e rotation.HistoryEntry
		if err := rows.Scan(&e.ID, &e.MembershipID, &e.MysteryID, &e.Month, &e.Year, &e.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ConfirmMystery(ctx context.Context, membershipID string, at time.Time) (rotation.Membership, error) {
	ts := at.UTC()
	if _, err := s.db.ExecContext(ctx, `
		update memberships
		set mystery_confirmed_at = ?, updated_at = ?
		where id = ? and current_mystery_id is not null and mystery_confirmed_at is null
	`, ts, ts, membershipID); err != nil {
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
		insert into rotation_runs(run_date, source, claimed_at) values (?, ?, ?)
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
	_, err := s.db.ExecContext(ctx, `delete from rotation_runs where run_date = ?`, day)
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
		ts := confirmed.Time.UTC()
		m.MysteryConfirmedAt = &ts
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}
