package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/pagination"
)

const userColumns = `id, email, name, global_role, is_suspended, suspended_at,
	COALESCE(suspension_reason, ''), created_at, updated_at`

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*User, error) {
	u := &User{}
	var role string
	var suspendedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.IsSuspended, &suspendedAt,
		&u.SuspensionReason, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.GlobalRole = Role(role)
	if suspendedAt.Valid {
		t := suspendedAt.Time
		u.SuspendedAt = &t
	}
	return u, nil
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, global_role, is_suspended, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, NormalizeEmail(u.Email), u.Name, string(u.GlobalRole), u.IsSuspended, u.CreatedAt, u.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email)))
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter, cursor *pagination.Cursor, limit int) ([]*User, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Role != "" {
		add("global_role = $%d", string(f.Role))
	}
	if f.Suspended != nil {
		add("is_suspended = $%d", *f.Suspended)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, q)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(position(lower($%d) in email) > 0 OR position(lower($%d) in lower(name)) > 0)", n, n))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Suspend(ctx context.Context, id, reason string, entry *audit.Entry) (*User, error) {
	return p.mutate(ctx, id, entry, suspendMutation(reason))
}

func (p *PostgresStore) Reactivate(ctx context.Context, id string, entry *audit.Entry) (*User, error) {
	return p.mutate(ctx, id, entry, reactivateMutation())
}

func (p *PostgresStore) Promote(ctx context.Context, id string, entry *audit.Entry) (*User, error) {
	return p.mutate(ctx, id, entry, promoteMutation())
}

func (p *PostgresStore) Demote(ctx context.Context, id string, entry *audit.Entry) (*User, error) {
	return p.mutate(ctx, id, entry, demoteMutation())
}

// mutate locks every active super_admin row before reading the target, so a
// concurrent demotion blocks until this one commits and then re-counts.
func (p *PostgresStore) mutate(ctx context.Context, id string, entry *audit.Entry, mut mutation) (*User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM users
		WHERE global_role = 'super_admin' AND is_suspended = FALSE
		ORDER BY id
		FOR UPDATE`)
	if err != nil {
		return nil, err
	}
	active := 0
	for rows.Next() {
		active++
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if mut.removesAdmin(u) && active <= 1 {
		return nil, ErrLastSuperAdmin
	}

	now := p.now()
	if err := mut.apply(u, entry, now); err != nil {
		return nil, err
	}
	u.UpdatedAt = now

	var suspendedAt sql.NullTime
	if u.SuspendedAt != nil {
		suspendedAt = sql.NullTime{Time: *u.SuspendedAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET global_role = $2, is_suspended = $3, suspended_at = $4,
			suspension_reason = NULLIF($5, ''), updated_at = $6
		WHERE id = $1`,
		u.ID, string(u.GlobalRole), u.IsSuspended, suspendedAt, u.SuspensionReason, u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		if err := audit.Insert(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("user: append audit entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) CountActiveSuperAdmins(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE global_role = 'super_admin' AND is_suspended = FALSE`).Scan(&n)
	return n, err
}

var _ Store = (*PostgresStore)(nil)
