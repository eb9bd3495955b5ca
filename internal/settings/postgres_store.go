package settings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/retry"
)

// PostgresStore keeps one row per key in system_settings.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed settings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func load(ctx context.Context, q querier) (*Settings, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value, updated_at, updated_by FROM system_settings`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	s := Defaults()
	for rows.Next() {
		var (
			key, by string
			value   []byte
			at      time.Time
		)
		if err := rows.Scan(&key, &value, &at, &by); err != nil {
			return nil, err
		}
		decode(&s, Key(key), value)
		if s.UpdatedAt == nil || at.After(*s.UpdatedAt) {
			t := at
			s.UpdatedAt = &t
			s.UpdatedBy = by
		}
	}
	return &s, rows.Err()
}

func (p *PostgresStore) Get(ctx context.Context) (*Settings, error) {
	return load(ctx, p.db)
}

// Apply runs at serializable isolation and retries serialization aborts.
func (p *PostgresStore) Apply(ctx context.Context, patch Patch, actorID string, entry *audit.Entry) (*Settings, error) {
	if len(patch) == 0 {
		return nil, ErrEmptyPatch
	}
	var out *Settings
	err := retry.Tx(ctx, func() error {
		s, err := p.apply(ctx, patch, actorID, entry)
		out = s
		return err
	})
	return out, err
}

func (p *PostgresStore) apply(ctx context.Context, patch Patch, actorID string, entry *audit.Entry) (*Settings, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := load(ctx, tx)
	if err != nil {
		return nil, err
	}
	describe(entry, patch, current)
	patch.Apply(current)
	now := p.now()

	for _, c := range patch {
		value, err := encode(current, c.Key)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO system_settings (key, value, updated_at, updated_by)
			VALUES ($1, $2::jsonb, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by`,
			string(c.Key), value, now, actorID,
		)
		if err != nil {
			return nil, fmt.Errorf("settings: write %s: %w", c.Key, err)
		}
	}

	if entry != nil {
		if err := audit.Insert(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("settings: append audit entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	current.UpdatedAt = &now
	current.UpdatedBy = actorID
	return current, nil
}

var _ Store = (*PostgresStore)(nil)
