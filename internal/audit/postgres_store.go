package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbd888/campaignhq/internal/pagination"
)

// PostgresStore persists audit entries in the audit_logs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert appends e through ex. Stores call it with their *sql.Tx so the
// audited mutation and its entry commit or roll back together.
func Insert(ctx context.Context, ex Execer, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ActorID, string(e.Action), string(e.TargetType), e.TargetID, meta, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	return Insert(ctx, p.db, e)
}

func (p *PostgresStore) List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.TargetType != "" {
		add("target_type = $%d", string(f.TargetType))
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT id, actor_id, action, target_type, target_id, metadata, created_at FROM audit_logs`
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

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var action, targetType string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &targetType, &e.TargetID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.TargetType = TargetType(targetType)
		e.Metadata = map[string]interface{}{}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
