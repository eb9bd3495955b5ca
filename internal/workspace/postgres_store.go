package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/pagination"
)

const workspaceColumns = `id, name, owner_id, tier, subscription_status,
	COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	ai_credits_remaining, email_limit_remaining, ai_credits_used, emails_sent,
	health, suspended_at, COALESCE(suspension_reason, ''), deleted_at, created_at, updated_at`

// PostgresStore persists workspaces in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed workspace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	w := &Workspace{}
	var (
		tier, status, health string
		suspendedAt          sql.NullTime
		deletedAt            sql.NullTime
	)
	err := row.Scan(&w.ID, &w.Name, &w.OwnerID, &tier, &status,
		&w.StripeCustomerID, &w.StripeSubscriptionID,
		&w.AICreditsRemaining, &w.EmailLimitRemaining, &w.AICreditsUsed, &w.EmailsSent,
		&health, &suspendedAt, &w.SuspensionReason, &deletedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Tier = Tier(tier)
	w.SubscriptionStatus = SubscriptionStatus(status)
	w.Health = Health(health)
	if suspendedAt.Valid {
		t := suspendedAt.Time
		w.SuspendedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		w.DeletedAt = &t
	}
	return w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) Create(ctx context.Context, w *Workspace) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, owner_id, tier, subscription_status, stripe_customer_id,
			stripe_subscription_id, ai_credits_remaining, email_limit_remaining, ai_credits_used,
			emails_sent, health, suspended_at, suspension_reason, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		w.ID, w.Name, w.OwnerID, string(w.Tier), string(w.SubscriptionStatus),
		nullString(w.StripeCustomerID), nullString(w.StripeSubscriptionID),
		w.AICreditsRemaining, w.EmailLimitRemaining, w.AICreditsUsed, w.EmailsSent,
		string(w.Health), nullTime(w.SuspendedAt), nullString(w.SuspensionReason), nullTime(w.DeletedAt),
		w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Workspace, error) {
	return scanWorkspace(p.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*Workspace, error) {
	return scanWorkspace(p.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces
		WHERE stripe_customer_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, customerID))
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter, cursor *pagination.Cursor, limit int) ([]*Workspace, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if f.Tier != "" {
		add("tier = $%d", string(f.Tier))
	}
	if f.Health != "" {
		add("health = $%d", string(f.Health))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		add("position(lower($%d) in lower(name)) > 0", q)
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + workspaceColumns + ` FROM workspaces`
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

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const consumeAIQuery = `
	UPDATE workspaces
	SET ai_credits_remaining = ai_credits_remaining - $2,
		ai_credits_used = ai_credits_used + $2,
		updated_at = $3
	WHERE id = $1 AND deleted_at IS NULL AND health <> 'suspended' AND ai_credits_remaining >= $2
	RETURNING ` + workspaceColumns

const consumeEmailQuery = `
	UPDATE workspaces
	SET email_limit_remaining = email_limit_remaining - $2,
		emails_sent = emails_sent + $2,
		updated_at = $3
	WHERE id = $1 AND deleted_at IS NULL AND health <> 'suspended' AND email_limit_remaining >= $2
	RETURNING ` + workspaceColumns

func (p *PostgresStore) ConsumeAICredits(ctx context.Context, id string, n int64) (*Workspace, error) {
	return p.consume(ctx, consumeAIQuery, id, n)
}

func (p *PostgresStore) ConsumeEmailCredits(ctx context.Context, id string, n int64) (*Workspace, error) {
	return p.consume(ctx, consumeEmailQuery, id, n)
}

// consume runs the conditional decrement; when no row matches it reloads the
// workspace only to report why.
func (p *PostgresStore) consume(ctx context.Context, query, id string, n int64) (*Workspace, error) {
	if n <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := scanWorkspace(p.db.QueryRowContext(ctx, query, id, n, p.now()))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cur.Usable(); err != nil {
		return nil, err
	}
	return nil, ErrInsufficientCredits
}

func (p *PostgresStore) GrantCredits(ctx context.Context, id string, kind CreditKind, n int64, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, grantMutation(kind, n))
}

func (p *PostgresStore) ResetLimits(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, resetMutation())
}

func (p *PostgresStore) ChangeTier(ctx context.Context, id string, tier Tier, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, tierMutation(tier))
}

func (p *PostgresStore) Suspend(ctx context.Context, id, reason string, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, suspendMutation(reason))
}

func (p *PostgresStore) Reactivate(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, reactivateMutation())
}

func (p *PostgresStore) SetHealth(ctx context.Context, id string, h Health, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, healthMutation(h))
}

func (p *PostgresStore) SoftDelete(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, deleteMutation())
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, id string, u SubscriptionUpdate, entry *audit.Entry) (*Workspace, error) {
	return p.mutate(ctx, id, entry, subscriptionMutation(u))
}

// mutate locks the row, applies fn, writes the row and the audit entry, and
// commits them together.
func (p *PostgresStore) mutate(ctx context.Context, id string, entry *audit.Entry, fn mutation) (*Workspace, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := scanWorkspace(tx.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if w.IsDeleted() {
		return nil, ErrNotFound
	}

	now := p.now()
	if err := fn(w, entry, now); err != nil {
		return nil, err
	}
	w.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE workspaces SET tier = $2, subscription_status = $3, stripe_customer_id = $4,
			stripe_subscription_id = $5, ai_credits_remaining = $6, email_limit_remaining = $7,
			health = $8, suspended_at = $9, suspension_reason = $10, deleted_at = $11, updated_at = $12
		WHERE id = $1`,
		w.ID, string(w.Tier), string(w.SubscriptionStatus), nullString(w.StripeCustomerID),
		nullString(w.StripeSubscriptionID), w.AICreditsRemaining, w.EmailLimitRemaining,
		string(w.Health), nullTime(w.SuspendedAt), nullString(w.SuspensionReason), nullTime(w.DeletedAt),
		w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		if err := audit.Insert(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("workspace: append audit entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) CountContacts(ctx context.Context, id string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contacts WHERE workspace_id = $1 AND deleted_at IS NULL`, id).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountAutomations(ctx context.Context, id string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaigns
		WHERE workspace_id = $1 AND campaign_type = 'automation' AND deleted_at IS NULL`, id).Scan(&n)
	return n, err
}

func (p *PostgresStore) UsageSummary(ctx context.Context, top int) (*UsageSummary, error) {
	s := &UsageSummary{ByTier: make(map[Tier]TierUsage)}

	rows, err := p.db.QueryContext(ctx, `
		SELECT tier, COUNT(*), COALESCE(SUM(ai_credits_used), 0), COALESCE(SUM(emails_sent), 0)
		FROM workspaces WHERE deleted_at IS NULL GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var tier string
		var tu TierUsage
		if err := rows.Scan(&tier, &tu.Workspaces, &tu.AICreditsUsed, &tu.EmailsSent); err != nil {
			_ = rows.Close()
			return nil, err
		}
		s.ByTier[Tier(tier)] = tu
		s.TotalAICreditsUsed += tu.AICreditsUsed
		s.TotalEmailsSent += tu.EmailsSent
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT id, name, tier, ai_credits_used FROM workspaces
		WHERE deleted_at IS NULL
		ORDER BY ai_credits_used DESC, id ASC LIMIT $1`, top)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tc TopConsumer
		var tier string
		if err := rows.Scan(&tc.ID, &tc.Name, &tier, &tc.AICreditsUsed); err != nil {
			return nil, err
		}
		tc.Tier = Tier(tier)
		s.TopConsumers = append(s.TopConsumers, tc)
	}
	return s, rows.Err()
}

func (p *PostgresStore) BillingSummary(ctx context.Context) (*BillingSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tier, subscription_status, COUNT(*) FROM workspaces
		WHERE deleted_at IS NULL GROUP BY tier, subscription_status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	s := &BillingSummary{
		ByTier:   make(map[Tier]int),
		ByStatus: make(map[SubscriptionStatus]int),
	}
	for rows.Next() {
		var tier, status string
		var n int
		if err := rows.Scan(&tier, &status, &n); err != nil {
			return nil, err
		}
		s.ByTier[Tier(tier)] += n
		s.ByStatus[SubscriptionStatus(status)] += n
		if SubscriptionStatus(status) == SubscriptionActive && Tier(tier) != TierFree {
			s.PayingWorkspaces += n
			s.MonthlyRevenueCents += int64(n) * PolicyFor(tier).MonthlyPriceCents
		}
	}
	return s, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
