// Package pgstore implements billing.Store on PostgreSQL using pgx.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/splitkit/pkg/pg"
	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

//go:embed migrations/*.sql
var migrations embed.FS

const openSubscriptionIndex = "subscriptions_one_open_per_user"

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return pg.Migrate(ctx, pool, fsys, log)
}

// Store implements billing.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a store over an already migrated database.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const subscriptionColumns = `id, user_id, plan_type, status, start_date, end_date, auto_renew,
	price_amount, price_currency, provider_subscription_id, provider_customer_id,
	last_event_at, last_period_end, version, created_at, updated_at`

func (s *Store) LatestForUser(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		ORDER BY (status IN ('active', 'past_due')) DESC, created_at DESC
		LIMIT 1`, userID)
	return scanSubscription(row)
}

// CreateSubscription inserts without ON CONFLICT so the violated constraint
// tells an open subscription apart from any other duplicate.
func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		subscriptionArgs(sub)...)
	if err != nil {
		if pg.IsDuplicateKeyError(err) && pg.ConstraintName(err) == openSubscriptionIndex {
			return billing.ErrAlreadySubscribed
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *Store) LatestPayment(ctx context.Context, subscriptionID uuid.UUID) (*billing.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, subscription_id, amount, currency, status, provider_payment_id, created_at
		FROM subscription_payments
		WHERE subscription_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`, subscriptionID)

	p, err := scanPayment(row)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) PaymentsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]billing.Payment, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.id, p.subscription_id, p.amount, p.currency, p.status, p.provider_payment_id, p.created_at
		FROM subscription_payments p
		JOIN subscriptions s ON s.id = p.subscription_id
		WHERE s.user_id = $1
		ORDER BY p.created_at DESC, p.seq DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{q: tx})
	})
}

type txStore struct {
	q querier
}

func (t *txStore) AdmitEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `INSERT INTO processed_events (provider_event_id, processed_at)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, eventID, processedAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txStore) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	row := t.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider_subscription_id = $1`, providerSubscriptionID)
	return scanSubscription(row)
}

// UpsertOnCheckoutCompleted relies on ON CONFLICT DO NOTHING: a unique
// violation would abort the surrounding transaction.
func (t *txStore) UpsertOnCheckoutCompleted(ctx context.Context, sub *billing.Subscription) (bool, error) {
	tag, err := t.q.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT DO NOTHING`, subscriptionArgs(sub)...)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE provider_subscription_id = $1)`,
		sub.ProviderSubscriptionID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, billing.ErrAlreadySubscribed
	}
	return false, nil
}

func (t *txStore) ApplyTransition(ctx context.Context, next *billing.Subscription, ifVersion int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE subscriptions SET
			status = $1, end_date = $2, auto_renew = $3, last_event_at = $4, last_period_end = $5,
			version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(next.Status),
		nullTime(next.EndDate),
		next.AutoRenew,
		nullTime(&next.Clock.At),
		nullTime(&next.Clock.PeriodEnd),
		next.UpdatedAt.UTC(),
		next.ID,
		ifVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrConcurrentUpdate
	}
	next.Version = ifVersion + 1
	return nil
}

func (t *txStore) InsertPaymentIfAbsent(ctx context.Context, p *billing.Payment) (bool, error) {
	tag, err := t.q.Exec(ctx, `INSERT INTO subscription_payments
			(id, subscription_id, amount, currency, status, provider_payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		p.ID,
		p.SubscriptionID,
		p.Amount.Amount,
		p.Amount.Currency,
		string(p.Status),
		nullString(p.ProviderPaymentID),
		p.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func subscriptionArgs(sub *billing.Subscription) []any {
	return []any{
		sub.ID,
		sub.UserID,
		string(sub.PlanType),
		string(sub.Status),
		sub.StartDate.UTC(),
		nullTime(sub.EndDate),
		sub.AutoRenew,
		sub.Price.Amount,
		sub.Price.Currency,
		nullString(sub.ProviderSubscriptionID),
		nullString(sub.ProviderCustomerID),
		nullTime(&sub.Clock.At),
		nullTime(&sub.Clock.PeriodEnd),
		sub.Version,
		sub.CreatedAt.UTC(),
		sub.UpdatedAt.UTC(),
	}
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub                         billing.Subscription
		plan, status                string
		end, lastEvent, lastPeriod  *time.Time
		providerSub, providerCustom *string
	)
	err := row.Scan(&sub.ID, &sub.UserID, &plan, &status, &sub.StartDate, &end, &sub.AutoRenew,
		&sub.Price.Amount, &sub.Price.Currency, &providerSub, &providerCustom,
		&lastEvent, &lastPeriod, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.PlanType = plans.PlanType(plan)
	sub.Status = billing.Status(status)
	sub.StartDate = sub.StartDate.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if end != nil {
		t := end.UTC()
		sub.EndDate = &t
	}
	if lastEvent != nil {
		sub.Clock.At = lastEvent.UTC()
	}
	if lastPeriod != nil {
		sub.Clock.PeriodEnd = lastPeriod.UTC()
	}
	if providerSub != nil {
		sub.ProviderSubscriptionID = *providerSub
	}
	if providerCustom != nil {
		sub.ProviderCustomerID = *providerCustom
	}
	return &sub, nil
}

func scanPayment(row pgx.Row) (*billing.Payment, error) {
	var (
		p          billing.Payment
		status     string
		providerID *string
	)
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.Amount.Amount, &p.Amount.Currency, &status, &providerID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = billing.PaymentStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	if providerID != nil {
		p.ProviderPaymentID = *providerID
	}
	return &p, nil
}

func nullTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
