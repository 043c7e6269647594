// Package sqlitestore implements billing.Store on SQLite (modernc.org/sqlite).
// Timestamps are stored as fixed-width UTC text so that they sort correctly.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens a SQLite database. SQLite serializes writers, so the pool is
// limited to one connection; this also keeps ":memory:" databases shared.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Store implements billing.Store.
type Store struct {
	db *sql.DB
}

// New returns a store over an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const subscriptionColumns = `id, user_id, plan_type, status, start_date, end_date, auto_renew,
	price_amount, price_currency, provider_subscription_id, provider_customer_id,
	last_event_at, last_period_end, version, created_at, updated_at`

func (s *Store) LatestForUser(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ?
		ORDER BY CASE WHEN status IN ('active', 'past_due') THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1`, userID.String())
	return scanSubscription(row)
}

func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	inserted, err := insertSubscription(ctx, s.db, sub)
	if err != nil {
		return err
	}
	if !inserted {
		return billing.ErrAlreadySubscribed
	}
	return nil
}

func (s *Store) LatestPayment(ctx context.Context, subscriptionID uuid.UUID) (*billing.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, subscription_id, amount, currency, status, provider_payment_id, created_at
		FROM subscription_payments
		WHERE subscription_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, subscriptionID.String())

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) PaymentsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]billing.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT p.id, p.subscription_id, p.amount, p.currency, p.status, p.provider_payment_id, p.created_at
		FROM subscription_payments p
		JOIN subscriptions s ON s.id = p.subscription_id
		WHERE s.user_id = ?
		ORDER BY p.created_at DESC, p.rowid DESC
		LIMIT ?`, userID.String(), limit)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, &txStore{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type txStore struct {
	q querier
}

func (t *txStore) AdmitEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `INSERT INTO processed_events (provider_event_id, processed_at)
		VALUES (?, ?) ON CONFLICT DO NOTHING`, eventID, formatTime(processedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *txStore) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider_subscription_id = ?`, providerSubscriptionID)
	return scanSubscription(row)
}

func (t *txStore) UpsertOnCheckoutCompleted(ctx context.Context, sub *billing.Subscription) (bool, error) {
	inserted, err := insertSubscription(ctx, t.q, sub)
	if err != nil || inserted {
		return inserted, err
	}

	var exists bool
	err = t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE provider_subscription_id = ?)`,
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
	res, err := t.q.ExecContext(ctx, `UPDATE subscriptions SET
			status = ?, end_date = ?, auto_renew = ?, last_event_at = ?, last_period_end = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status),
		nullTime(next.EndDate),
		next.AutoRenew,
		nullTime(&next.Clock.At),
		nullTime(&next.Clock.PeriodEnd),
		formatTime(next.UpdatedAt),
		next.ID.String(),
		ifVersion,
	)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return billing.ErrConcurrentUpdate
	}
	next.Version = ifVersion + 1
	return nil
}

func (t *txStore) InsertPaymentIfAbsent(ctx context.Context, p *billing.Payment) (bool, error) {
	res, err := t.q.ExecContext(ctx, `INSERT INTO subscription_payments
			(id, subscription_id, amount, currency, status, provider_payment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		p.ID.String(),
		p.SubscriptionID.String(),
		p.Amount.Amount,
		p.Amount.Currency,
		string(p.Status),
		nullString(p.ProviderPaymentID),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func insertSubscription(ctx context.Context, q querier, sub *billing.Subscription) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		sub.ID.String(),
		sub.UserID.String(),
		string(sub.PlanType),
		string(sub.Status),
		formatTime(sub.StartDate),
		nullTime(sub.EndDate),
		sub.AutoRenew,
		sub.Price.Amount,
		sub.Price.Currency,
		nullString(sub.ProviderSubscriptionID),
		nullString(sub.ProviderCustomerID),
		nullTime(&sub.Clock.At),
		nullTime(&sub.Clock.PeriodEnd),
		sub.Version,
		formatTime(sub.CreatedAt),
		formatTime(sub.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return affected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*billing.Subscription, error) {
	var (
		sub                         billing.Subscription
		id, userID, plan, status    string
		start, created, updated     string
		end, lastEvent, lastPeriod  sql.NullString
		providerSub, providerCustom sql.NullString
	)
	err := row.Scan(&id, &userID, &plan, &status, &start, &end, &sub.AutoRenew,
		&sub.Price.Amount, &sub.Price.Currency, &providerSub, &providerCustom,
		&lastEvent, &lastPeriod, &sub.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	var errs []error
	sub.ID, err = uuid.Parse(id)
	errs = append(errs, err)
	sub.UserID, err = uuid.Parse(userID)
	errs = append(errs, err)
	sub.StartDate, err = parseTime(start)
	errs = append(errs, err)
	sub.CreatedAt, err = parseTime(created)
	errs = append(errs, err)
	sub.UpdatedAt, err = parseTime(updated)
	errs = append(errs, err)
	sub.EndDate, err = parseNullTime(end)
	errs = append(errs, err)
	if t, err := parseNullTime(lastEvent); err != nil {
		errs = append(errs, err)
	} else if t != nil {
		sub.Clock.At = *t
	}
	if t, err := parseNullTime(lastPeriod); err != nil {
		errs = append(errs, err)
	} else if t != nil {
		sub.Clock.PeriodEnd = *t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", id, err)
	}

	sub.PlanType = plans.PlanType(plan)
	sub.Status = billing.Status(status)
	sub.ProviderSubscriptionID = providerSub.String
	sub.ProviderCustomerID = providerCustom.String
	return &sub, nil
}

func scanPayment(row scanner) (*billing.Payment, error) {
	var (
		p                     billing.Payment
		id, subID, status, at string
		providerID            sql.NullString
	)
	if err := row.Scan(&id, &subID, &p.Amount.Amount, &p.Amount.Currency, &status, &providerID, &at); err != nil {
		return nil, err
	}

	var err1, err2, err3 error
	p.ID, err1 = uuid.Parse(id)
	p.SubscriptionID, err2 = uuid.Parse(subID)
	p.CreatedAt, err3 = parseTime(at)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	p.Status = billing.PaymentStatus(status)
	p.ProviderPaymentID = providerID.String
	return &p, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
