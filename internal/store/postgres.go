package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmready/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const userColumns = `id, email, password_hash, full_name, status, role, created_at, updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Status, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

func (t *pgTx) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	created, err := scanUser(t.tx.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, full_name, status, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns,
		user.Email, user.PasswordHash, user.FullName, user.Status, user.Role))
	if isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	return created, err
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (t *pgTx) DeleteUser(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const subscriptionColumns = `id, user_id, plan_tier, billing_interval, status, stripe_customer_id,
	stripe_subscription_id, stripe_price_id, current_period_start, current_period_end,
	cancel_at_period_end, generations_used, generations_limit, websites_used, websites_limit,
	canceled_at, past_due_since, created_at, updated_at`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.PlanTier, &s.BillingInterval, &s.Status, &s.StripeCustomerID,
		&s.StripeSubscriptionID, &s.StripePriceID, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.GenerationsUsed, &s.GenerationsLimit, &s.WebsitesUsed, &s.WebsitesLimit,
		&s.CanceledAt, &s.PastDueSince, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNotFound
	}
	return s, err
}

func (t *pgTx) SubscriptionByUser(ctx context.Context, userID int64) (models.Subscription, error) {
	return scanSubscription(t.tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgTx) SubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return models.Subscription{}, ErrNotFound
	}
	return scanSubscription(t.tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1 FOR UPDATE`,
		stripeSubscriptionID))
}

func (t *pgTx) SubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (models.Subscription, error) {
	if stripeCustomerID == "" {
		return models.Subscription{}, ErrNotFound
	}
	return scanSubscription(t.tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE stripe_customer_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
		FOR UPDATE`, stripeCustomerID))
}

func (t *pgTx) InsertSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error) {
	created, err := scanSubscription(t.tx.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, plan_tier, billing_interval, status, stripe_customer_id,
			stripe_subscription_id, stripe_price_id, current_period_start, current_period_end,
			cancel_at_period_end, generations_used, generations_limit, websites_used, websites_limit, canceled_at,
			past_due_since)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.PlanTier, sub.BillingInterval, sub.Status, sub.StripeCustomerID,
		sub.StripeSubscriptionID, sub.StripePriceID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.GenerationsUsed, sub.GenerationsLimit, sub.WebsitesUsed, sub.WebsitesLimit, sub.CanceledAt,
		sub.PastDueSince))
	if isUniqueViolation(err) {
		return models.Subscription{}, ErrConflict
	}
	return created, err
}

func (t *pgTx) UpdateSubscription(ctx context.Context, sub models.Subscription) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET
			plan_tier = $2,
			billing_interval = $3,
			status = $4,
			stripe_customer_id = $5,
			stripe_subscription_id = $6,
			stripe_price_id = $7,
			current_period_start = $8,
			current_period_end = $9,
			cancel_at_period_end = $10,
			generations_used = $11,
			generations_limit = $12,
			websites_used = $13,
			websites_limit = $14,
			canceled_at = $15,
			past_due_since = $16,
			updated_at = $17
		WHERE id = $1`,
		sub.ID, sub.PlanTier, sub.BillingInterval, sub.Status, sub.StripeCustomerID,
		sub.StripeSubscriptionID, sub.StripePriceID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.GenerationsUsed, sub.GenerationsLimit, sub.WebsitesUsed, sub.WebsitesLimit,
		sub.CanceledAt, sub.PastDueSince, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListUnsettledSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE stripe_subscription_id IS NOT NULL
			AND status NOT IN ($1, $2, $3)
		ORDER BY id`,
		models.SubscriptionActive, models.SubscriptionTrialing, models.SubscriptionCanceled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (t *pgTx) ResetGenerationsUsed(ctx context.Context) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE subscriptions SET generations_used = 0 WHERE generations_used <> 0`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM billing_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (t *pgTx) LatestProcessedEventTime(ctx context.Context, eventType string) (int64, bool, error) {
	var latest *int64
	err := t.tx.QueryRow(ctx, `
		SELECT MAX(event_created) FROM billing_events
		WHERE event_type = $1 AND status = $2`, eventType, models.EventStatusProcessed).Scan(&latest)
	if err != nil {
		return 0, false, err
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, event models.BillingEvent) error {
	processedAt := event.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	// A savepoint keeps the outer transaction usable after a unique violation.
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = nested.Exec(ctx, `
		INSERT INTO billing_events (event_id, event_type, event_created, status, processed_at, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID, event.EventType, event.EventCreated, event.Status, processedAt, event.ErrorDetail)
	if err != nil {
		_ = nested.Rollback(ctx)
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nested.Commit(ctx)
}

const generationColumns = `id, user_id, status, created_at, finished_at`

func scanGeneration(row pgx.Row) (models.GenerationRecord, error) {
	var g models.GenerationRecord
	err := row.Scan(&g.ID, &g.UserID, &g.Status, &g.CreatedAt, &g.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationRecord{}, ErrNotFound
	}
	return g, err
}

func (t *pgTx) InsertGeneration(ctx context.Context, gen models.GenerationRecord) (models.GenerationRecord, error) {
	status := gen.Status
	if status == "" {
		status = models.GenerationPending
	}
	created, err := scanGeneration(t.tx.QueryRow(ctx, `
		INSERT INTO generations (user_id, status) VALUES ($1, $2)
		RETURNING `+generationColumns, gen.UserID, status))
	if isForeignKeyViolation(err) {
		return models.GenerationRecord{}, ErrNotFound
	}
	return created, err
}

func (t *pgTx) GetGeneration(ctx context.Context, id int64) (models.GenerationRecord, error) {
	return scanGeneration(t.tx.QueryRow(ctx, `
		SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateGeneration(ctx context.Context, gen models.GenerationRecord) error {
	tag, err := t.tx.Exec(ctx, `UPDATE generations SET status = $2, finished_at = $3 WHERE id = $1`,
		gen.ID, gen.Status, gen.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountCompletedGenerations(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(1) FROM generations
		WHERE user_id = $1 AND status = $2 AND created_at >= $3`,
		userID, models.GenerationCompleted, since).Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

func isForeignKeyViolation(err error) bool {
	return hasCode(err, "23503")
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
