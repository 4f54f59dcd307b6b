/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Ledger and subscription changes go through the database procedures; the idempotency
 * claim on processed_payments shares their transaction so a retried webhook can never
 * credit twice.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrSubscriptionNotFound   = errors.New("active subscription not found")
	ErrQuizNotFound           = errors.New("quiz not found")
	ErrReferralNotFound       = errors.New("referral not found")
	ErrAlreadyProcessed       = errors.New("external transaction already processed")
	ErrIdempotencyUnavailable = errors.New("processed_payments table is missing; run migrations")
	ErrInvalidCredit          = errors.New("credit must have a positive amount, a type and a description")
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func validateCredit(credit domain.CoinCredit) error {
	if credit.TelegramID == 0 || credit.Amount <= 0 ||
		strings.TrimSpace(string(credit.Type)) == "" || strings.TrimSpace(credit.Description) == "" {
		return ErrInvalidCredit
	}
	return nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode credit metadata: %w", err)
	}
	return string(raw), nil
}

// procedureResult is the common shape of the JSON the billing procedures answer.
// A missing success field counts as success.
type procedureResult struct {
	Success      *bool      `json:"success"`
	NewBalance   int64      `json:"new_balance"`
	NeuronsAdded int64      `json:"neurons_added"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Error        string     `json:"error"`
}

func decodeProcedureResult(raw *string) (procedureResult, error) {
	var res procedureResult
	if raw == nil {
		return res, nil
	}
	text := strings.TrimSpace(*raw)
	switch text {
	case "", "null", "true", "t":
		return res, nil
	case "false", "f":
		failed := false
		res.Success = &failed
		return res, nil
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return res, fmt.Errorf("decode procedure result: %w", err)
	}
	return res, nil
}

func (p procedureResult) ok() bool {
	return p.Success == nil || *p.Success
}

func callAddCoins(ctx context.Context, q querier, credit domain.CoinCredit) (*domain.CreditResult, error) {
	metadata, err := encodeMetadata(credit.Metadata)
	if err != nil {
		return nil, err
	}

	var raw *string
	err = q.QueryRow(ctx,
		`SELECT add_coins(p_telegram_id => $1, p_amount => $2, p_type => $3, p_description => $4, p_metadata => $5::jsonb)::text`,
		credit.TelegramID, credit.Amount, string(credit.Type), credit.Description, metadata,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("add_coins: %w", err)
	}

	res, err := decodeProcedureResult(raw)
	if err != nil {
		return nil, err
	}
	return &domain.CreditResult{Success: res.ok(), NewBalance: res.NewBalance, Error: res.Error}, nil
}

// withClaim inserts the idempotency record and runs fn in the same transaction. fn
// returns commit=false to roll back (e.g. when the procedure reports failure), which
// releases the claim so the gateway's retry can succeed later.
func (r *PostgresRepository) withClaim(ctx context.Context, claim domain.ProcessedTransaction, fn func(tx pgx.Tx) (bool, error)) error {
	if strings.TrimSpace(claim.ExternalID) == "" {
		return fmt.Errorf("claim external id is required")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_payments (external_id, source, telegram_id) VALUES ($1, $2, $3) ON CONFLICT (external_id) DO NOTHING`,
		claim.ExternalID, string(claim.Source), claim.TelegramID,
	)
	if err != nil {
		if isUndefinedTableError(err) {
			return ErrIdempotencyUnavailable
		}
		if isUniqueViolation(err) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("claim external transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}

	commit, err := fn(tx)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}
	return tx.Commit(ctx)
}

// CreditCoins credits without an idempotency claim (referral bonuses ride on the
// claim of the purchase that triggered them).
func (r *PostgresRepository) CreditCoins(ctx context.Context, credit domain.CoinCredit) (*domain.CreditResult, error) {
	if err := validateCredit(credit); err != nil {
		return nil, err
	}
	return callAddCoins(ctx, r.db, credit)
}

func (r *PostgresRepository) CreditCoinsOnce(ctx context.Context, claim domain.ProcessedTransaction, credit domain.CoinCredit) (*domain.CreditResult, error) {
	if err := validateCredit(credit); err != nil {
		return nil, err
	}

	var result *domain.CreditResult
	err := r.withClaim(ctx, claim, func(tx pgx.Tx) (bool, error) {
		res, err := callAddCoins(ctx, tx, credit)
		if err != nil {
			return false, err
		}
		result = res
		return res.Success, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) CreateSubscriptionOnce(ctx context.Context, claim domain.ProcessedTransaction, sub domain.NewSubscription) (*domain.SubscriptionChange, error) {
	var change *domain.SubscriptionChange
	err := r.withClaim(ctx, claim, func(tx pgx.Tx) (bool, error) {
		var raw *string
		err := tx.QueryRow(ctx,
			`SELECT create_subscription(p_telegram_id => $1, p_plan => $2, p_contract_id => $3, p_amount_rub => $4, p_neurons_per_month => $5)::text`,
			sub.TelegramID, sub.Plan, sub.ContractID, sub.Amount, sub.NeuronsPerMonth,
		).Scan(&raw)
		if err != nil {
			return false, fmt.Errorf("create_subscription: %w", err)
		}
		res, err := decodeProcedureResult(raw)
		if err != nil {
			return false, err
		}
		neurons := res.NeuronsAdded
		if neurons == 0 {
			neurons = sub.NeuronsPerMonth
		}
		change = &domain.SubscriptionChange{Success: res.ok(), NeuronsAdded: neurons, ExpiresAt: res.ExpiresAt, Error: res.Error}
		return change.Success, nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (r *PostgresRepository) ExtendSubscriptionOnce(ctx context.Context, claim domain.ProcessedTransaction, telegramID int64, contractID string) (*domain.SubscriptionChange, error) {
	var change *domain.SubscriptionChange
	err := r.withClaim(ctx, claim, func(tx pgx.Tx) (bool, error) {
		var raw *string
		err := tx.QueryRow(ctx,
			`SELECT extend_subscription(p_telegram_id => $1, p_contract_id => $2)::text`,
			telegramID, contractID,
		).Scan(&raw)
		if err != nil {
			return false, fmt.Errorf("extend_subscription: %w", err)
		}
		res, err := decodeProcedureResult(raw)
		if err != nil {
			return false, err
		}
		change = &domain.SubscriptionChange{Success: res.ok(), NeuronsAdded: res.NeuronsAdded, ExpiresAt: res.ExpiresAt, Error: res.Error}
		return change.Success, nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

const subscriptionColumns = `id::text, telegram_id, plan, status, started_at, expires_at, cancelled_at, lava_contract_id`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.TelegramID, &s.Plan, &s.Status, &s.StartedAt, &s.ExpiresAt, &s.CancelledAt, &s.LavaContractID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindActiveSubscription returns the most recent active subscription of a user.
func (r *PostgresRepository) FindActiveSubscription(ctx context.Context, telegramID int64) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM user_subscriptions
		WHERE telegram_id = $1 AND status = 'active'
		ORDER BY expires_at DESC NULLS LAST
		LIMIT 1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// MarkSubscriptionCancelled transitions one subscription to cancelled. Rows are never deleted.
func (r *PostgresRepository) MarkSubscriptionCancelled(ctx context.Context, subscriptionID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_subscriptions SET status = 'cancelled', cancelled_at = $2 WHERE id::text = $1`,
		subscriptionID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// CancelSubscriptionByContract handles the gateway-initiated cancellation.
func (r *PostgresRepository) CancelSubscriptionByContract(ctx context.Context, contractID string, at time.Time) (*domain.Subscription, error) {
	query := `UPDATE user_subscriptions
		SET status = 'cancelled', cancelled_at = $2
		WHERE lava_contract_id = $1 AND status = 'active'
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, contractID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ExpireSubscriptions moves subscriptions past their paid period to expired and drops
// the tier of users who have no other live subscription.
func (r *PostgresRepository) ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `UPDATE user_subscriptions
		SET status = 'expired'
		WHERE status IN ('active', 'cancelled') AND expires_at < $1
		RETURNING `+subscriptionColumns, now)
	if err != nil {
		return nil, err
	}
	var expired []domain.Subscription
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		expired = append(expired, *sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.TelegramID)
	}
	_, err = tx.Exec(ctx, `UPDATE premium_clients pc
		SET plan = 'FREE'
		WHERE pc.telegram_id = ANY($1)
		  AND NOT EXISTS (
			SELECT 1 FROM user_subscriptions s
			WHERE s.telegram_id = pc.telegram_id AND s.status = 'active' AND s.expires_at >= $2
		  )`, ids, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

func (r *PostgresRepository) UpsertPlanTier(ctx context.Context, tier domain.PlanTier) error {
	_, err := r.db.Exec(ctx, `INSERT INTO premium_clients (telegram_id, plan, expires_at, username, first_name, source, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (telegram_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			expires_at = EXCLUDED.expires_at,
			username = COALESCE(EXCLUDED.username, premium_clients.username),
			first_name = COALESCE(EXCLUDED.first_name, premium_clients.first_name),
			source = EXCLUDED.source,
			payment_method = EXCLUDED.payment_method`,
		tier.TelegramID, tier.Plan, tier.ExpiresAt, tier.Username, tier.FirstName, tier.Source, tier.PaymentMethod,
	)
	return err
}

func (r *PostgresRepository) ExtendPlanTier(ctx context.Context, telegramID int64, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE premium_clients SET expires_at = $2 WHERE telegram_id = $1`, telegramID, expiresAt)
	return err
}

func (r *PostgresRepository) DowngradePlanTier(ctx context.Context, telegramID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE premium_clients SET plan = $2 WHERE telegram_id = $1`, telegramID, domain.PlanTierFree)
	return err
}

func (r *PostgresRepository) RecordPayment(ctx context.Context, payment domain.PaymentRecord) error {
	paidAt := payment.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO payments (telegram_id, amount, currency, source, payment_method, paid_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6)`,
		payment.TelegramID, payment.Amount.String(), payment.Currency, string(payment.Source), payment.Method, paidAt,
	)
	return err
}

func (r *PostgresRepository) FindReferrer(ctx context.Context, telegramID int64) (int64, error) {
	var referrer *int64
	err := r.db.QueryRow(ctx,
		`SELECT referrer_telegram_id FROM referrals WHERE referred_telegram_id = $1 LIMIT 1`,
		telegramID,
	).Scan(&referrer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrReferralNotFound
		}
		return 0, err
	}
	if referrer == nil || *referrer == 0 || *referrer == telegramID {
		return 0, ErrReferralNotFound
	}
	return *referrer, nil
}

func (r *PostgresRepository) FindUser(ctx context.Context, telegramID int64) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx,
		`SELECT telegram_id, username, first_name FROM users WHERE telegram_id = $1`,
		telegramID,
	).Scan(&u.TelegramID, &u.Username, &u.FirstName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PostgresRepository) FindQuiz(ctx context.Context, quizID string) (*domain.Quiz, error) {
	var q domain.Quiz
	var title *string
	err := r.db.QueryRow(ctx,
		`SELECT id::text, title, telegram_id FROM quizzes WHERE id::text = $1`,
		quizID,
	).Scan(&q.ID, &title, &q.OwnerTelegramID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuizNotFound
		}
		return nil, err
	}
	if title != nil {
		q.Title = *title
	}
	return &q, nil
}
