/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the billing flows need. Coin balances are owned by database procedures
 * (add_coins, create_subscription, extend_subscription); the repository calls them and
 * guards each call with a processed_payments claim when the caller supplies one.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/aiciti/billing-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Ledger methods
	CreditCoins(ctx context.Context, credit domain.CoinCredit) (*domain.CreditResult, error)
	// CreditCoinsOnce claims the external id and credits in one transaction. A second
	// call with the same external id returns ErrAlreadyProcessed and credits nothing.
	CreditCoinsOnce(ctx context.Context, claim domain.ProcessedTransaction, credit domain.CoinCredit) (*domain.CreditResult, error)

	// Subscription methods
	CreateSubscriptionOnce(ctx context.Context, claim domain.ProcessedTransaction, sub domain.NewSubscription) (*domain.SubscriptionChange, error)
	ExtendSubscriptionOnce(ctx context.Context, claim domain.ProcessedTransaction, telegramID int64, contractID string) (*domain.SubscriptionChange, error)
	FindActiveSubscription(ctx context.Context, telegramID int64) (*domain.Subscription, error)
	MarkSubscriptionCancelled(ctx context.Context, subscriptionID string, at time.Time) error
	CancelSubscriptionByContract(ctx context.Context, contractID string, at time.Time) (*domain.Subscription, error)
	ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error)

	// Plan tier methods
	UpsertPlanTier(ctx context.Context, tier domain.PlanTier) error
	ExtendPlanTier(ctx context.Context, telegramID int64, expiresAt time.Time) error
	DowngradePlanTier(ctx context.Context, telegramID int64) error

	// Bookkeeping and lookups
	RecordPayment(ctx context.Context, payment domain.PaymentRecord) error
	FindReferrer(ctx context.Context, telegramID int64) (int64, error)
	FindUser(ctx context.Context, telegramID int64) (*domain.User, error)
	FindQuiz(ctx context.Context, quizID string) (*domain.Quiz, error)
}
