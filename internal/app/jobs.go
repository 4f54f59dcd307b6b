/**
 * @description
 * Scheduled job implementations for the billing service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/aiciti/billing-service/internal/config"
	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/pkg/rabbitmq"
)

// ExpiryRepository defines database operations needed by the jobs.
type ExpiryRepository interface {
	ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo   ExpiryRepository
	events rabbitmq.Publisher
	logger *slog.Logger
	config config.Config
	now    func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo ExpiryRepository, events rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *Jobs {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &Jobs{
		repo:   repo,
		events: events,
		logger: logger,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ExpireSubscriptions moves subscriptions past their paid period to expired and drops
// their tier back to FREE.
func (j *Jobs) ExpireSubscriptions() {
	j.logger.Info("starting subscription expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired, err := j.repo.ExpireSubscriptions(ctx, j.now())
	if err != nil {
		j.logger.Error("failed to expire subscriptions", "error", err)
		return
	}

	if len(expired) == 0 {
		j.logger.Info("no subscriptions to expire")
		return
	}

	for _, sub := range expired {
		event := domain.NewBillingEvent(domain.EventSubscriptionExpired, sub.TelegramID)
		event.Plan = sub.Plan
		if sub.LavaContractID != nil {
			event.ExternalID = *sub.LavaContractID
		}
		if err := j.events.PublishEvent(ctx, event.Type, event); err != nil {
			j.logger.Warn("failed to publish expiry event", "subscription_id", sub.ID, "telegram_id", sub.TelegramID, "error", err)
		}
	}

	j.logger.Info("subscription expiry job finished", "expired", len(expired))
}
