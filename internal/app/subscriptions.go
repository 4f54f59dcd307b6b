package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
)

// CancelResult is the outcome of a user-initiated cancellation.
type CancelResult struct {
	Message   string
	ExpiresAt *time.Time
	Warnings  []string
}

// CancelSubscription cancels the user's active subscription. The gateway call is best
// effort; the local row always moves to cancelled and keeps access until ExpiresAt.
func (s *Service) CancelSubscription(ctx context.Context, telegramID int64) (*CancelResult, error) {
	if telegramID == 0 {
		return nil, fmt.Errorf("%w: telegramId is required", ErrInvalidRequest)
	}

	sub, err := s.repo.FindActiveSubscription(ctx, telegramID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, &NotFoundError{Resource: "active subscription"}
		}
		return nil, fmt.Errorf("find active subscription: %w", err)
	}

	result := &CancelResult{ExpiresAt: sub.ExpiresAt}
	switch {
	case sub.LavaContractID == nil || *sub.LavaContractID == "":
		result.Warnings = append(result.Warnings, "subscription has no gateway contract; cancelled locally")
	case s.gateway == nil || !s.gateway.Configured():
		result.Warnings = append(result.Warnings, "gateway not configured; cancelled locally")
	default:
		if err := s.gateway.CancelSubscription(ctx, *sub.LavaContractID); err != nil {
			log.Printf("level=warn component=subscriptions telegram_id=%d contract_id=%s msg=\"gateway cancellation failed; cancelling locally\" err=%v", telegramID, *sub.LavaContractID, err)
			result.Warnings = append(result.Warnings, "gateway cancellation failed: "+err.Error())
		}
	}

	now := s.now()
	if err := s.repo.MarkSubscriptionCancelled(ctx, sub.ID, now); err != nil {
		return nil, fmt.Errorf("mark subscription cancelled: %w", err)
	}
	if err := s.repo.DowngradePlanTier(ctx, telegramID); err != nil {
		log.Printf("level=warn component=subscriptions telegram_id=%d msg=\"plan tier downgrade failed\" err=%v", telegramID, err)
		result.Warnings = append(result.Warnings, "plan tier downgrade failed: "+err.Error())
	}

	event := domain.NewBillingEvent(domain.EventSubscriptionCancelled, telegramID)
	event.Plan = sub.Plan
	event.OccurredAt = now
	if sub.LavaContractID != nil {
		event.ExternalID = *sub.LavaContractID
	}
	if w := s.publish(ctx, event); w != "" {
		result.Warnings = append(result.Warnings, w)
	}

	log.Printf("level=info component=subscriptions telegram_id=%d subscription_id=%s msg=\"subscription cancelled\"", telegramID, sub.ID)
	result.Message = "Подписка отменена. Доступ сохранится до конца оплаченного периода."
	return result, nil
}
