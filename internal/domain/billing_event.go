package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the billing_events exchange.
const (
	EventCoinsCredited         = "coins.credited"
	EventSubscriptionCreated   = "subscription.created"
	EventSubscriptionExtended  = "subscription.extended"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionExpired   = "subscription.expired"
	EventRefundCredited        = "refund.credited"
)

// BillingEvent is the payload other services consume after a settlement.
type BillingEvent struct {
	ID         uuid.UUID     `json:"id"`
	Type       string        `json:"type"`
	TelegramID int64         `json:"telegram_id"`
	Coins      int64         `json:"coins,omitempty"`
	Plan       string        `json:"plan,omitempty"`
	PackageID  string        `json:"package_id,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	Source     PaymentSource `json:"source,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewBillingEvent stamps an event with a fresh id and the current time.
func NewBillingEvent(eventType string, telegramID int64) BillingEvent {
	return BillingEvent{
		ID:         uuid.New(),
		Type:       eventType,
		TelegramID: telegramID,
		OccurredAt: time.Now().UTC(),
	}
}
