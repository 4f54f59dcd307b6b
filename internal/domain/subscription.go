package domain

import "time"

// Subscription statuses. A cancelled subscription keeps access until ExpiresAt.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusPending   = "pending"
)

// Tier names stored in premium_clients.plan.
const (
	PlanTierFree = "FREE"
)

// SubscriptionPeriod is how long one paid period lasts.
const SubscriptionPeriod = 30 * 24 * time.Hour

// Subscription represents a row of user_subscriptions.
type Subscription struct {
	ID             string     `json:"id"`
	TelegramID     int64      `json:"telegram_id"`
	Plan           string     `json:"plan"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	LavaContractID *string    `json:"lava_contract_id,omitempty"`
}

// PlanTier is the premium_clients row used by the admin panel and feature gates.
type PlanTier struct {
	TelegramID    int64      `json:"telegram_id"`
	Plan          string     `json:"plan"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Username      *string    `json:"username,omitempty"`
	FirstName     *string    `json:"first_name,omitempty"`
	Source        string     `json:"source,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
}

// NewSubscription carries the create_subscription arguments.
type NewSubscription struct {
	TelegramID      int64
	Plan            string
	ContractID      string
	Amount          float64
	NeuronsPerMonth int64
}

// SubscriptionChange is what create_subscription / extend_subscription answer.
type SubscriptionChange struct {
	Success      bool       `json:"success"`
	NeuronsAdded int64      `json:"neurons_added"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}
