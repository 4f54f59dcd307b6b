/**
 * @description
 * Domain models for the coin ledger. Balances live in the database and only move
 * through the `add_coins` stored procedure; these types describe what is sent to it
 * and what it answers.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditType is the typed reason attached to every ledger credit.
type CreditType string

const (
	CreditTypePurchase      CreditType = "purchase"
	CreditTypeReferralBonus CreditType = "referral_bonus"
	CreditTypeBonus         CreditType = "bonus"
)

// CoinCredit is a single append-only positive adjustment of a user's balance.
type CoinCredit struct {
	TelegramID  int64          `json:"telegram_id"`
	Amount      int64          `json:"amount"`
	Type        CreditType     `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CreditResult mirrors the JSON object returned by add_coins.
type CreditResult struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance"`
	Error      string `json:"error,omitempty"`
}

// PaymentSource identifies the gateway that settled a payment.
type PaymentSource string

const (
	PaymentSourceLava     PaymentSource = "lava.top"
	PaymentSourceProdamus PaymentSource = "prodamus"
	PaymentSourceRefund   PaymentSource = "refund"
)

// ProcessedTransaction is the idempotency record that guards a credit. ExternalID is
// unique and inserted in the same database transaction as the credit itself.
type ProcessedTransaction struct {
	ExternalID string        `json:"external_id"`
	Source     PaymentSource `json:"source"`
	TelegramID int64         `json:"telegram_id"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PaymentRecord is the bookkeeping row written to `payments` for the admin panel.
type PaymentRecord struct {
	TelegramID int64           `json:"telegram_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Source     PaymentSource   `json:"source"`
	Method     string          `json:"payment_method"`
	PaidAt     time.Time       `json:"paid_at"`
}

// Payment methods stored on PaymentRecord.Method.
const (
	PaymentMethodOneTime       = "one_time"
	PaymentMethodSubscription  = "subscription"
	PaymentMethodRecurring     = "subscription_recurring"
	PaymentMethodProdamusCoins = "prodamus_coins"
)

// User is the subset of the users table the billing flows read.
type User struct {
	TelegramID int64   `json:"telegram_id"`
	Username   *string `json:"username,omitempty"`
	FirstName  *string `json:"first_name,omitempty"`
}

// DisplayName returns the best human label for notifications.
func (u *User) DisplayName(fallback string) string {
	if u == nil {
		return fallback
	}
	if u.FirstName != nil && *u.FirstName != "" {
		return *u.FirstName
	}
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	return fallback
}
