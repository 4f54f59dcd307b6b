package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

// Settlement actions.
const (
	ActionIgnored               = "ignored"
	ActionDuplicate             = "duplicate"
	ActionCoinsPurchased        = "coins_purchased"
	ActionSubscriptionCreated   = "subscription_created"
	ActionSubscriptionExtended  = "subscription_extended"
	ActionSubscriptionCancelled = "subscription_cancelled"
)

// Settlement is the outcome of a processed gateway notification. Warnings list the
// best-effort steps that failed after the primary credit succeeded.
type Settlement struct {
	Action        string
	Message       string
	TelegramID    int64
	ExternalID    string
	CoinsAdded    int64
	NewBalance    int64
	PackageID     string
	PlanID        string
	ReferralBonus int64
	Warnings      []string
}

func (st *Settlement) warn(msg string) {
	if msg != "" {
		st.Warnings = append(st.Warnings, msg)
	}
}

func (st *Settlement) warnAll(msgs []string) {
	for _, m := range msgs {
		st.warn(m)
	}
}

// referralBonus is floor(coins * percent / 100).
func referralBonus(coins, percent int64) int64 {
	if coins <= 0 || percent <= 0 {
		return 0
	}
	return coins * percent / 100
}

// payReferralBonus credits the buyer's referrer. Every failure is a warning: the buyer's
// credit is already committed and must not be undone.
func (s *Service) payReferralBonus(ctx context.Context, st *Settlement, buyerID, coins int64, buyer *domain.User, what string) {
	referrerID, err := s.repo.FindReferrer(ctx, buyerID)
	if err != nil {
		if !errors.Is(err, store.ErrReferralNotFound) {
			log.Printf("level=warn component=referrals buyer_id=%d msg=\"referrer lookup failed\" err=%v", buyerID, err)
			st.warn("referrer lookup failed: " + err.Error())
		}
		return
	}

	bonus := referralBonus(coins, s.settings.ReferralBonusPercent)
	if bonus <= 0 {
		return
	}

	res, err := s.repo.CreditCoins(ctx, domain.CoinCredit{
		TelegramID:  referrerID,
		Amount:      bonus,
		Type:        domain.CreditTypeReferralBonus,
		Description: fmt.Sprintf("Реферальный бонус %d%% за покупку партнёра (%d нейронов)", s.settings.ReferralBonusPercent, coins),
		Metadata: map[string]any{
			"source":               "referral",
			"referred_telegram_id": buyerID,
			"coins_purchased":      coins,
			"external_id":          st.ExternalID,
		},
	})
	if err != nil {
		log.Printf("level=warn component=referrals referrer_id=%d buyer_id=%d msg=\"referral bonus failed\" err=%v", referrerID, buyerID, err)
		st.warn("referral bonus failed: " + err.Error())
		return
	}
	if !res.Success {
		log.Printf("level=warn component=referrals referrer_id=%d buyer_id=%d msg=\"referral bonus rejected\" reason=%q", referrerID, buyerID, res.Error)
		st.warn("referral bonus rejected: " + res.Error)
		return
	}

	st.ReferralBonus = bonus
	log.Printf("level=info component=referrals referrer_id=%d buyer_id=%d bonus=%d msg=\"referral bonus credited\"", referrerID, buyerID, bonus)
	st.warn(s.notifyUser(ctx, referrerID, referralNotice(buyer.DisplayName(buyerFallbackName), bonus, what)))
}

// lookupUser is best effort; a missing user only degrades notification text.
func (s *Service) lookupUser(ctx context.Context, telegramID int64) *domain.User {
	u, err := s.repo.FindUser(ctx, telegramID)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			log.Printf("level=warn component=settlement telegram_id=%d msg=\"user lookup failed\" err=%v", telegramID, err)
		}
		return nil
	}
	return u
}

func (s *Service) recordPayment(ctx context.Context, st *Settlement, p domain.PaymentRecord) {
	if p.PaidAt.IsZero() {
		p.PaidAt = s.now()
	}
	if err := s.repo.RecordPayment(ctx, p); err != nil {
		log.Printf("level=warn component=settlement telegram_id=%d msg=\"payment record failed\" err=%v", p.TelegramID, err)
		st.warn("payment record failed: " + err.Error())
	}
}

// coinPurchase is a paid coin package from either gateway.
type coinPurchase struct {
	TelegramID int64
	PackageID  string
	Coins      int64
	Amount     decimal.Decimal
	Currency   string
	Source     domain.PaymentSource
	ExternalID string
	Reference  string
	Method     string
	Metadata   map[string]any
}

func (p coinPurchase) description() string {
	if p.Source == domain.PaymentSourceProdamus {
		return fmt.Sprintf("Покупка через Prodamus: %s (%d нейронов) за %s₽", p.PackageID, p.Coins, p.Amount.String())
	}
	return fmt.Sprintf("Покупка пакета %s (%d нейронов) за %s", strings.ToUpper(p.PackageID), p.Coins, money(p.Amount, p.Currency))
}

// settleCoinPurchase claims the external id, credits the buyer and runs the
// best-effort follow-ups.
func (s *Service) settleCoinPurchase(ctx context.Context, p coinPurchase, st *Settlement) (*Settlement, error) {
	st.TelegramID = p.TelegramID
	st.ExternalID = p.ExternalID
	st.PackageID = p.PackageID

	claim := domain.ProcessedTransaction{ExternalID: p.ExternalID, Source: p.Source, TelegramID: p.TelegramID}
	res, err := s.repo.CreditCoinsOnce(ctx, claim, domain.CoinCredit{
		TelegramID:  p.TelegramID,
		Amount:      p.Coins,
		Type:        domain.CreditTypePurchase,
		Description: p.description(),
		Metadata:    p.Metadata,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			log.Printf("level=info component=settlement external_id=%s msg=\"duplicate notification blocked\"", p.ExternalID)
			st.Action = ActionDuplicate
			st.Message = "Already processed"
			return st, nil
		}
		log.Printf("level=error component=settlement telegram_id=%d external_id=%s msg=\"coin credit failed\" err=%v", p.TelegramID, p.ExternalID, err)
		s.notifyAdmins(ctx, adminCreditFailure(string(p.Source), p.TelegramID,
			fmt.Sprintf("Пакет: %s (%d нейронов)", p.PackageID, p.Coins), p.Amount, p.Currency, p.Reference, err.Error()))
		return nil, fmt.Errorf("credit purchase: %w", err)
	}
	if !res.Success {
		log.Printf("level=error component=settlement telegram_id=%d external_id=%s msg=\"add_coins rejected credit\" reason=%q", p.TelegramID, p.ExternalID, res.Error)
		s.notifyAdmins(ctx, adminCreditFailure(string(p.Source), p.TelegramID,
			fmt.Sprintf("Пакет: %s (%d нейронов)", p.PackageID, p.Coins), p.Amount, p.Currency, p.Reference, orNA(res.Error)))
		return nil, &CreditFailedError{Reason: res.Error}
	}

	st.Action = ActionCoinsPurchased
	st.CoinsAdded = p.Coins
	st.NewBalance = res.NewBalance
	log.Printf("level=info component=settlement telegram_id=%d external_id=%s coins=%d package=%s msg=\"coins credited\"", p.TelegramID, p.ExternalID, p.Coins, p.PackageID)

	s.recordPayment(ctx, st, domain.PaymentRecord{
		TelegramID: p.TelegramID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Source:     p.Source,
		Method:     p.Method,
	})

	buyer := s.lookupUser(ctx, p.TelegramID)
	st.warn(s.sendReceipt(ctx, p.TelegramID, coinPurchaseReceipt(p.PackageID, p.Coins, p.Amount, p.Currency)+s.supportLine()))
	s.payReferralBonus(ctx, st, p.TelegramID, p.Coins, buyer, "купил нейроны")

	title := "Покупка монет: " + strings.ToUpper(p.PackageID)
	if p.Source == domain.PaymentSourceProdamus {
		title = "Prodamus: покупка монет"
	}
	st.warnAll(s.notifyAdmins(ctx, adminCoinPurchase(title, userLabel(p.TelegramID, buyer), p.Amount, p.Currency, p.Coins, p.PackageID, p.Reference)))

	event := domain.NewBillingEvent(domain.EventCoinsCredited, p.TelegramID)
	event.Coins = p.Coins
	event.PackageID = p.PackageID
	event.ExternalID = p.ExternalID
	event.Source = p.Source
	st.warn(s.publish(ctx, event))

	return st, nil
}
