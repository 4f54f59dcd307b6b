package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode"

	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

var successTokens = map[string]bool{"success": true, "succeeded": true, "completed": true, "paid": true}

// VerifyLavaWebhook checks the optional API key header and HMAC signature of the raw body.
// Each check only applies when its secret is configured.
func (s *Service) VerifyLavaWebhook(body []byte, signature, apiKey string) error {
	if want := s.settings.LavaWebhookAPIKey; want != "" {
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(apiKey)), []byte(want)) != 1 {
			return ErrUnauthorized
		}
	}
	if secret := s.settings.LavaWebhookSecret; secret != "" {
		got := strings.ToLower(strings.TrimSpace(signature))
		got = strings.TrimPrefix(got, "sha256=")
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if got == "" || !hmac.Equal([]byte(got), []byte(expected)) {
			return ErrUnauthorized
		}
	}
	return nil
}

func isCancellationEvent(eventType string) bool {
	return strings.Contains(strings.ToLower(eventType), "subscription.cancel")
}

// statusTokens splits an event type or status on dots, underscores, dashes and spaces so
// "payment.unpaid" yields "unpaid" and never "paid".
func statusTokens(field string) []string {
	return strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || unicode.IsSpace(r)
	})
}

// isSuccessfulPayment matches whole success tokens in the event type or status, or an
// explicit paid/success flag. Negated statuses such as "not_paid" never match.
func isSuccessfulPayment(eventType, status string, payload map[string]any) bool {
	for _, field := range []string{eventType, status} {
		tokens := statusTokens(field)
		for i, token := range tokens {
			if !successTokens[token] {
				continue
			}
			if i > 0 && (tokens[i-1] == "not" || tokens[i-1] == "non") {
				continue
			}
			return true
		}
	}
	for _, flag := range []string{"paid", "success"} {
		if b, ok := payload[flag].(bool); ok && b {
			return true
		}
	}
	return false
}

func paymentAmount(payload map[string]any) decimal.Decimal {
	for _, key := range []string{"amount", "sum"} {
		if raw, ok := scalarString(payload[key]); ok {
			if d, err := decimal.NewFromString(raw); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}

func campaignOf(payload map[string]any) string {
	for _, key := range []string{"utm_campaign", "utmCampaign"} {
		if v, ok := fieldAt("clientUtm", key)(payload); ok {
			return v
		}
	}
	return ""
}

// lavaExternalID prefers the contract id. Without one, the canonical payload hash still
// deduplicates byte-identical retries.
func lavaExternalID(contractID string, payload map[string]any) string {
	if contractID != "" {
		return "lava:" + contractID
	}
	canonical, _ := json.Marshal(payload)
	sum := sha256.Sum256(canonical)
	return "lava:payload:" + hex.EncodeToString(sum[:])
}

// HandleLavaWebhook settles one lava.top notification.
func (s *Service) HandleLavaWebhook(ctx context.Context, payload map[string]any) (*Settlement, error) {
	eventType := firstScalar(payload, "eventType", "event_type")
	status := firstScalar(payload, "status")
	contractID := firstScalar(payload, "contractId", "id")
	campaign := campaignOf(payload)

	log.Printf("level=info component=lava_webhook event_type=%q status=%q contract_id=%q campaign=%q msg=\"notification received\"", eventType, status, contractID, campaign)

	if isCancellationEvent(eventType) {
		return s.handleGatewayCancellation(ctx, payload, contractID)
	}

	if !isSuccessfulPayment(eventType, status, payload) {
		return &Settlement{Action: ActionIgnored, Message: "Ignored non-success"}, nil
	}

	telegramID, err := resolveTelegramID(payload, webhookIdentifierProbes)
	if err != nil {
		var missing *MissingIdentifierError
		if errors.As(err, &missing) {
			raw, _ := json.Marshal(payload)
			log.Printf("level=error component=lava_webhook contract_id=%q msg=\"no telegram_id in payload\"", contractID)
			s.notifyAdmins(ctx, "⚠️ <b>Webhook: telegram_id не найден!</b>\n\nPayload: "+truncatedJSON(string(raw), 500)+
				"\n\nВозможно клиент оплатил, но монеты не начислены!")
		}
		return nil, err
	}

	amount := paymentAmount(payload)
	currency := firstScalar(payload, "currency")
	if currency == "" {
		currency = catalog.CurrencyRUB
	}
	st := &Settlement{ExternalID: lavaExternalID(contractID, payload)}
	if contractID == "" {
		st.warn("notification has no contract id; deduplicated by payload hash")
	}

	lowerEvent := strings.ToLower(eventType)
	switch {
	case strings.Contains(lowerEvent, "subscription.recurring"):
		return s.extendSubscription(ctx, st, telegramID, contractID, amount, currency)
	case strings.HasPrefix(campaign, "sub_") || strings.Contains(lowerEvent, "subscription"):
		return s.createSubscription(ctx, st, telegramID, contractID, campaign, amount, currency)
	}

	pkg, ok := s.catalog.Package(campaign)
	if !ok || strings.TrimSpace(campaign) == "" {
		log.Printf("level=warn component=lava_webhook telegram_id=%d campaign=%q msg=\"package not recognized; crediting default package\"", telegramID, campaign)
		st.warn(fmt.Sprintf("package %q not recognized; credited %s", campaign, catalog.DefaultPackageID))
		st.warnAll(s.notifyAdmins(ctx, fmt.Sprintf("⚠️ <b>Webhook: пакет не распознан</b>\n\n👤 Telegram ID: <code>%d</code>\nCampaign: <code>%s</code>\nНачислен пакет по умолчанию: %s",
			telegramID, orNA(campaign), catalog.DefaultPackageID)))
		pkg, _ = s.catalog.Package("")
	}

	return s.settleCoinPurchase(ctx, coinPurchase{
		TelegramID: telegramID,
		PackageID:  pkg.ID,
		Coins:      pkg.Coins,
		Amount:     amount,
		Currency:   currency,
		Source:     domain.PaymentSourceLava,
		ExternalID: st.ExternalID,
		Reference:  contractID,
		Method:     domain.PaymentMethodOneTime,
		Metadata: map[string]any{
			"source":     string(domain.PaymentSourceLava),
			"contractId": orUnknown(contractID),
			"packageId":  pkg.ID,
			"currency":   currency,
			"amount":     amount.InexactFloat64(),
		},
	}, st)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (s *Service) createSubscription(ctx context.Context, st *Settlement, telegramID int64, contractID, campaign string, amount decimal.Decimal, currency string) (*Settlement, error) {
	planID := strings.TrimPrefix(strings.TrimSpace(campaign), "sub_")
	plan, ok := s.catalog.Plan(planID)
	if !ok {
		log.Printf("level=error component=lava_webhook telegram_id=%d plan=%q msg=\"unknown subscription plan\"", telegramID, planID)
		s.notifyAdmins(ctx, fmt.Sprintf("⚠️ <b>Webhook: неизвестный план подписки</b>\n\n👤 Telegram ID: <code>%d</code>\nPlan: <code>%s</code>\n🧾 Contract: <code>%s</code>",
			telegramID, orNA(planID), orNA(contractID)))
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidRequest, planID)
	}

	st.TelegramID = telegramID
	st.PlanID = plan.ID
	claim := domain.ProcessedTransaction{ExternalID: st.ExternalID, Source: domain.PaymentSourceLava, TelegramID: telegramID}
	change, err := s.repo.CreateSubscriptionOnce(ctx, claim, domain.NewSubscription{
		TelegramID:      telegramID,
		Plan:            plan.ID,
		ContractID:      contractID,
		Amount:          amount.InexactFloat64(),
		NeuronsPerMonth: plan.NeuronsPerMonth,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			st.Action = ActionDuplicate
			st.Message = "Already processed"
			return st, nil
		}
		log.Printf("level=error component=lava_webhook telegram_id=%d plan=%s msg=\"create_subscription failed\" err=%v", telegramID, plan.ID, err)
		s.notifyAdmins(ctx, adminCreditFailure("lava.top", telegramID, "Подписка "+strings.ToUpper(plan.ID), amount, currency, contractID, err.Error()))
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	if !change.Success {
		s.notifyAdmins(ctx, adminCreditFailure("lava.top", telegramID, "Подписка "+strings.ToUpper(plan.ID), amount, currency, contractID, orNA(change.Error)))
		return nil, &CreditFailedError{Reason: change.Error}
	}

	st.Action = ActionSubscriptionCreated
	st.CoinsAdded = change.NeuronsAdded
	log.Printf("level=info component=lava_webhook telegram_id=%d plan=%s neurons=%d msg=\"subscription created\"", telegramID, plan.ID, change.NeuronsAdded)

	expiresAt := s.now().Add(domain.SubscriptionPeriod)
	if change.ExpiresAt != nil {
		expiresAt = *change.ExpiresAt
	}
	buyer := s.lookupUser(ctx, telegramID)
	tier := domain.PlanTier{
		TelegramID:    telegramID,
		Plan:          strings.ToUpper(plan.ID),
		ExpiresAt:     &expiresAt,
		Source:        string(domain.PaymentSourceLava),
		PaymentMethod: domain.PaymentMethodSubscription,
	}
	if buyer != nil {
		tier.Username = buyer.Username
		tier.FirstName = buyer.FirstName
	}
	if err := s.repo.UpsertPlanTier(ctx, tier); err != nil {
		log.Printf("level=warn component=lava_webhook telegram_id=%d msg=\"plan tier upsert failed\" err=%v", telegramID, err)
		st.warn("plan tier update failed: " + err.Error())
	}
	s.recordPayment(ctx, st, domain.PaymentRecord{
		TelegramID: telegramID,
		Amount:     amount,
		Currency:   currency,
		Source:     domain.PaymentSourceLava,
		Method:     domain.PaymentMethodSubscription,
	})

	st.warn(s.sendReceipt(ctx, telegramID, subscriptionReceipt(plan.ID, change.NeuronsAdded, amount, currency)+s.supportLine()))
	s.payReferralBonus(ctx, st, telegramID, change.NeuronsAdded, buyer, "оформил подписку <b>"+strings.ToUpper(plan.ID)+"</b>")
	st.warnAll(s.notifyAdmins(ctx, adminSubscription("✅ <b>Новая подписка: "+strings.ToUpper(plan.ID)+"</b>",
		userLabel(telegramID, buyer), amount, currency, change.NeuronsAdded, contractID)))

	event := domain.NewBillingEvent(domain.EventSubscriptionCreated, telegramID)
	event.Coins = change.NeuronsAdded
	event.Plan = plan.ID
	event.ExternalID = st.ExternalID
	event.Source = domain.PaymentSourceLava
	st.warn(s.publish(ctx, event))
	return st, nil
}

func (s *Service) extendSubscription(ctx context.Context, st *Settlement, telegramID int64, contractID string, amount decimal.Decimal, currency string) (*Settlement, error) {
	st.TelegramID = telegramID
	claim := domain.ProcessedTransaction{ExternalID: st.ExternalID, Source: domain.PaymentSourceLava, TelegramID: telegramID}
	change, err := s.repo.ExtendSubscriptionOnce(ctx, claim, telegramID, contractID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			st.Action = ActionDuplicate
			st.Message = "Already processed"
			return st, nil
		}
		log.Printf("level=error component=lava_webhook telegram_id=%d contract_id=%q msg=\"extend_subscription failed\" err=%v", telegramID, contractID, err)
		s.notifyAdmins(ctx, adminCreditFailure("lava.top", telegramID, "Продление подписки", amount, currency, contractID, err.Error()))
		return nil, fmt.Errorf("extend subscription: %w", err)
	}
	if !change.Success {
		s.notifyAdmins(ctx, adminCreditFailure("lava.top", telegramID, "Продление подписки", amount, currency, contractID, orNA(change.Error)))
		return nil, &CreditFailedError{Reason: change.Error}
	}

	st.Action = ActionSubscriptionExtended
	st.CoinsAdded = change.NeuronsAdded
	log.Printf("level=info component=lava_webhook telegram_id=%d neurons=%d msg=\"subscription extended\"", telegramID, change.NeuronsAdded)

	expiresAt := s.now().Add(domain.SubscriptionPeriod)
	if change.ExpiresAt != nil {
		expiresAt = *change.ExpiresAt
	}
	if err := s.repo.ExtendPlanTier(ctx, telegramID, expiresAt); err != nil {
		log.Printf("level=warn component=lava_webhook telegram_id=%d msg=\"plan tier extend failed\" err=%v", telegramID, err)
		st.warn("plan tier update failed: " + err.Error())
	}
	s.recordPayment(ctx, st, domain.PaymentRecord{
		TelegramID: telegramID,
		Amount:     amount,
		Currency:   currency,
		Source:     domain.PaymentSourceLava,
		Method:     domain.PaymentMethodRecurring,
	})

	buyer := s.lookupUser(ctx, telegramID)
	st.warn(s.sendReceipt(ctx, telegramID, renewalReceipt(change.NeuronsAdded, amount, currency)+s.supportLine()))
	s.payReferralBonus(ctx, st, telegramID, change.NeuronsAdded, buyer, "продлил подписку")
	st.warnAll(s.notifyAdmins(ctx, adminSubscription("🔄 <b>Продление подписки</b>",
		userLabel(telegramID, buyer), amount, currency, change.NeuronsAdded, contractID)))

	event := domain.NewBillingEvent(domain.EventSubscriptionExtended, telegramID)
	event.Coins = change.NeuronsAdded
	event.ExternalID = st.ExternalID
	event.Source = domain.PaymentSourceLava
	st.warn(s.publish(ctx, event))
	return st, nil
}

// handleGatewayCancellation processes a gateway-side cancellation. The subscription is
// found by contract first and by the buyer's active subscription second.
func (s *Service) handleGatewayCancellation(ctx context.Context, payload map[string]any, contractID string) (*Settlement, error) {
	st := &Settlement{Action: ActionSubscriptionCancelled}
	now := s.now()

	var sub *domain.Subscription
	if contractID != "" {
		found, err := s.repo.CancelSubscriptionByContract(ctx, contractID, now)
		switch {
		case err == nil:
			sub = found
		case errors.Is(err, store.ErrSubscriptionNotFound):
			st.warn("no active subscription for contract " + contractID)
		default:
			return nil, fmt.Errorf("cancel subscription by contract: %w", err)
		}
	}

	if sub != nil {
		st.TelegramID = sub.TelegramID
	} else if telegramID, err := resolveTelegramID(payload, webhookIdentifierProbes); err == nil {
		st.TelegramID = telegramID
		active, findErr := s.repo.FindActiveSubscription(ctx, telegramID)
		switch {
		case findErr == nil:
			if err := s.repo.MarkSubscriptionCancelled(ctx, active.ID, now); err != nil {
				return nil, fmt.Errorf("mark subscription cancelled: %w", err)
			}
		case errors.Is(findErr, store.ErrSubscriptionNotFound):
			st.warn("user has no active subscription")
		default:
			return nil, fmt.Errorf("find active subscription: %w", findErr)
		}
	}

	if st.TelegramID == 0 {
		st.Message = "Cancellation acknowledged; subscription not found"
		return st, nil
	}

	if err := s.repo.DowngradePlanTier(ctx, st.TelegramID); err != nil {
		log.Printf("level=warn component=lava_webhook telegram_id=%d msg=\"plan tier downgrade failed\" err=%v", st.TelegramID, err)
		st.warn("plan tier downgrade failed: " + err.Error())
	}
	log.Printf("level=info component=lava_webhook telegram_id=%d contract_id=%q msg=\"subscription cancelled by gateway\"", st.TelegramID, contractID)

	event := domain.NewBillingEvent(domain.EventSubscriptionCancelled, st.TelegramID)
	event.ExternalID = contractID
	event.Source = domain.PaymentSourceLava
	event.OccurredAt = now
	st.warn(s.publish(ctx, event))
	return st, nil
}
