package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/aiciti/billing-service/internal/domain"
)

func TestHandleLavaWebhookCreditsDefaultPackageForBareUTMPayload(t *testing.T) {
	svc, deps := newTestService(Settings{})

	payload := map[string]any{
		"status":    "paid",
		"clientUtm": map[string]any{"utm_content": "555"},
	}
	st, err := svc.HandleLavaWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("HandleLavaWebhook returned error: %v", err)
	}

	if st.Action != ActionCoinsPurchased || st.TelegramID != 555 || st.CoinsAdded != 100 {
		t.Fatalf("unexpected settlement: %+v", st)
	}
	purchases := deps.repo.creditsOfType(domain.CreditTypePurchase)
	if len(purchases) != 1 {
		t.Fatalf("expected one purchase credit, got %d", len(purchases))
	}
	if purchases[0].TelegramID != 555 || purchases[0].Amount != 100 {
		t.Fatalf("expected 100 coins for 555, got %+v", purchases[0])
	}
	if len(st.Warnings) == 0 {
		t.Fatal("expected a warning about the unrecognized package")
	}
}

func TestHandleLavaWebhookProbeOrder(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    int64
	}{
		{
			name: "clientUtm wins over top level",
			payload: map[string]any{
				"clientUtm":   map[string]any{"utm_content": "1"},
				"utm_content": "2",
				"telegram_id": "3",
			},
			want: 1,
		},
		{
			name: "camel case clientUtm",
			payload: map[string]any{
				"clientUtm":   map[string]any{"utmContent": "11"},
				"telegram_id": "3",
			},
			want: 11,
		},
		{
			name: "empty values are skipped",
			payload: map[string]any{
				"clientUtm":     map[string]any{"utm_content": ""},
				"buyer":         map[string]any{"utm_content": "  "},
				"metadata":      map[string]any{"utm_content": "21"},
				"custom_fields": map[string]any{"utm_content": "22"},
			},
			want: 21,
		},
		{
			name:    "custom fields",
			payload: map[string]any{"custom_fields": map[string]any{"utm_content": "31"}},
			want:    31,
		},
		{
			name:    "numeric telegram_id as last resort",
			payload: map[string]any{"telegram_id": float64(41)},
			want:    41,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTelegramID(tt.payload, webhookIdentifierProbes)
			if err != nil {
				t.Fatalf("resolveTelegramID returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestHandleLavaWebhookWithoutIdentifierNeverCredits(t *testing.T) {
	svc, deps := newTestService(Settings{AdminChatIDs: []int64{9}})

	payload := map[string]any{"status": "success", "contractId": "c-1", "amount": "890"}
	_, err := svc.HandleLavaWebhook(context.Background(), payload)

	var missing *MissingIdentifierError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingIdentifierError, got %v", err)
	}
	if missing.Payload["contractId"] != "c-1" {
		t.Fatalf("expected payload to be echoed, got %v", missing.Payload)
	}
	if len(deps.repo.credits) != 0 {
		t.Fatalf("expected no ledger calls, got %d", len(deps.repo.credits))
	}
	if len(deps.notifier.to(9)) != 1 {
		t.Fatalf("expected one admin alert, got %d", len(deps.notifier.to(9)))
	}
}

func TestHandleLavaWebhookRejectsNonIntegerIdentifier(t *testing.T) {
	svc, deps := newTestService(Settings{})

	_, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"status":    "success",
		"clientUtm": map[string]any{"utm_content": "abc"},
	})
	var invalid *InvalidIdentifierError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidIdentifierError, got %v", err)
	}
	if len(deps.repo.credits) != 0 {
		t.Fatal("expected no credit for an invalid identifier")
	}
}

func TestHandleLavaWebhookIgnoresNonSuccess(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		status    string
	}{
		{name: "failed", eventType: "payment.failed", status: "failed"},
		{name: "unpaid", status: "unpaid"},
		{name: "not paid", status: "not_paid"},
		{name: "dotted unpaid", eventType: "payment.unpaid"},
		{name: "uncompleted", status: "uncompleted"},
		{name: "not completed", status: "not completed"},
		{name: "unsuccessful", eventType: "payment.unsuccessful"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, deps := newTestService(Settings{})

			st, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
				"eventType": tc.eventType,
				"status":    tc.status,
				"clientUtm": map[string]any{"utm_content": "555", "utm_campaign": "pro"},
			})
			if err != nil {
				t.Fatalf("HandleLavaWebhook returned error: %v", err)
			}
			if st.Action != ActionIgnored || st.Message != "Ignored non-success" {
				t.Fatalf("expected ignored settlement, got %+v", st)
			}
			if len(deps.repo.credits) != 0 || len(deps.repo.claims) != 0 {
				t.Fatalf("expected no credit for status %q, got %d credits", tc.status, len(deps.repo.credits))
			}
		})
	}
}

func TestIsSuccessfulPayment(t *testing.T) {
	tests := []struct {
		eventType string
		status    string
		payload   map[string]any
		want      bool
	}{
		{eventType: "payment.success", want: true},
		{eventType: "subscription.recurring.payment.success", want: true},
		{status: "completed", want: true},
		{status: "PAID", want: true},
		{status: "succeeded", want: true},
		{status: "unpaid", want: false},
		{status: "not_paid", want: false},
		{status: "non-paid", want: false},
		{eventType: "payment.unpaid", want: false},
		{status: "uncompleted", want: false},
		{status: "pending", want: false},
		{status: "pending", payload: map[string]any{"paid": true}, want: true},
		{status: "pending", payload: map[string]any{"success": false}, want: false},
	}

	for _, tc := range tests {
		if got := isSuccessfulPayment(tc.eventType, tc.status, tc.payload); got != tc.want {
			t.Fatalf("isSuccessfulPayment(%q, %q, %v): expected %v, got %v", tc.eventType, tc.status, tc.payload, tc.want, got)
		}
	}
}

func TestHandleLavaWebhookDuplicateIsCreditedOnce(t *testing.T) {
	svc, deps := newTestService(Settings{})

	payload := map[string]any{
		"eventType":  "payment.success",
		"contractId": "contract-7",
		"amount":     "2490",
		"currency":   "RUB",
		"clientUtm":  map[string]any{"utm_content": "555", "utm_campaign": "standard"},
	}
	first, err := svc.HandleLavaWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	second, err := svc.HandleLavaWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("second delivery returned error: %v", err)
	}

	if first.Action != ActionCoinsPurchased || first.CoinsAdded != 300 || first.ExternalID != "lava:contract-7" {
		t.Fatalf("unexpected first settlement: %+v", first)
	}
	if second.Action != ActionDuplicate || second.Message != "Already processed" {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if n := len(deps.repo.creditsOfType(domain.CreditTypePurchase)); n != 1 {
		t.Fatalf("expected exactly one purchase credit, got %d", n)
	}
}

func TestHandleLavaWebhookPaysFlooredReferralBonus(t *testing.T) {
	svc, deps := newTestService(Settings{ReferralBonusPercent: 15})
	deps.repo.referrers[555] = 777

	st, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"status":     "completed",
		"contractId": "c-light",
		"clientUtm":  map[string]any{"utm_content": "555", "utm_campaign": "light"},
	})
	if err != nil {
		t.Fatalf("HandleLavaWebhook returned error: %v", err)
	}

	bonuses := deps.repo.creditsOfType(domain.CreditTypeReferralBonus)
	if len(bonuses) != 1 {
		t.Fatalf("expected one referral credit, got %d", len(bonuses))
	}
	// 30 coins * 15% = 4.5
	if bonuses[0].TelegramID != 777 || bonuses[0].Amount != 4 || st.ReferralBonus != 4 {
		t.Fatalf("expected floored bonus of 4 for 777, got %+v (settlement %d)", bonuses[0], st.ReferralBonus)
	}
	if len(deps.notifier.to(777)) != 1 {
		t.Fatal("expected the referrer to be notified")
	}
}

func TestHandleLavaWebhookWithoutReferrerMakesNoBonusCall(t *testing.T) {
	svc, deps := newTestService(Settings{})

	if _, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"status":    "paid",
		"clientUtm": map[string]any{"utm_content": "555", "utm_campaign": "pro"},
	}); err != nil {
		t.Fatalf("HandleLavaWebhook returned error: %v", err)
	}
	if n := len(deps.repo.creditsOfType(domain.CreditTypeReferralBonus)); n != 0 {
		t.Fatalf("expected no referral credit, got %d", n)
	}
}

func TestHandleLavaWebhookRejectedCreditAlertsAdmins(t *testing.T) {
	svc, deps := newTestService(Settings{AdminChatIDs: []int64{9}})
	deps.repo.rejected = "user not found"

	_, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"status":    "paid",
		"clientUtm": map[string]any{"utm_content": "555", "utm_campaign": "starter"},
	})
	var failed *CreditFailedError
	if !errors.As(err, &failed) || failed.Reason != "user not found" {
		t.Fatalf("expected CreditFailedError, got %v", err)
	}
	if len(deps.notifier.to(9)) != 1 {
		t.Fatal("expected an admin alert for the rejected credit")
	}
}

func TestHandleLavaWebhookNotificationFailureIsOnlyAWarning(t *testing.T) {
	svc, deps := newTestService(Settings{})
	deps.notifier.err = errBoom
	deps.publisher.err = errBoom

	st, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"status":    "paid",
		"clientUtm": map[string]any{"utm_content": "555", "utm_campaign": "starter"},
	})
	if err != nil {
		t.Fatalf("HandleLavaWebhook returned error: %v", err)
	}
	if st.Action != ActionCoinsPurchased || len(st.Warnings) < 2 {
		t.Fatalf("expected credited settlement with warnings, got %+v", st)
	}
}

func TestHandleLavaWebhookCreatesSubscriptionFromCampaign(t *testing.T) {
	svc, deps := newTestService(Settings{})

	st, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"eventType":  "subscription.payment.success",
		"contractId": "sub-1",
		"amount":     "2900",
		"clientUtm":  map[string]any{"utm_content": "555", "utm_campaign": "sub_pro"},
	})
	if err != nil {
		t.Fatalf("HandleLavaWebhook returned error: %v", err)
	}
	if st.Action != ActionSubscriptionCreated || st.PlanID != "pro" || st.CoinsAdded != 150 {
		t.Fatalf("unexpected settlement: %+v", st)
	}
	if len(deps.repo.created) != 1 || deps.repo.created[0].ContractID != "sub-1" {
		t.Fatalf("expected create_subscription for sub-1, got %+v", deps.repo.created)
	}
	if len(deps.repo.tiers) != 1 || deps.repo.tiers[0].Plan != "PRO" {
		t.Fatalf("expected PRO tier upsert, got %+v", deps.repo.tiers)
	}
}

func TestHandleLavaWebhookUnknownPlanIsInvalidRequest(t *testing.T) {
	svc, deps := newTestService(Settings{})

	_, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"status":    "success",
		"clientUtm": map[string]any{"utm_content": "555", "utm_campaign": "sub_gold"},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if len(deps.repo.created) != 0 {
		t.Fatal("expected no subscription for an unknown plan")
	}
}

func TestHandleLavaWebhookCancellationByContract(t *testing.T) {
	svc, deps := newTestService(Settings{})
	contract := "sub-9"
	deps.repo.activeSub = &domain.Subscription{ID: "s-1", TelegramID: 555, Plan: "pro", LavaContractID: &contract}

	st, err := svc.HandleLavaWebhook(context.Background(), map[string]any{
		"eventType":  "subscription.cancelled",
		"contractId": contract,
	})
	if err != nil {
		t.Fatalf("HandleLavaWebhook returned error: %v", err)
	}
	if st.Action != ActionSubscriptionCancelled || st.TelegramID != 555 {
		t.Fatalf("unexpected settlement: %+v", st)
	}
	if len(deps.repo.downgraded) != 1 || deps.repo.downgraded[0] != 555 {
		t.Fatalf("expected tier downgrade for 555, got %v", deps.repo.downgraded)
	}
}

func TestVerifyLavaWebhook(t *testing.T) {
	body := []byte(`{"status":"paid"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	valid := hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name      string
		settings  Settings
		signature string
		apiKey    string
		wantErr   bool
	}{
		{name: "nothing configured", settings: Settings{}},
		{name: "valid signature", settings: Settings{LavaWebhookSecret: "s3cret"}, signature: valid},
		{name: "prefixed signature", settings: Settings{LavaWebhookSecret: "s3cret"}, signature: "sha256=" + valid},
		{name: "missing signature", settings: Settings{LavaWebhookSecret: "s3cret"}, wantErr: true},
		{name: "wrong signature", settings: Settings{LavaWebhookSecret: "s3cret"}, signature: "00ff", wantErr: true},
		{name: "api key match", settings: Settings{LavaWebhookAPIKey: "k"}, apiKey: "k"},
		{name: "api key mismatch", settings: Settings{LavaWebhookAPIKey: "k"}, apiKey: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(tt.settings)
			err := svc.VerifyLavaWebhook(body, tt.signature, tt.apiKey)
			if tt.wantErr && !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestReferralBonusFloors(t *testing.T) {
	tests := []struct {
		coins, percent, want int64
	}{
		{100, 20, 20},
		{30, 20, 6},
		{5, 20, 1},
		{4, 20, 0},
		{100, 0, 0},
		{0, 20, 0},
	}
	for _, tt := range tests {
		if got := referralBonus(tt.coins, tt.percent); got != tt.want {
			t.Fatalf("referralBonus(%d, %d): expected %d, got %d", tt.coins, tt.percent, tt.want, got)
		}
	}
}
