package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/pkg/n8nclient"
)

const executionWithChatOnThirdNode = `{
  "id": "abc123",
  "finished": true,
  "data": {
    "resultData": {
      "runData": {
        "Start": [{"data": {"main": [[{"json": {"headers": {"host": "n8n"}}}]]}}],
        "Prepare": [{"data": {"main": [[{"json": {"body": {"text": "slides"}}}]]}}],
        "Webhook1": [{"data": {"main": [[{"json": {"body": {"chatId": 777}}}]]}}],
        "Fallback": [{"data": {"main": [[{"json": {"telegram_id": 888}}]]}}]
      }
    }
  }
}`

func decodeExecution(t *testing.T, raw string) *n8nclient.Execution {
	t.Helper()
	var exec n8nclient.Execution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		t.Fatalf("failed to decode execution: %v", err)
	}
	return &exec
}

func decodeRefund(t *testing.T, raw string) RefundRequest {
	t.Helper()
	var req RefundRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("failed to decode refund request: %v", err)
	}
	return req
}

func TestRefundCarouselRecoversUserFromExecutionLog(t *testing.T) {
	svc, deps := newTestService(Settings{})
	deps.engine.execution = decodeExecution(t, executionWithChatOnThirdNode)

	res, err := svc.RefundCarousel(context.Background(), "", decodeRefund(t, `{"executionId":"abc123"}`))
	if err != nil {
		t.Fatalf("RefundCarousel returned error: %v", err)
	}

	if res.Status != RefundStatusRefunded || res.TelegramID != 777 || res.Refunded != 30 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(deps.engine.requested) != 1 || deps.engine.requested[0] != "abc123" {
		t.Fatalf("expected execution abc123 to be fetched, got %v", deps.engine.requested)
	}
	bonuses := deps.repo.creditsOfType(domain.CreditTypeBonus)
	if len(bonuses) != 1 || bonuses[0].TelegramID != 777 || bonuses[0].Amount != 30 {
		t.Fatalf("expected 30 bonus coins for 777, got %+v", bonuses)
	}
	if bonuses[0].Metadata["executionId"] != "abc123" || bonuses[0].Metadata["reason"] != "carousel_generation_failed" {
		t.Fatalf("unexpected metadata: %v", bonuses[0].Metadata)
	}
	if len(deps.publisher.keys) != 1 || deps.publisher.keys[0] != domain.EventRefundCredited {
		t.Fatalf("expected refund event, got %v", deps.publisher.keys)
	}
}

func TestRefundCarouselRefundsExecutionOnce(t *testing.T) {
	svc, deps := newTestService(Settings{})
	deps.engine.execution = decodeExecution(t, executionWithChatOnThirdNode)
	req := decodeRefund(t, `{"execution_id":"abc123","amount":-50}`)

	first, err := svc.RefundCarousel(context.Background(), "", req)
	if err != nil {
		t.Fatalf("first refund returned error: %v", err)
	}
	second, err := svc.RefundCarousel(context.Background(), "", req)
	if err != nil {
		t.Fatalf("second refund returned error: %v", err)
	}

	if first.Refunded != 50 {
		t.Fatalf("expected absolute amount 50, got %d", first.Refunded)
	}
	if second.Status != RefundStatusAlreadyRefunded {
		t.Fatalf("expected already_refunded, got %+v", second)
	}
	if n := len(deps.repo.credits); n != 1 {
		t.Fatalf("expected one credit, got %d", n)
	}
}

func TestRefundCarouselDirectChatIDSkipsEngine(t *testing.T) {
	svc, deps := newTestService(Settings{})

	res, err := svc.RefundCarousel(context.Background(), "", decodeRefund(t, `{"chatId":"321","amount":"12","reason":"timeout"}`))
	if err != nil {
		t.Fatalf("RefundCarousel returned error: %v", err)
	}
	if len(deps.engine.requested) != 0 {
		t.Fatal("expected no execution lookup when chatId is given")
	}
	if res.TelegramID != 321 || res.Refunded != 12 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for a refund without execution id")
	}
	if deps.repo.credits[0].Description != "timeout" {
		t.Fatalf("expected reason as description, got %q", deps.repo.credits[0].Description)
	}
}

func TestRefundCarouselErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		secret   string
		body     string
		engine   *engineStub
		check    func(t *testing.T, err error)
	}{
		{
			name:     "wrong secret",
			settings: Settings{RefundSecret: "top"},
			secret:   "nope",
			body:     `{"chatId":1}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got %v", err)
				}
			},
		},
		{
			name: "nothing identifies the user",
			body: `{}`,
			check: func(t *testing.T, err error) {
				var missing *MissingIdentifierError
				if !errors.As(err, &missing) {
					t.Fatalf("expected MissingIdentifierError, got %v", err)
				}
			},
		},
		{
			name:   "engine key missing",
			body:   `{"executionId":"x"}`,
			engine: &engineStub{err: n8nclient.ErrMissingAPIKey},
			check: func(t *testing.T, err error) {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) || cfgErr.Missing != "N8N_API_KEY" {
					t.Fatalf("expected ConfigurationError for N8N_API_KEY, got %v", err)
				}
			},
		},
		{
			name:   "engine returns 404",
			body:   `{"executionId":"x"}`,
			engine: &engineStub{err: &n8nclient.APIError{StatusCode: 404, Body: "not found"}},
			check: func(t *testing.T, err error) {
				var upstream *UpstreamError
				if !errors.As(err, &upstream) || upstream.Status != 404 {
					t.Fatalf("expected UpstreamError 404, got %v", err)
				}
			},
		},
		{
			name:   "execution without identifier",
			body:   `{"executionId":"x"}`,
			engine: &engineStub{execution: &n8nclient.Execution{}},
			check: func(t *testing.T, err error) {
				var missing *MissingIdentifierError
				if !errors.As(err, &missing) {
					t.Fatalf("expected MissingIdentifierError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newTestService(tt.settings)
			if tt.engine != nil {
				svc.engine = tt.engine
			}
			_, err := svc.RefundCarousel(context.Background(), tt.secret, decodeRefund(t, tt.body))
			tt.check(t, err)
			if len(deps.repo.credits) != 0 {
				t.Fatal("expected no credit")
			}
		})
	}
}

func TestChatIDFromExecutionPrefersFirstNode(t *testing.T) {
	exec := decodeExecution(t, executionWithChatOnThirdNode)

	chatID, node := chatIDFromExecution(exec)
	if chatID != "777" || node != "Webhook1" {
		t.Fatalf("expected 777 from Webhook1, got %q from %q", chatID, node)
	}
}

func TestRefundAmount(t *testing.T) {
	tests := []struct {
		raw  FlexibleID
		want int64
	}{
		{"", 30},
		{"abc", 30},
		{"0", 30},
		{"-45", 45},
		{"12.9", 12},
		{"100", 100},
	}
	for _, tt := range tests {
		if got := refundAmount(tt.raw, 30); got != tt.want {
			t.Fatalf("refundAmount(%q): expected %d, got %d", tt.raw, tt.want, got)
		}
	}
}
