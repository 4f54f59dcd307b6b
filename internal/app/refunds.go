package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/aiciti/billing-service/pkg/n8nclient"
)

const defaultRefundReason = "Ошибка генерации карусели"

// RefundRequest is the body the workflow engine posts after a failed generation.
type RefundRequest struct {
	ChatID         FlexibleID `json:"chatId"`
	TelegramID     FlexibleID `json:"telegram_id"`
	ExecutionID    FlexibleID `json:"executionId"`
	ExecutionIDAlt FlexibleID `json:"execution_id"`
	Amount         FlexibleID `json:"amount"`
	Reason         string     `json:"reason"`
}

// RefundResult reports what was credited.
type RefundResult struct {
	Status      string
	TelegramID  int64
	Refunded    int64
	NewBalance  int64
	ExecutionID string
	Warnings    []string
}

// Refund statuses.
const (
	RefundStatusRefunded        = "refunded"
	RefundStatusAlreadyRefunded = "already_refunded"
)

// refundAmount takes the absolute integer part of the requested amount.
func refundAmount(raw FlexibleID, fallback int64) int64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	amount := int64(math.Abs(math.Trunc(v)))
	if amount == 0 {
		return fallback
	}
	return amount
}

// chatIDFromExecution walks the run data in document order and returns the first
// chatId or telegram_id found in an item's body or the item itself.
func chatIDFromExecution(exec *n8nclient.Execution) (string, string) {
	var found, foundNode string
	exec.RunData().Items(func(node string, item map[string]any) bool {
		candidates := make([]map[string]any, 0, 2)
		if body, ok := item["body"].(map[string]any); ok {
			candidates = append(candidates, body)
		}
		candidates = append(candidates, item)
		for _, c := range candidates {
			if v := firstScalar(c, "chatId", "telegram_id"); v != "" {
				found, foundNode = v, node
				return false
			}
		}
		return true
	})
	return found, foundNode
}

// AuthorizeRefund checks the shared refund secret. Without a configured secret every
// caller is accepted.
func (s *Service) AuthorizeRefund(providedSecret string) error {
	if s.settings.RefundSecret != "" &&
		subtle.ConstantTimeCompare([]byte(providedSecret), []byte(s.settings.RefundSecret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// RefundCarousel credits coins back after a failed generation. With only an execution
// id the user is recovered from the engine's execution log.
func (s *Service) RefundCarousel(ctx context.Context, providedSecret string, req RefundRequest) (*RefundResult, error) {
	if err := s.AuthorizeRefund(providedSecret); err != nil {
		return nil, err
	}

	chatID := firstID(req.ChatID, req.TelegramID)
	executionID := firstID(req.ExecutionID, req.ExecutionIDAlt)
	result := &RefundResult{ExecutionID: executionID}

	if chatID == "" && executionID != "" {
		if s.engine == nil {
			return nil, &ConfigurationError{Missing: "N8N_API_KEY"}
		}
		exec, err := s.engine.GetExecution(ctx, executionID)
		if err != nil {
			if errors.Is(err, n8nclient.ErrMissingAPIKey) {
				return nil, &ConfigurationError{Missing: "N8N_API_KEY"}
			}
			log.Printf("level=error component=refunds execution_id=%s msg=\"execution lookup failed\" err=%v", executionID, err)
			return nil, fmt.Errorf("lookup execution: %w", upstreamFrom("n8n", err))
		}
		var node string
		chatID, node = chatIDFromExecution(exec)
		if chatID != "" {
			log.Printf("level=info component=refunds execution_id=%s node=%q chat_id=%s msg=\"user recovered from execution log\"", executionID, node, chatID)
		}
	}

	if chatID == "" {
		return nil, &MissingIdentifierError{Payload: map[string]any{"executionId": executionID}}
	}
	telegramID, err := parseTelegramID(chatID)
	if err != nil {
		return nil, err
	}
	result.TelegramID = telegramID

	amount := refundAmount(req.Amount, s.settings.RefundDefaultAmount)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultRefundReason
	}
	metadata := map[string]any{
		"source": string(domain.PaymentSourceRefund),
		"reason": "carousel_generation_failed",
	}
	if executionID != "" {
		metadata["executionId"] = executionID
	}
	credit := domain.CoinCredit{
		TelegramID:  telegramID,
		Amount:      amount,
		Type:        domain.CreditTypeBonus,
		Description: reason,
		Metadata:    metadata,
	}

	var res *domain.CreditResult
	if executionID != "" {
		claim := domain.ProcessedTransaction{
			ExternalID: "refund:" + executionID,
			Source:     domain.PaymentSourceRefund,
			TelegramID: telegramID,
		}
		res, err = s.repo.CreditCoinsOnce(ctx, claim, credit)
		if errors.Is(err, store.ErrAlreadyProcessed) {
			log.Printf("level=info component=refunds execution_id=%s msg=\"execution already refunded\"", executionID)
			result.Status = RefundStatusAlreadyRefunded
			return result, nil
		}
	} else {
		result.Warnings = append(result.Warnings, "no execution id; refund is not deduplicated")
		res, err = s.repo.CreditCoins(ctx, credit)
	}
	if err != nil {
		log.Printf("level=error component=refunds telegram_id=%d msg=\"refund credit failed\" err=%v", telegramID, err)
		return nil, fmt.Errorf("credit refund: %w", err)
	}
	if !res.Success {
		return nil, &CreditFailedError{Reason: res.Error}
	}

	result.Status = RefundStatusRefunded
	result.Refunded = amount
	result.NewBalance = res.NewBalance
	log.Printf("level=info component=refunds telegram_id=%d amount=%d execution_id=%q msg=\"refund credited\"", telegramID, amount, executionID)

	event := domain.NewBillingEvent(domain.EventRefundCredited, telegramID)
	event.Coins = amount
	event.Source = domain.PaymentSourceRefund
	if executionID != "" {
		event.ExternalID = "refund:" + executionID
	}
	if w := s.publish(ctx, event); w != "" {
		result.Warnings = append(result.Warnings, w)
	}
	return result, nil
}
