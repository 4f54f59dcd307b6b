/**
 * @description
 * This file contains the core of the billing service. The `Service` struct orchestrates
 * invoice creation, gateway webhook settlement, subscription cancellation, refunds and
 * quiz lead notifications, coordinating between the database repository, the payment
 * gateways, the workflow engine, the Telegram bot and the message broker.
 *
 * Key features:
 * - Every credit is guarded by a processed-transaction claim inside the same DB transaction.
 * - Best-effort steps (referral bonus, notifications, events) return warnings instead of failing.
 * - Secrets, admin chats and offers come from configuration only.
 *
 * @dependencies
 * - internal/catalog, internal/domain, internal/store: Catalog, models and data access.
 * - pkg/lavaclient, pkg/prodamus, pkg/n8nclient, pkg/telegram, pkg/rabbitmq: External systems.
 */

package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/aiciti/billing-service/pkg/lavaclient"
	"github.com/aiciti/billing-service/pkg/n8nclient"
	"github.com/aiciti/billing-service/pkg/prodamus"
	"github.com/aiciti/billing-service/pkg/rabbitmq"
	"github.com/aiciti/billing-service/pkg/telegram"
)

// Gateway is the lava.top API surface the service uses.
type Gateway interface {
	Configured() bool
	CreateInvoice(ctx context.Context, req lavaclient.InvoiceRequest) (*lavaclient.Invoice, error)
	CancelSubscription(ctx context.Context, contractID string) error
}

// PaymentLinkBuilder builds signed Prodamus payform links.
type PaymentLinkBuilder interface {
	Configured() bool
	BuildPaymentURL(req prodamus.PaymentRequest) (string, error)
}

// WorkflowEngine is the n8n API surface the service uses.
type WorkflowEngine interface {
	GetExecution(ctx context.Context, executionID string) (*n8nclient.Execution, error)
	TriggerWebhook(ctx context.Context, webhookURL string, body []byte) error
}

// Notifier delivers Telegram messages.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, html string, buttons ...telegram.Button) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, buttons ...telegram.Button) error
}

// RateLimiter consumes one unit of a fixed-window limit.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Settings are the configuration values the service reads at request time.
type Settings struct {
	DefaultOfferID         string
	DefaultBuyerEmail      string
	PaymentSuccessURL      string
	SubscriptionSuccessURL string

	LavaWebhookSecret string
	LavaWebhookAPIKey string

	ProdamusSecretKey       string
	ProdamusNotificationURL string
	ProdamusSuccessURL      string
	ProdamusReturnURL       string

	CarouselWebhookURL string

	RefundSecret         string
	RefundDefaultAmount  int64
	ReferralBonusPercent int64

	AdminChatIDs     []int64
	MiniAppURL       string
	ReceiptBannerURL string
	SupportContact   string

	InvoiceRateLimitPerMinute  int
	QuizLeadRateLimitPerMinute int
}

// Service provides the core business logic for billing.
type Service struct {
	repo     store.Repository
	catalog  *catalog.Catalog
	gateway  Gateway
	payform  PaymentLinkBuilder
	engine   WorkflowEngine
	notifier Notifier
	events   rabbitmq.Publisher
	limiter  RateLimiter
	settings Settings
	now      func() time.Time
}

// NewService creates a new billing service instance.
func NewService(
	repo store.Repository,
	cat *catalog.Catalog,
	gateway Gateway,
	payform PaymentLinkBuilder,
	engine WorkflowEngine,
	notifier Notifier,
	events rabbitmq.Publisher,
	settings Settings,
) *Service {
	if cat == nil {
		cat = catalog.Default()
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	if settings.RefundDefaultAmount <= 0 {
		settings.RefundDefaultAmount = 30
	}
	if strings.TrimSpace(settings.DefaultBuyerEmail) == "" {
		settings.DefaultBuyerEmail = "noreply@ai-citi.app"
	}
	return &Service{
		repo:     repo,
		catalog:  cat,
		gateway:  gateway,
		payform:  payform,
		engine:   engine,
		notifier: notifier,
		events:   events,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRateLimiter enables distributed rate limiting of public endpoints.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// Catalog exposes the loaded catalog to the API layer.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// RefundSecretConfigured reports whether the refund endpoint requires a shared secret.
func (s *Service) RefundSecretConfigured() bool {
	return s.settings.RefundSecret != ""
}

// allow consumes one unit of a per-minute limit. Limiter errors fail open.
func (s *Service) allow(ctx context.Context, scope, subject string, perMinute int) (bool, int) {
	if s.limiter == nil || perMinute <= 0 {
		return true, 0
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, perMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=rate_limiter scope=%s msg=\"rate limiter unavailable; allowing request\" err=%v", scope, err)
		return true, 0
	}
	if count > perMinute {
		return false, retryAfter
	}
	return true, 0
}

// publish emits a billing event; failures are returned as a warning string.
func (s *Service) publish(ctx context.Context, event domain.BillingEvent) string {
	if err := s.events.PublishEvent(ctx, event.Type, event); err != nil {
		log.Printf("level=warn component=events routing_key=%s telegram_id=%d msg=\"publish failed\" err=%v", event.Type, event.TelegramID, err)
		return "event publish failed: " + err.Error()
	}
	return ""
}
