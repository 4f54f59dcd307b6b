package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/aiciti/billing-service/pkg/lavaclient"
	"github.com/aiciti/billing-service/pkg/n8nclient"
	"github.com/aiciti/billing-service/pkg/telegram"
)

type repoStub struct {
	store.Repository

	mu        sync.Mutex
	credits   []domain.CoinCredit
	claims    map[string]bool
	payments  []domain.PaymentRecord
	creditErr error
	rejected  string

	referrers map[int64]int64

	created []domain.NewSubscription
	tiers   []domain.PlanTier

	activeSub     *domain.Subscription
	cancelledIDs  []string
	downgraded    []int64
	quiz          *domain.Quiz
	quizErr       error
	expired       []domain.Subscription
	expireErr     error
	expiredBefore time.Time
}

func newRepoStub() *repoStub {
	return &repoStub{claims: map[string]bool{}, referrers: map[int64]int64{}}
}

func (r *repoStub) CreditCoins(ctx context.Context, credit domain.CoinCredit) (*domain.CreditResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.creditErr != nil {
		return nil, r.creditErr
	}
	if r.rejected != "" {
		return &domain.CreditResult{Success: false, Error: r.rejected}, nil
	}
	r.credits = append(r.credits, credit)
	return &domain.CreditResult{Success: true, NewBalance: credit.Amount}, nil
}

func (r *repoStub) CreditCoinsOnce(ctx context.Context, claim domain.ProcessedTransaction, credit domain.CoinCredit) (*domain.CreditResult, error) {
	r.mu.Lock()
	if r.claims[claim.ExternalID] {
		r.mu.Unlock()
		return nil, store.ErrAlreadyProcessed
	}
	r.mu.Unlock()

	res, err := r.CreditCoins(ctx, credit)
	if err != nil || !res.Success {
		return res, err
	}
	r.mu.Lock()
	r.claims[claim.ExternalID] = true
	r.mu.Unlock()
	return res, nil
}

func (r *repoStub) FindReferrer(ctx context.Context, telegramID int64) (int64, error) {
	if id, ok := r.referrers[telegramID]; ok {
		return id, nil
	}
	return 0, store.ErrReferralNotFound
}

func (r *repoStub) FindUser(ctx context.Context, telegramID int64) (*domain.User, error) {
	return nil, store.ErrUserNotFound
}

func (r *repoStub) RecordPayment(ctx context.Context, payment domain.PaymentRecord) error {
	r.payments = append(r.payments, payment)
	return nil
}

func (r *repoStub) FindActiveSubscription(ctx context.Context, telegramID int64) (*domain.Subscription, error) {
	if r.activeSub == nil || r.activeSub.TelegramID != telegramID {
		return nil, store.ErrSubscriptionNotFound
	}
	return r.activeSub, nil
}

func (r *repoStub) MarkSubscriptionCancelled(ctx context.Context, subscriptionID string, at time.Time) error {
	r.cancelledIDs = append(r.cancelledIDs, subscriptionID)
	return nil
}

func (r *repoStub) CancelSubscriptionByContract(ctx context.Context, contractID string, at time.Time) (*domain.Subscription, error) {
	if r.activeSub == nil || r.activeSub.LavaContractID == nil || *r.activeSub.LavaContractID != contractID {
		return nil, store.ErrSubscriptionNotFound
	}
	r.cancelledIDs = append(r.cancelledIDs, r.activeSub.ID)
	return r.activeSub, nil
}

func (r *repoStub) DowngradePlanTier(ctx context.Context, telegramID int64) error {
	r.downgraded = append(r.downgraded, telegramID)
	return nil
}

func (r *repoStub) FindQuiz(ctx context.Context, quizID string) (*domain.Quiz, error) {
	if r.quizErr != nil {
		return nil, r.quizErr
	}
	if r.quiz == nil || r.quiz.ID != quizID {
		return nil, store.ErrQuizNotFound
	}
	return r.quiz, nil
}

func (r *repoStub) ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	r.expiredBefore = now
	return r.expired, r.expireErr
}

func (r *repoStub) CreateSubscriptionOnce(ctx context.Context, claim domain.ProcessedTransaction, sub domain.NewSubscription) (*domain.SubscriptionChange, error) {
	if r.claims[claim.ExternalID] {
		return nil, store.ErrAlreadyProcessed
	}
	r.claims[claim.ExternalID] = true
	r.created = append(r.created, sub)
	return &domain.SubscriptionChange{Success: true, NeuronsAdded: sub.NeuronsPerMonth}, nil
}

func (r *repoStub) ExtendSubscriptionOnce(ctx context.Context, claim domain.ProcessedTransaction, telegramID int64, contractID string) (*domain.SubscriptionChange, error) {
	if r.claims[claim.ExternalID] {
		return nil, store.ErrAlreadyProcessed
	}
	r.claims[claim.ExternalID] = true
	return &domain.SubscriptionChange{Success: true, NeuronsAdded: 150}, nil
}

func (r *repoStub) UpsertPlanTier(ctx context.Context, tier domain.PlanTier) error {
	r.tiers = append(r.tiers, tier)
	return nil
}

func (r *repoStub) ExtendPlanTier(ctx context.Context, telegramID int64, expiresAt time.Time) error {
	return nil
}

func (r *repoStub) creditsOfType(t domain.CreditType) []domain.CoinCredit {
	var out []domain.CoinCredit
	for _, c := range r.credits {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

type sentMessage struct {
	chatID int64
	text   string
}

type notifierStub struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *notifierStub) SendMessage(ctx context.Context, chatID int64, html string, buttons ...telegram.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{chatID: chatID, text: html})
	return nil
}

func (n *notifierStub) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, buttons ...telegram.Button) error {
	return n.SendMessage(ctx, chatID, caption, buttons...)
}

func (n *notifierStub) to(chatID int64) []string {
	var out []string
	for _, m := range n.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

type gatewayStub struct {
	configured bool
	invoice    *lavaclient.Invoice
	invoiceErr error
	cancelErr  error
	requests   []lavaclient.InvoiceRequest
	cancelled  []string
}

func (g *gatewayStub) Configured() bool { return g.configured }

func (g *gatewayStub) CreateInvoice(ctx context.Context, req lavaclient.InvoiceRequest) (*lavaclient.Invoice, error) {
	g.requests = append(g.requests, req)
	if g.invoiceErr != nil {
		return nil, g.invoiceErr
	}
	return g.invoice, nil
}

func (g *gatewayStub) CancelSubscription(ctx context.Context, contractID string) error {
	g.cancelled = append(g.cancelled, contractID)
	return g.cancelErr
}

type engineStub struct {
	execution  *n8nclient.Execution
	err        error
	requested  []string
	triggered  []byte
	triggerErr error
}

func (e *engineStub) GetExecution(ctx context.Context, executionID string) (*n8nclient.Execution, error) {
	e.requested = append(e.requested, executionID)
	if e.err != nil {
		return nil, e.err
	}
	return e.execution, nil
}

func (e *engineStub) TriggerWebhook(ctx context.Context, webhookURL string, body []byte) error {
	e.triggered = body
	return e.triggerErr
}

type publisherStub struct {
	keys []string
	err  error
}

func (p *publisherStub) PublishEvent(ctx context.Context, routingKey string, body interface{}) error {
	p.keys = append(p.keys, routingKey)
	return p.err
}

func (p *publisherStub) Close() {}

type limiterStub struct {
	count int
	err   error
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, 42, l.err
}

type testDeps struct {
	repo      *repoStub
	notifier  *notifierStub
	gateway   *gatewayStub
	engine    *engineStub
	publisher *publisherStub
}

func newTestService(settings Settings) (*Service, *testDeps) {
	deps := &testDeps{
		repo:      newRepoStub(),
		notifier:  &notifierStub{},
		gateway:   &gatewayStub{configured: true},
		engine:    &engineStub{},
		publisher: &publisherStub{},
	}
	if settings.ReferralBonusPercent == 0 {
		settings.ReferralBonusPercent = 20
	}
	svc := NewService(deps.repo, catalog.Default(), deps.gateway, nil, deps.engine, deps.notifier, deps.publisher, settings)
	svc.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }
	return svc, deps
}

var errBoom = errors.New("boom")
