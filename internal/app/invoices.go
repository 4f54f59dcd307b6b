package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/aiciti/billing-service/pkg/lavaclient"
	"github.com/aiciti/billing-service/pkg/prodamus"
	"github.com/shopspring/decimal"
)

const buyerLanguage = "RU"

// CoinInvoiceRequest asks for a one-time coin package invoice.
type CoinInvoiceRequest struct {
	TelegramID int64
	Email      string
	Currency   string
	PackageID  string
}

// SubscriptionInvoiceRequest asks for a monthly plan invoice.
type SubscriptionInvoiceRequest struct {
	TelegramID int64
	Email      string
	Currency   string
	PlanID     string
}

// InvoiceResult is the hosted payment page plus the catalog terms it was created with.
type InvoiceResult struct {
	PaymentURL string
	InvoiceID  string
	PackageID  string
	PlanID     string
	PlanName   string
	Coins      int64
	Price      decimal.Decimal
	Currency   string
}

// ProdamusLink is a signed payform link for a Prodamus package.
type ProdamusLink struct {
	PaymentURL string
	OrderID    string
	Package    catalog.ProdamusPackage
}

func (s *Service) checkInvoiceRate(ctx context.Context, telegramID int64) error {
	ok, retryAfter := s.allow(ctx, "invoice", strconv.FormatInt(telegramID, 10), s.settings.InvoiceRateLimitPerMinute)
	if !ok {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) buyerEmail(email string) string {
	if e := strings.TrimSpace(email); e != "" {
		return e
	}
	return s.settings.DefaultBuyerEmail
}

// CreateCoinInvoice creates a gateway invoice for a coin package. The telegram id and
// package id travel in clientUtm and come back with the webhook.
func (s *Service) CreateCoinInvoice(ctx context.Context, req CoinInvoiceRequest) (*InvoiceResult, error) {
	if req.TelegramID == 0 {
		return nil, fmt.Errorf("%w: telegramId is required", ErrInvalidRequest)
	}
	if s.gateway == nil || !s.gateway.Configured() {
		return nil, &ConfigurationError{Missing: "LAVA_API_KEY"}
	}
	pkg, ok := s.catalog.Package(req.PackageID)
	if !ok {
		return nil, &ConfigurationError{Missing: "package:" + req.PackageID}
	}
	offerID := pkg.OfferID
	if offerID == "" {
		offerID = s.settings.DefaultOfferID
	}
	if offerID == "" {
		return nil, &ConfigurationError{Missing: "LAVA_OFFER_ID"}
	}
	if err := s.checkInvoiceRate(ctx, req.TelegramID); err != nil {
		return nil, err
	}

	price, currency := pkg.Price(req.Currency)
	invoice, err := s.gateway.CreateInvoice(ctx, lavaclient.InvoiceRequest{
		Email:         s.buyerEmail(req.Email),
		OfferID:       offerID,
		Currency:      currency,
		Periodicity:   lavaclient.PeriodicityOneTime,
		BuyerLanguage: buyerLanguage,
		SuccessURL:    s.settings.PaymentSuccessURL,
		ClientUTM: lavaclient.ClientUTM{
			Content:  strconv.FormatInt(req.TelegramID, 10),
			Campaign: pkg.ID,
			Term:     strconv.FormatInt(pkg.Coins, 10),
			Medium:   price.String(),
		},
	})
	if err != nil {
		log.Printf("level=error component=invoices telegram_id=%d package=%s msg=\"gateway invoice failed\" err=%v", req.TelegramID, pkg.ID, err)
		return nil, fmt.Errorf("create coin invoice: %w", upstreamFrom("lava.top", err))
	}
	if invoice.PaymentURL == "" {
		return nil, &UpstreamError{Service: "lava.top", Status: http.StatusBadGateway, Body: "invoice response has no payment url"}
	}

	log.Printf("level=info component=invoices telegram_id=%d package=%s currency=%s invoice_id=%s msg=\"coin invoice created\"", req.TelegramID, pkg.ID, currency, invoice.InvoiceID)
	return &InvoiceResult{
		PaymentURL: invoice.PaymentURL,
		InvoiceID:  invoice.InvoiceID,
		PackageID:  pkg.ID,
		Coins:      pkg.Coins,
		Price:      price,
		Currency:   currency,
	}, nil
}

// CreateSubscriptionInvoice creates a monthly recurring invoice for a plan.
func (s *Service) CreateSubscriptionInvoice(ctx context.Context, req SubscriptionInvoiceRequest) (*InvoiceResult, error) {
	if req.TelegramID == 0 {
		return nil, fmt.Errorf("%w: telegramId is required", ErrInvalidRequest)
	}
	if s.gateway == nil || !s.gateway.Configured() {
		return nil, &ConfigurationError{Missing: "LAVA_API_KEY"}
	}
	plan, ok := s.catalog.Plan(req.PlanID)
	if !ok {
		return nil, &ConfigurationError{Missing: "plan:" + req.PlanID}
	}
	if plan.OfferID == "" {
		return nil, &ConfigurationError{Missing: "offer:sub_" + plan.ID}
	}
	if err := s.checkInvoiceRate(ctx, req.TelegramID); err != nil {
		return nil, err
	}

	successURL := s.settings.SubscriptionSuccessURL
	if successURL == "" {
		successURL = s.settings.PaymentSuccessURL
	}
	price, currency := plan.Price(req.Currency)
	invoice, err := s.gateway.CreateInvoice(ctx, lavaclient.InvoiceRequest{
		Email:         s.buyerEmail(req.Email),
		OfferID:       plan.OfferID,
		Currency:      currency,
		Periodicity:   lavaclient.PeriodicityMonthly,
		BuyerLanguage: buyerLanguage,
		SuccessURL:    successURL,
		ClientUTM: lavaclient.ClientUTM{
			Content:  strconv.FormatInt(req.TelegramID, 10),
			Campaign: "sub_" + plan.ID,
			Term:     strconv.FormatInt(plan.NeuronsPerMonth, 10),
			Medium:   price.String(),
		},
	})
	if err != nil {
		log.Printf("level=error component=invoices telegram_id=%d plan=%s msg=\"gateway subscription invoice failed\" err=%v", req.TelegramID, plan.ID, err)
		return nil, fmt.Errorf("create subscription invoice: %w", upstreamFrom("lava.top", err))
	}
	if invoice.PaymentURL == "" {
		return nil, &UpstreamError{Service: "lava.top", Status: http.StatusBadGateway, Body: "invoice response has no payment url"}
	}

	log.Printf("level=info component=invoices telegram_id=%d plan=%s currency=%s invoice_id=%s msg=\"subscription invoice created\"", req.TelegramID, plan.ID, currency, invoice.InvoiceID)
	return &InvoiceResult{
		PaymentURL: invoice.PaymentURL,
		InvoiceID:  invoice.InvoiceID,
		PlanID:     plan.ID,
		PlanName:   plan.Name,
		Coins:      plan.NeuronsPerMonth,
		Price:      price,
		Currency:   currency,
	}, nil
}

// CreateProdamusLink builds a signed payform link for a Prodamus package. The order id
// encodes the buyer and the package so the webhook needs no lookup.
func (s *Service) CreateProdamusLink(ctx context.Context, telegramID int64, packageID string) (*ProdamusLink, error) {
	if telegramID == 0 {
		return nil, fmt.Errorf("%w: telegramId is required", ErrInvalidRequest)
	}
	if s.payform == nil || !s.payform.Configured() {
		return nil, &ConfigurationError{Missing: "PRODAMUS_SECRET_KEY"}
	}
	pkg, ok := s.catalog.ProdamusPackage(packageID)
	if !ok {
		return nil, &ConfigurationError{Missing: "package:" + packageID}
	}
	if err := s.checkInvoiceRate(ctx, telegramID); err != nil {
		return nil, err
	}

	orderID := prodamus.OrderID(telegramID, s.now(), pkg.ID)
	paymentURL, err := s.payform.BuildPaymentURL(prodamus.PaymentRequest{
		OrderID:       orderID,
		CustomerExtra: prodamus.CustomerExtra(telegramID),
		Products: []prodamus.Product{{
			Name:     pkg.Name,
			Price:    pkg.Price.String(),
			Quantity: 1,
			SKU:      pkg.ID,
		}},
		NotificationURL: s.settings.ProdamusNotificationURL,
		SuccessURL:      s.settings.ProdamusSuccessURL,
		ReturnURL:       s.settings.ProdamusReturnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("build prodamus link: %w", err)
	}

	log.Printf("level=info component=invoices telegram_id=%d package=%s order_id=%s msg=\"prodamus link created\"", telegramID, pkg.ID, orderID)
	return &ProdamusLink{PaymentURL: paymentURL, OrderID: orderID, Package: pkg}, nil
}
