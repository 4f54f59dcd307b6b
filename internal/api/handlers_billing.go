package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/aiciti/billing-service/internal/app"
	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/shopspring/decimal"
)

type coinInvoiceRequest struct {
	TelegramID    app.FlexibleID `json:"telegramId"`
	TelegramIDAlt app.FlexibleID `json:"telegram_id"`
	Email         string         `json:"email"`
	Currency      string         `json:"currency"`
	PackageID     string         `json:"packageId"`
}

type subscriptionInvoiceRequest struct {
	TelegramID    app.FlexibleID `json:"telegramId"`
	TelegramIDAlt app.FlexibleID `json:"telegram_id"`
	Email         string         `json:"email"`
	Currency      string         `json:"currency"`
	PlanID        string         `json:"planId"`
}

type cancelSubscriptionRequest struct {
	TelegramID    app.FlexibleID `json:"telegramId"`
	TelegramIDAlt app.FlexibleID `json:"telegram_id"`
}

type invoiceResponse struct {
	OK         bool        `json:"ok"`
	PaymentURL string      `json:"paymentUrl"`
	InvoiceID  string      `json:"invoiceId,omitempty"`
	PackageID  string      `json:"packageId,omitempty"`
	PlanID     string      `json:"planId,omitempty"`
	PlanName   string      `json:"planName,omitempty"`
	Coins      int64       `json:"coins"`
	Price      json.Number `json:"price"`
	Currency   string      `json:"currency"`
}

func newInvoiceResponse(res *app.InvoiceResult) invoiceResponse {
	return invoiceResponse{
		OK:         true,
		PaymentURL: res.PaymentURL,
		InvoiceID:  res.InvoiceID,
		PackageID:  res.PackageID,
		PlanID:     res.PlanID,
		PlanName:   res.PlanName,
		Coins:      res.Coins,
		Price:      price(res.Price),
		Currency:   res.Currency,
	}
}

// CreateInvoiceHandler creates a one-time coin package invoice.
func (h *BillingHandlers) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req coinInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, "create_invoice", err)
		return
	}
	telegramID, err := resolveCaller(r, req.TelegramID, req.TelegramIDAlt)
	if err != nil {
		writeServiceError(w, "create_invoice", err)
		return
	}

	res, err := h.service.CreateCoinInvoice(r.Context(), app.CoinInvoiceRequest{
		TelegramID: telegramID,
		Email:      req.Email,
		Currency:   req.Currency,
		PackageID:  req.PackageID,
	})
	if err != nil {
		writeServiceError(w, "create_invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, newInvoiceResponse(res))
}

// CreateSubscriptionInvoiceHandler creates a monthly plan invoice.
func (h *BillingHandlers) CreateSubscriptionInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req subscriptionInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, "create_subscription_invoice", err)
		return
	}
	telegramID, err := resolveCaller(r, req.TelegramID, req.TelegramIDAlt)
	if err != nil {
		writeServiceError(w, "create_subscription_invoice", err)
		return
	}

	res, err := h.service.CreateSubscriptionInvoice(r.Context(), app.SubscriptionInvoiceRequest{
		TelegramID: telegramID,
		Email:      req.Email,
		Currency:   req.Currency,
		PlanID:     req.PlanID,
	})
	if err != nil {
		writeServiceError(w, "create_subscription_invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, newInvoiceResponse(res))
}

// CreateProdamusInvoiceHandler returns a signed Prodamus payform link.
func (h *BillingHandlers) CreateProdamusInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req coinInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, "create_prodamus_invoice", err)
		return
	}
	telegramID, err := resolveCaller(r, req.TelegramID, req.TelegramIDAlt)
	if err != nil {
		writeServiceError(w, "create_prodamus_invoice", err)
		return
	}

	link, err := h.service.CreateProdamusLink(r.Context(), telegramID, req.PackageID)
	if err != nil {
		writeServiceError(w, "create_prodamus_invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"paymentUrl": link.PaymentURL,
		"orderId":    link.OrderID,
		"package": map[string]interface{}{
			"id":    link.Package.ID,
			"name":  link.Package.Name,
			"coins": link.Package.Coins,
			"price": price(link.Package.Price),
		},
	})
}

// CancelSubscriptionHandler cancels the caller's active subscription.
func (h *BillingHandlers) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, "cancel_subscription", err)
		return
	}
	telegramID, err := resolveCaller(r, req.TelegramID, req.TelegramIDAlt)
	if err != nil {
		writeServiceError(w, "cancel_subscription", err)
		return
	}

	res, err := h.service.CancelSubscription(r.Context(), telegramID)
	if err != nil {
		writeServiceError(w, "cancel_subscription", err)
		return
	}

	var expiresAt *string
	if res.ExpiresAt != nil {
		v := res.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt = &v
	}
	log.Printf("level=info component=api endpoint=cancel_subscription outcome=cancelled telegram_id=%d warnings=%d", telegramID, len(res.Warnings))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"success":   true,
		"message":   res.Message,
		"expiresAt": expiresAt,
		"warnings":  nonNil(res.Warnings),
	})
}

type catalogItem struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name,omitempty"`
	Coins   int64                  `json:"coins"`
	Prices  map[string]json.Number `json:"prices"`
	Monthly bool                   `json:"monthly,omitempty"`
}

func priceTable(prices map[string]decimal.Decimal) map[string]json.Number {
	out := make(map[string]json.Number, len(prices))
	for code, p := range prices {
		out[code] = price(p)
	}
	return out
}

// CatalogHandler lists the purchasable packages and plans with their prices.
func (h *BillingHandlers) CatalogHandler(w http.ResponseWriter, r *http.Request) {
	cat := h.service.Catalog()

	packages := make([]catalogItem, 0, len(cat.Packages))
	for _, id := range cat.PackageIDs() {
		p := cat.Packages[id]
		packages = append(packages, catalogItem{ID: p.ID, Coins: p.Coins, Prices: priceTable(p.Prices)})
	}

	planIDs := make([]string, 0, len(cat.Plans))
	for id := range cat.Plans {
		planIDs = append(planIDs, id)
	}
	sort.Strings(planIDs)
	plans := make([]catalogItem, 0, len(planIDs))
	for _, id := range planIDs {
		p := cat.Plans[id]
		plans = append(plans, catalogItem{ID: p.ID, Name: p.Name, Coins: p.NeuronsPerMonth, Prices: priceTable(p.Prices), Monthly: true})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"defaultPackage": catalog.DefaultPackageID,
		"packages":       packages,
		"plans":          plans,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
