package lavaclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateInvoiceSendsPayloadAndParsesFallbackFields(t *testing.T) {
	var gotBody InvoiceRequest
	var gotKey, gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://pay.example/abc","contractId":"c-1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "key-1")
	invoice, err := client.CreateInvoice(context.Background(), InvoiceRequest{
		Email:         "a@b.c",
		OfferID:       "offer-1",
		Currency:      "USD",
		Periodicity:   PeriodicityOneTime,
		BuyerLanguage: "RU",
		ClientUTM:     ClientUTM{Content: "555", Campaign: "starter"},
	})
	if err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}

	if gotPath != "/api/v3/invoice" {
		t.Fatalf("expected invoice path, got %s", gotPath)
	}
	if gotKey != "key-1" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotBody.ClientUTM.Content != "555" || gotBody.OfferID != "offer-1" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if invoice.PaymentURL != "https://pay.example/abc" || invoice.InvoiceID != "c-1" {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}
}

func TestCreateInvoiceReturnsAPIErrorOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"offer not found"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k").CreateInvoice(context.Background(), InvoiceRequest{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "offer not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestCancelSubscriptionUsesContractPath(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	if err := NewClient(server.URL, "k").CancelSubscription(context.Background(), "contract-9"); err != nil {
		t.Fatalf("CancelSubscription returned error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v2/subscription/contract-9/cancel" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestNewClientDefaultsBaseURL(t *testing.T) {
	if c := NewClient("  ", "k"); c.BaseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", c.BaseURL)
	}
}
