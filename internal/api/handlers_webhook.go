package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/aiciti/billing-service/internal/app"
	"github.com/aiciti/billing-service/pkg/prodamus"
)

type settlementResponse struct {
	OK            bool     `json:"ok"`
	Action        string   `json:"action"`
	Message       string   `json:"message,omitempty"`
	TelegramID    int64    `json:"telegram_id,omitempty"`
	CoinsAdded    int64    `json:"coins_added,omitempty"`
	NewBalance    int64    `json:"new_balance,omitempty"`
	Package       string   `json:"package,omitempty"`
	Plan          string   `json:"plan,omitempty"`
	ReferralBonus int64    `json:"referral_bonus,omitempty"`
	Warnings      []string `json:"warnings"`
}

func newSettlementResponse(st *app.Settlement) settlementResponse {
	return settlementResponse{
		OK:            true,
		Action:        st.Action,
		Message:       st.Message,
		TelegramID:    st.TelegramID,
		CoinsAdded:    st.CoinsAdded,
		NewBalance:    st.NewBalance,
		Package:       st.PackageID,
		Plan:          st.PlanID,
		ReferralBonus: st.ReferralBonus,
		Warnings:      nonNil(st.Warnings),
	}
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return map[string]any{}, nil
	}
	return payload, nil
}

// LavaWebhookHandler settles lava.top payment, subscription and cancellation events.
func (h *BillingHandlers) LavaWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read body")
		return
	}

	if err := h.service.VerifyLavaWebhook(body, r.Header.Get("X-Signature"), r.Header.Get("X-Api-Key")); err != nil {
		log.Printf("level=warn component=api endpoint=lava_webhook outcome=reject reason=signature remote=%s", r.RemoteAddr)
		writeServiceError(w, "lava_webhook", err)
		return
	}

	payload, err := decodeObject(body)
	if err != nil {
		log.Printf("level=warn component=api endpoint=lava_webhook outcome=reject reason=invalid_json err=%v", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	st, err := h.service.HandleLavaWebhook(r.Context(), payload)
	if err != nil {
		writeServiceError(w, "lava_webhook", err)
		return
	}
	log.Printf("level=info component=api endpoint=lava_webhook outcome=%s telegram_id=%d warnings=%d", st.Action, st.TelegramID, len(st.Warnings))
	writeJSON(w, http.StatusOK, newSettlementResponse(st))
}

// ProdamusWebhookHandler accepts form-encoded or JSON payform notifications and answers
// plain text, as the payform expects.
func (h *BillingHandlers) ProdamusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, "Unable to read body", http.StatusBadRequest)
		return
	}

	var data map[string]any
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "json") {
		data, err = decodeObject(body)
	} else {
		data, err = prodamus.ParseForm(string(body))
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=prodamus_webhook outcome=reject reason=unparseable err=%v", err)
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	st, err := h.service.HandleProdamusWebhook(r.Context(), app.ProdamusNotification{Data: data, Sign: r.Header.Get("Sign")})
	switch {
	case errors.Is(err, app.ErrInvalidSignature):
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	case err != nil:
		log.Printf("level=error component=api endpoint=prodamus_webhook outcome=failure err=%v", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	log.Printf("level=info component=api endpoint=prodamus_webhook outcome=%s telegram_id=%d message=%q", st.Action, st.TelegramID, st.Message)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
