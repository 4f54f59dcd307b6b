package api

import (
	"log"
	"net/http"

	"github.com/aiciti/billing-service/internal/app"
	"github.com/aiciti/billing-service/internal/domain"
)

// RefundCarouselHandler returns coins after a failed carousel generation.
func (h *BillingHandlers) RefundCarouselHandler(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("x-refund-secret")
	if err := h.service.AuthorizeRefund(secret); err != nil {
		writeServiceError(w, "refund_carousel", err)
		return
	}

	var req app.RefundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, "refund_carousel", err)
		return
	}

	res, err := h.service.RefundCarousel(r.Context(), secret, req)
	if err != nil {
		writeServiceError(w, "refund_carousel", err)
		return
	}

	log.Printf("level=info component=api endpoint=refund_carousel outcome=%s telegram_id=%d refunded=%d", res.Status, res.TelegramID, res.Refunded)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"success":     true,
		"status":      res.Status,
		"telegram_id": res.TelegramID,
		"refunded":    res.Refunded,
		"new_balance": res.NewBalance,
		"warnings":    nonNil(res.Warnings),
	})
}

// CarouselGenerateHandler forwards a generation request to the workflow engine.
func (h *BillingHandlers) CarouselGenerateHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read body")
		return
	}
	if err := h.service.ForwardCarousel(r.Context(), body); err != nil {
		writeServiceError(w, "carousel_generate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"success": true,
		"message": "Carousel generation started",
	})
}

// QuizLeadHandler notifies a quiz owner about a new lead. Lookup and delivery failures
// are answered with 200 and ok=false.
func (h *BillingHandlers) QuizLeadHandler(w http.ResponseWriter, r *http.Request) {
	var lead domain.Lead
	if err := decodeJSON(w, r, &lead); err != nil {
		writeServiceError(w, "quiz_lead", err)
		return
	}

	res, err := h.service.NotifyQuizLead(r.Context(), lead)
	if err != nil {
		writeServiceError(w, "quiz_lead", err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": res.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
