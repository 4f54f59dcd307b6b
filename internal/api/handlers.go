/**
 * @description
 * This file contains the shared pieces of the billing service's HTTP handlers: the
 * handler type, JSON response helpers and the mapping from service errors to HTTP
 * statuses. Every JSON response carries `ok`, and failures carry `error`.
 *
 * @dependencies
 * - internal/app, internal/store: For service logic and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/aiciti/billing-service/internal/app"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// BillingHandlers holds the application service that handlers will use.
type BillingHandlers struct {
	service *app.Service
}

// NewBillingHandlers creates a new instance of BillingHandlers.
func NewBillingHandlers(service *app.Service) *BillingHandlers {
	return &BillingHandlers{service: service}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

// price renders a decimal as a JSON number instead of a quoted string.
func price(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", app.ErrInvalidRequest, err)
	}
	return nil
}

// resolveCaller picks the telegram id for Mini App requests. An authenticated id wins;
// a body id that contradicts it is rejected.
func resolveCaller(r *http.Request, ids ...app.FlexibleID) (int64, error) {
	var fromBody int64
	for _, id := range ids {
		raw := strings.TrimSpace(id.String())
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed == 0 {
			return 0, &app.InvalidIdentifierError{Value: raw}
		}
		fromBody = parsed
		break
	}

	if authID, ok := GetTelegramID(r.Context()); ok {
		if fromBody != 0 && fromBody != authID {
			return 0, app.ErrUnauthorized
		}
		return authID, nil
	}
	if fromBody == 0 {
		return 0, fmt.Errorf("%w: telegramId is required", app.ErrInvalidRequest)
	}
	return fromBody, nil
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var (
		cfgErr      *app.ConfigurationError
		upstreamErr *app.UpstreamError
		missingErr  *app.MissingIdentifierError
		invalidErr  *app.InvalidIdentifierError
		notFoundErr *app.NotFoundError
		creditErr   *app.CreditFailedError
		limitedErr  *app.RateLimitedError
	)

	switch {
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, app.ErrInvalidSignature):
		writeError(w, http.StatusForbidden, "Invalid signature")
	case errors.As(err, &missingErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok":      false,
			"error":   "No telegram_id found",
			"payload": missingErr.Payload,
		})
	case errors.As(err, &invalidErr):
		writeError(w, http.StatusBadRequest, invalidErr.Error())
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, notFoundErr.Error())
	case errors.As(err, &limitedErr):
		w.Header().Set("Retry-After", strconv.Itoa(limitedErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many requests")
	case errors.As(err, &upstreamErr):
		status := upstreamErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		log.Printf("level=warn component=api endpoint=%s outcome=upstream_error service=%s status=%d", endpoint, upstreamErr.Service, upstreamErr.Status)
		writeJSON(w, status, map[string]interface{}{
			"ok":      false,
			"error":   upstreamErr.Error(),
			"details": upstreamErr.Body,
		})
	case errors.As(err, &cfgErr):
		log.Printf("level=error component=api endpoint=%s outcome=misconfigured missing=%s", endpoint, cfgErr.Missing)
		writeError(w, http.StatusInternalServerError, cfgErr.Error())
	case errors.Is(err, store.ErrIdempotencyUnavailable):
		log.Printf("level=error component=api endpoint=%s outcome=idempotency_unavailable err=%v", endpoint, err)
		writeError(w, http.StatusServiceUnavailable, "Payment processing temporarily unavailable")
	case errors.As(err, &creditErr):
		writeError(w, http.StatusInternalServerError, creditErr.Error())
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failure err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
