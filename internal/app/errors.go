package app

import (
	"errors"
	"fmt"

	"github.com/aiciti/billing-service/pkg/lavaclient"
	"github.com/aiciti/billing-service/pkg/n8nclient"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ConfigurationError reports a missing credential or catalog entry. It is not retried.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("not configured: %s", e.Missing)
}

// UpstreamError carries a third-party non-2xx status and body back to the caller.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Service, e.Status)
}

// MissingIdentifierError means no probe location carried a user identifier.
type MissingIdentifierError struct {
	Payload map[string]any
}

func (e *MissingIdentifierError) Error() string {
	return "no telegram_id found"
}

// InvalidIdentifierError means an identifier was found but is not an integer.
type InvalidIdentifierError struct {
	Value string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid telegram_id %q", e.Value)
}

// NotFoundError is returned when a subscription or quiz does not exist.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// CreditFailedError is returned when a ledger procedure answers success=false. The
// idempotency claim has been rolled back.
type CreditFailedError struct {
	Reason string
}

func (e *CreditFailedError) Error() string {
	if e.Reason == "" {
		return "ledger credit rejected"
	}
	return "ledger credit rejected: " + e.Reason
}

// RateLimitedError is returned when a public endpoint exceeds its per-minute budget.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %ds", e.RetryAfterSeconds)
}

// upstreamFrom converts client API errors to UpstreamError and leaves other errors intact.
func upstreamFrom(service string, err error) error {
	var lavaErr *lavaclient.APIError
	if errors.As(err, &lavaErr) {
		return &UpstreamError{Service: service, Status: lavaErr.StatusCode, Body: string(lavaErr.Body)}
	}
	var n8nErr *n8nclient.APIError
	if errors.As(err, &n8nErr) {
		return &UpstreamError{Service: service, Status: n8nErr.StatusCode, Body: n8nErr.Body}
	}
	return err
}
