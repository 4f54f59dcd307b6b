package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// ForwardCarousel hands a generation request to the workflow engine unchanged.
func (s *Service) ForwardCarousel(ctx context.Context, body []byte) error {
	if s.settings.CarouselWebhookURL == "" || s.engine == nil {
		return &ConfigurationError{Missing: "N8N_CAROUSEL_WEBHOOK_URL"}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return fmt.Errorf("%w: body must be JSON", ErrInvalidRequest)
	}
	if err := s.engine.TriggerWebhook(ctx, s.settings.CarouselWebhookURL, body); err != nil {
		log.Printf("level=error component=carousel msg=\"workflow webhook failed\" err=%v", err)
		return upstreamFrom("n8n", err)
	}
	return nil
}
