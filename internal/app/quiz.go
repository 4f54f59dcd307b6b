package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/internal/store"
)

// LeadNotification is the soft outcome returned to the quiz page.
type LeadNotification struct {
	OK    bool
	Error string
}

var moscow = loadMoscow()

func loadMoscow() *time.Location {
	if loc, err := time.LoadLocation("Europe/Moscow"); err == nil {
		return loc
	}
	return time.FixedZone("MSK", 3*60*60)
}

func formatLeadMessage(quiz *domain.Quiz, lead domain.Lead, at time.Time) string {
	var b strings.Builder
	b.WriteString("🎯 <b>Новая заявка из квиза!</b>\n\n")
	fmt.Fprintf(&b, "📋 <b>Квиз:</b> %s\n\n", html.EscapeString(quiz.Title))

	if lead.Name != "" || lead.Phone != "" || lead.Email != "" {
		b.WriteString("<b>Контакты:</b>\n")
		if lead.Name != "" {
			fmt.Fprintf(&b, "👤 Имя: %s\n", html.EscapeString(lead.Name))
		}
		if lead.Phone != "" {
			fmt.Fprintf(&b, "📱 Тел: %s\n", html.EscapeString(lead.Phone))
		}
		if lead.Email != "" {
			fmt.Fprintf(&b, "📧 Email: %s\n", html.EscapeString(lead.Email))
		}
		b.WriteString("\n")
	}

	if len(lead.Answers) > 0 {
		b.WriteString("<b>Ответы:</b>\n")
		for i, a := range lead.Answers {
			fmt.Fprintf(&b, "%d. %s\n   → %s\n", i+1, html.EscapeString(a.Question), html.EscapeString(a.Answer))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "🕐 %s МСК", at.In(moscow).Format("02.01.2006, 15:04"))
	return b.String()
}

// NotifyQuizLead pushes a captured lead to the quiz owner. Lookup and delivery problems
// are soft failures; only a malformed request or a rate limit is an error.
func (s *Service) NotifyQuizLead(ctx context.Context, lead domain.Lead) (*LeadNotification, error) {
	lead.QuizID = strings.TrimSpace(lead.QuizID)
	if lead.QuizID == "" {
		return nil, fmt.Errorf("%w: quiz_id is required", ErrInvalidRequest)
	}
	if ok, retryAfter := s.allow(ctx, "quiz_lead", lead.QuizID, s.settings.QuizLeadRateLimitPerMinute); !ok {
		return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
	}

	quiz, err := s.repo.FindQuiz(ctx, lead.QuizID)
	if err != nil {
		if errors.Is(err, store.ErrQuizNotFound) {
			return &LeadNotification{Error: "Quiz not found"}, nil
		}
		log.Printf("level=error component=quiz_leads quiz_id=%s msg=\"quiz lookup failed\" err=%v", lead.QuizID, err)
		return &LeadNotification{Error: "Quiz lookup failed"}, nil
	}
	if quiz.OwnerTelegramID == nil || *quiz.OwnerTelegramID == 0 {
		return &LeadNotification{Error: "Quiz owner not found"}, nil
	}
	if s.notifier == nil {
		return &LeadNotification{Error: "Telegram bot is not configured"}, nil
	}

	text := formatLeadMessage(quiz, lead, s.now())
	if err := s.notifier.SendMessage(ctx, *quiz.OwnerTelegramID, text); err != nil {
		log.Printf("level=warn component=quiz_leads quiz_id=%s owner_id=%d msg=\"lead delivery failed\" err=%v", quiz.ID, *quiz.OwnerTelegramID, err)
		return &LeadNotification{Error: "Failed to send Telegram message"}, nil
	}

	log.Printf("level=info component=quiz_leads quiz_id=%s owner_id=%d msg=\"lead delivered\"", quiz.ID, *quiz.OwnerTelegramID)
	return &LeadNotification{OK: true}, nil
}
