package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/pkg/telegram"
	"github.com/shopspring/decimal"
)

const buyerFallbackName = "Ваш партнёр"

func (s *Service) supportLine() string {
	contact := s.settings.SupportContact
	if contact == "" {
		return ""
	}
	return "\n\nЕсли возникли трудности, напишите в тех. поддержку: " + html.EscapeString(contact)
}

func (s *Service) appButtons() []telegram.Button {
	if s.settings.MiniAppURL == "" {
		return nil
	}
	return []telegram.Button{{Text: "Открыть приложение", URL: s.settings.MiniAppURL, WebApp: true}}
}

// notifyUser sends a plain message and returns a warning on failure.
func (s *Service) notifyUser(ctx context.Context, chatID int64, text string) string {
	if s.notifier == nil {
		return "telegram notifier is not configured"
	}
	if err := s.notifier.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("level=warn component=notifications chat_id=%d msg=\"user notification failed\" err=%v", chatID, err)
		return fmt.Sprintf("notify %d failed: %v", chatID, err)
	}
	return ""
}

// sendReceipt delivers a purchase receipt, with the banner image when one is configured.
func (s *Service) sendReceipt(ctx context.Context, chatID int64, text string) string {
	if s.notifier == nil {
		return "telegram notifier is not configured"
	}
	buttons := s.appButtons()
	var err error
	if s.settings.ReceiptBannerURL != "" {
		err = s.notifier.SendPhoto(ctx, chatID, s.settings.ReceiptBannerURL, text, buttons...)
	} else {
		err = s.notifier.SendMessage(ctx, chatID, text, buttons...)
	}
	if err != nil {
		log.Printf("level=warn component=notifications chat_id=%d msg=\"receipt delivery failed\" err=%v", chatID, err)
		return fmt.Sprintf("receipt to %d failed: %v", chatID, err)
	}
	return ""
}

// notifyAdmins broadcasts to every configured admin chat.
func (s *Service) notifyAdmins(ctx context.Context, text string) []string {
	if s.notifier == nil || len(s.settings.AdminChatIDs) == 0 {
		log.Printf("level=info component=notifications msg=\"admin alert skipped; no admin chats configured\"")
		return nil
	}
	var warnings []string
	for _, chatID := range s.settings.AdminChatIDs {
		if err := s.notifier.SendMessage(ctx, chatID, text); err != nil {
			if errors.Is(err, telegram.ErrNotConfigured) {
				return []string{"admin alert skipped: " + err.Error()}
			}
			log.Printf("level=warn component=notifications admin_chat_id=%d msg=\"admin alert failed\" err=%v", chatID, err)
			warnings = append(warnings, fmt.Sprintf("admin alert to %d failed: %v", chatID, err))
		}
	}
	return warnings
}

// userLabel renders `ID: <code>1</code> (@name) (First)` for admin messages.
func userLabel(telegramID int64, u *domain.User) string {
	label := fmt.Sprintf("ID: <code>%d</code>", telegramID)
	if u == nil {
		return label
	}
	if u.Username != nil && *u.Username != "" {
		label += " (@" + html.EscapeString(*u.Username) + ")"
	}
	if u.FirstName != nil && *u.FirstName != "" {
		label += " (" + html.EscapeString(*u.FirstName) + ")"
	}
	return label
}

func money(amount decimal.Decimal, currency string) string {
	return amount.String() + " " + currency
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

func coinPurchaseReceipt(packageID string, coins int64, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("✅ Оплата %s прошла успешно!\n\n💎 Начислено: %d нейронов\n📦 Пакет: %s\n\nСпасибо за покупку!",
		html.EscapeString(money(amount, currency)), coins, html.EscapeString(strings.ToUpper(packageID)))
}

func subscriptionReceipt(planID string, neurons int64, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("✅ Подписка оформлена!\n\n💎 Начислено: %d нейронов\n📦 План: %s\n💰 Сумма: %s\n\nСпасибо за покупку!",
		neurons, html.EscapeString(strings.ToUpper(planID)), html.EscapeString(money(amount, currency)))
}

func renewalReceipt(neurons int64, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("🔄 Подписка продлена!\n\n💎 Начислено: %d нейронов\n💰 Сумма: %s\n\nСпасибо!",
		neurons, html.EscapeString(money(amount, currency)))
}

func referralNotice(buyerName string, bonus int64, what string) string {
	return fmt.Sprintf("🔔 <b>%s</b> %s!\n\nВам начислен бонус: <b>%d</b> нейронов.",
		html.EscapeString(buyerName), what, bonus)
}

func adminCoinPurchase(title string, user string, amount decimal.Decimal, currency string, coins int64, packageID, reference string) string {
	return fmt.Sprintf("💰 <b>%s</b>\n\n👤 User: %s\n💵 Сумма: <b>%s</b>\n💎 Нейроны: <b>%d</b>\n📦 Пакет: %s\n🧾 Ref: <code>%s</code>",
		html.EscapeString(title), user, html.EscapeString(money(amount, currency)), coins,
		html.EscapeString(packageID), html.EscapeString(orNA(reference)))
}

func adminSubscription(title string, user string, amount decimal.Decimal, currency string, neurons int64, contractID string) string {
	return fmt.Sprintf("%s\n\n👤 User: %s\n💰 Сумма: <b>%s</b>\n💎 Нейроны: <b>%d</b>\n🧾 Contract: <code>%s</code>",
		title, user, html.EscapeString(money(amount, currency)), neurons, html.EscapeString(orNA(contractID)))
}

func adminCreditFailure(source string, telegramID int64, what string, amount decimal.Decimal, currency, reference, reason string) string {
	return fmt.Sprintf("❌ <b>%s: ошибка начисления!</b>\n\n👤 Telegram ID: <code>%d</code>\n💎 %s\n💰 Сумма: %s\n🧾 Ref: <code>%s</code>\n\n❗ %s\n\nНужно начислить вручную!",
		html.EscapeString(source), telegramID, html.EscapeString(what), html.EscapeString(money(amount, currency)),
		html.EscapeString(orNA(reference)), html.EscapeString(reason))
}

// truncatedJSON is used to show payloads to admins without flooding the chat.
func truncatedJSON(raw string, limit int) string {
	if r := []rune(raw); len(r) > limit {
		raw = string(r[:limit]) + "…"
	}
	return "<code>" + html.EscapeString(raw) + "</code>"
}
