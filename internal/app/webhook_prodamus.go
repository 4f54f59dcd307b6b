package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/aiciti/billing-service/internal/domain"
	"github.com/aiciti/billing-service/pkg/prodamus"
	"github.com/shopspring/decimal"
)

// ProdamusNotification is a decoded payform notification. Sign comes from the Sign
// header; when empty the `sign` field of the body is used.
type ProdamusNotification struct {
	Data map[string]any
	Sign string
}

func isProdamusSuccess(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed", "":
		return true
	}
	return false
}

// prodamusCoins resolves the package from the Prodamus table first and the regular
// catalog second.
func (s *Service) prodamusCoins(packageID string) int64 {
	if p, ok := s.catalog.ProdamusPackage(packageID); ok {
		return p.Coins
	}
	if strings.TrimSpace(packageID) == "" {
		return 0
	}
	if p, ok := s.catalog.Package(packageID); ok {
		return p.Coins
	}
	return 0
}

// HandleProdamusWebhook settles a payform notification. Only a bad signature is an
// error the caller should surface; every other outcome is acknowledged so the payform
// does not retry.
func (s *Service) HandleProdamusWebhook(ctx context.Context, n ProdamusNotification) (*Settlement, error) {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	sign := strings.TrimSpace(n.Sign)
	if bodySign, ok := data["sign"]; ok {
		if sign == "" {
			sign, _ = scalarString(bodySign)
		}
		delete(data, "sign")
	}

	if secret := s.settings.ProdamusSecretKey; secret != "" {
		if sign == "" || !prodamus.Verify(data, sign, secret) {
			raw, _ := json.Marshal(data)
			log.Printf("level=warn component=prodamus_webhook msg=\"invalid signature\" sign_present=%t", sign != "")
			s.notifyAdmins(ctx, "⚠️ <b>Prodamus Webhook: невалидная подпись!</b>\n\nДанные: "+truncatedJSON(string(raw), 300))
			return nil, ErrInvalidSignature
		}
	} else {
		log.Printf("level=warn component=prodamus_webhook msg=\"PRODAMUS_SECRET_KEY not set; signature not verified\"")
	}

	orderID := firstScalar(data, "order_id", "order_num")
	sum := firstScalar(data, "sum", "payment_sum")
	if sum == "" {
		sum = "0"
	}
	status := firstScalar(data, "payment_status", "status")
	customerExtra := firstScalar(data, "customer_extra")

	if !prodamus.IsAppOrder(orderID) {
		log.Printf("level=info component=prodamus_webhook order_id=%q msg=\"foreign order acknowledged\"", orderID)
		return &Settlement{Action: ActionIgnored, Message: "Foreign order"}, nil
	}

	telegramID, packageID, ok := prodamus.ParseOrderID(orderID)
	if !ok && customerExtra != "" {
		telegramID, ok = prodamus.TelegramIDFromCustomerExtra(customerExtra)
	}
	if !ok || telegramID == 0 {
		raw, _ := json.Marshal(data)
		log.Printf("level=error component=prodamus_webhook order_id=%q msg=\"no telegram_id found\"", orderID)
		s.notifyAdmins(ctx, fmt.Sprintf("⚠️ <b>Prodamus: telegram_id не найден!</b>\n\nOrder: <code>%s</code>\nSum: %s₽\nData: %s",
			orderID, sum, truncatedJSON(string(raw), 300)))
		return &Settlement{Action: ActionIgnored, Message: "No telegram_id"}, nil
	}

	if !isProdamusSuccess(status) {
		s.notifyAdmins(ctx, fmt.Sprintf("ℹ️ <b>Prodamus: статус %s</b>\n\n👤 Telegram: <code>%d</code>\nOrder: <code>%s</code>\nSum: %s₽",
			status, telegramID, orderID, sum))
		return &Settlement{Action: ActionIgnored, Message: "Ignored non-success", TelegramID: telegramID}, nil
	}

	coins := s.prodamusCoins(packageID)
	if coins == 0 {
		log.Printf("level=error component=prodamus_webhook telegram_id=%d package=%q msg=\"unknown package\"", telegramID, packageID)
		s.notifyAdmins(ctx, fmt.Sprintf("⚠️ <b>Prodamus: неизвестный пакет!</b>\n\n👤 Telegram: <code>%d</code>\nPackage: <code>%s</code>\nSum: %s₽\n\nНужно начислить вручную!",
			telegramID, packageID, sum))
		return &Settlement{Action: ActionIgnored, Message: "Unknown package", TelegramID: telegramID}, nil
	}

	amount, err := decimal.NewFromString(sum)
	if err != nil {
		amount = decimal.Zero
	}

	return s.settleCoinPurchase(ctx, coinPurchase{
		TelegramID: telegramID,
		PackageID:  packageID,
		Coins:      coins,
		Amount:     amount,
		Currency:   catalog.CurrencyRUB,
		Source:     domain.PaymentSourceProdamus,
		ExternalID: "prodamus:" + orderID,
		Reference:  orderID,
		Method:     domain.PaymentMethodProdamusCoins,
		Metadata: map[string]any{
			"source":     string(domain.PaymentSourceProdamus),
			"order_id":   orderID,
			"package_id": packageID,
			"amount_rub": amount.InexactFloat64(),
		},
	}, &Settlement{})
}
