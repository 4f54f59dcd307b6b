package prodamus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"
)

func hmacHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignSortsKeysAndStringifiesScalars(t *testing.T) {
	data := map[string]any{
		"sum":      float64(100),
		"order_id": "prodamus_1_2_test_10",
		"flags":    map[string]any{"z": true, "a": nil},
	}

	got, err := Sign(data, "secret")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	want := hmacHex("secret", `{"flags":{"a":"null","z":"true"},"order_id":"prodamus_1_2_test_10","sum":"100"}`)
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSignDoesNotEscapeHTMLCharacters(t *testing.T) {
	got, err := Sign(map[string]any{"name": "Тест <1> & co"}, "k")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	want := hmacHex("k", `{"name":"Тест <1> & co"}`)
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSignRequiresSecret(t *testing.T) {
	if _, err := Sign(map[string]any{}, ""); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestVerifyIsCaseInsensitive(t *testing.T) {
	data := map[string]any{"order_id": "x"}
	sign, _ := Sign(data, "s")

	if !Verify(data, strings.ToUpper(sign), "s") {
		t.Fatal("expected upper-case signature to verify")
	}
	if Verify(data, sign, "other") {
		t.Fatal("expected signature with another secret to fail")
	}
}

func TestParseFormBuildsNestedMaps(t *testing.T) {
	body := "order_id=prodamus_42_1700000000000_test_10&sum=10.00&products%5B0%5D%5Bname%5D=%D0%A2%D0%B5%D1%81%D1%82+10&products[0][sku]=test_10&sign=abc"

	got, err := ParseForm(body)
	if err != nil {
		t.Fatalf("ParseForm returned error: %v", err)
	}
	if got["order_id"] != "prodamus_42_1700000000000_test_10" {
		t.Fatalf("unexpected order_id: %v", got["order_id"])
	}
	products, ok := got["products"].(map[string]any)
	if !ok {
		t.Fatalf("expected products map, got %T", got["products"])
	}
	first, ok := products["0"].(map[string]any)
	if !ok {
		t.Fatalf("expected products[0] map, got %T", products["0"])
	}
	if first["name"] != "Тест 10" || first["sku"] != "test_10" {
		t.Fatalf("unexpected product: %v", first)
	}
}

func TestOrderIDRoundTrip(t *testing.T) {
	id := OrderID(555, time.UnixMilli(1700000000123), "test_100")
	if id != "prodamus_555_1700000000123_test_100" {
		t.Fatalf("unexpected order id %q", id)
	}
	if !IsAppOrder(id) {
		t.Fatal("expected app order")
	}

	tg, pkg, ok := ParseOrderID(id)
	if !ok || tg != 555 || pkg != "test_100" {
		t.Fatalf("expected (555, test_100), got (%d, %s, %t)", tg, pkg, ok)
	}

	if _, _, ok := ParseOrderID("course_17"); ok {
		t.Fatal("expected foreign order to be rejected")
	}
}

func TestTelegramIDFromCustomerExtra(t *testing.T) {
	id, ok := TelegramIDFromCustomerExtra("note; Telegram ID:  98765")
	if !ok || id != 98765 {
		t.Fatalf("expected 98765, got %d ok=%t", id, ok)
	}
	if _, ok := TelegramIDFromCustomerExtra("no id here"); ok {
		t.Fatal("expected no id")
	}
}

func TestBuildPaymentURLSignsOrderFields(t *testing.T) {
	c := NewClient("https://shop.payform.ru/", "secret")

	raw, err := c.BuildPaymentURL(PaymentRequest{
		OrderID:       "prodamus_1_2_test_1",
		CustomerExtra: CustomerExtra(1),
		Products:      []Product{{Name: "Тест 1₽", Price: "1", SKU: "test_1"}},
		SuccessURL:    "https://example.com/ok",
	})
	if err != nil {
		t.Fatalf("BuildPaymentURL returned error: %v", err)
	}
	if !strings.HasPrefix(raw, "https://shop.payform.ru/?") {
		t.Fatalf("unexpected url prefix: %s", raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url parse: %v", err)
	}
	q := u.Query()
	if q.Get("products[0][quantity]") != "1" {
		t.Fatalf("expected default quantity 1, got %q", q.Get("products[0][quantity]"))
	}

	want, _ := Sign(map[string]any{
		"order_id":       "prodamus_1_2_test_1",
		"customer_extra": "Telegram ID: 1",
		"products": []any{map[string]any{
			"name": "Тест 1₽", "price": "1", "quantity": "1", "sku": "test_1",
		}},
		"urlSuccess": "https://example.com/ok",
	}, "secret")
	if q.Get("sign") != want {
		t.Fatalf("expected sign %s, got %s", want, q.Get("sign"))
	}
}

func TestBuildPaymentURLWithoutSecret(t *testing.T) {
	if _, err := NewClient("https://x", "").BuildPaymentURL(PaymentRequest{}); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
