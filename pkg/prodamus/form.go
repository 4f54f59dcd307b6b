package prodamus

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const orderPrefix = "prodamus_"

var (
	orderIDPattern       = regexp.MustCompile(`^prodamus_(\d+)_\d+_(.+)$`)
	customerExtraPattern = regexp.MustCompile(`Telegram ID:\s*(\d+)`)
)

// ParseForm decodes a form body with PHP-style nested keys, so
// `products[0][name]=Test` becomes {"products": {"0": {"name": "Test"}}}.
func ParseForm(body string) (map[string]any, error) {
	result := map[string]any{}
	for _, pair := range strings.Split(body, "&") {
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		rawKey, err := url.QueryUnescape(pair[:eq])
		if err != nil {
			return nil, fmt.Errorf("decode form key %q: %w", pair[:eq], err)
		}
		value, err := url.QueryUnescape(pair[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("decode form value for %q: %w", rawKey, err)
		}

		parts := splitKey(rawKey)
		if len(parts) == 0 {
			continue
		}
		current := result
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = value
	}
	return result, nil
}

func splitKey(key string) []string {
	return strings.FieldsFunc(key, func(r rune) bool { return r == '[' || r == ']' })
}

// OrderID builds the order id that lets the webhook recover user and package.
func OrderID(telegramID int64, at time.Time, packageID string) string {
	return fmt.Sprintf("%s%d_%d_%s", orderPrefix, telegramID, at.UnixMilli(), packageID)
}

// IsAppOrder reports whether the order was created by this service. Other orders on the
// same payform (courses, manual invoices) must be acknowledged and ignored.
func IsAppOrder(orderID string) bool {
	return strings.HasPrefix(orderID, orderPrefix)
}

// ParseOrderID extracts the telegram id and package id from an app order id.
func ParseOrderID(orderID string) (int64, string, bool) {
	m := orderIDPattern.FindStringSubmatch(orderID)
	if m == nil {
		return 0, "", false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return id, m[2], true
}

// CustomerExtra renders the free-text customer field carrying the telegram id.
func CustomerExtra(telegramID int64) string {
	return fmt.Sprintf("Telegram ID: %d", telegramID)
}

// TelegramIDFromCustomerExtra is the fallback lookup when the order id is foreign.
func TelegramIDFromCustomerExtra(extra string) (int64, bool) {
	m := customerExtraPattern.FindStringSubmatch(extra)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
