/**
 * @description
 * This package implements the Prodamus payform protocol: signing payment links,
 * verifying webhook signatures and decoding the PHP-style form bodies Prodamus posts.
 *
 * The signature is a hex HMAC-SHA256 over the JSON encoding of the payload after every
 * object has its keys sorted and every scalar has been turned into a string.
 */
package prodamus

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingSecret is returned when signing is attempted without a secret key.
var ErrMissingSecret = errors.New("prodamus secret key is not configured")

// Sign computes the payform signature for data.
func Sign(data map[string]any, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(stringify(data)); err != nil {
		return "", fmt.Errorf("encode prodamus payload: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether received matches the signature of data. The comparison is
// case-insensitive and constant time.
func Verify(data map[string]any, received, secret string) bool {
	expected, err := Sign(data, secret)
	if err != nil {
		return false
	}
	got := strings.ToLower(strings.TrimSpace(received))
	return hmac.Equal([]byte(expected), []byte(got))
}

func stringify(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = stringify(child)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = child
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = stringify(child)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = stringify(child)
		}
		return out
	case string:
		return t
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
