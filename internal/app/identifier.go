package app

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// IdentifierProbe extracts a raw user identifier from one payload location.
type IdentifierProbe struct {
	Name    string
	Extract func(payload map[string]any) (string, bool)
}

// webhookIdentifierProbes are tried in order; the first non-empty value wins.
var webhookIdentifierProbes = []IdentifierProbe{
	{Name: "clientUtm.utm_content", Extract: fieldAt("clientUtm", "utm_content")},
	{Name: "clientUtm.utmContent", Extract: fieldAt("clientUtm", "utmContent")},
	{Name: "utm_content", Extract: fieldAt("utm_content")},
	{Name: "buyer.utm_content", Extract: fieldAt("buyer", "utm_content")},
	{Name: "metadata.utm_content", Extract: fieldAt("metadata", "utm_content")},
	{Name: "custom_fields.utm_content", Extract: fieldAt("custom_fields", "utm_content")},
	{Name: "telegram_id", Extract: fieldAt("telegram_id")},
}

func fieldAt(path ...string) func(map[string]any) (string, bool) {
	return func(payload map[string]any) (string, bool) {
		var current any = payload
		for _, key := range path {
			obj, ok := current.(map[string]any)
			if !ok {
				return "", false
			}
			current, ok = obj[key]
			if !ok {
				return "", false
			}
		}
		return scalarString(current)
	}
}

// scalarString renders strings and numbers; empty strings, zero and other types are absent.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		s := t.String()
		return s, s != "" && s != "0"
	case float64:
		if t == 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), t != 0
	case int:
		return strconv.Itoa(t), t != 0
	default:
		return "", false
	}
}

// firstScalar returns the first present scalar among keys of payload.
func firstScalar(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := scalarString(payload[k]); ok {
			return v
		}
	}
	return ""
}

// probeIdentifier runs probes in order and returns the first raw value with its probe name.
func probeIdentifier(payload map[string]any, probes []IdentifierProbe) (string, string, bool) {
	for _, p := range probes {
		if v, ok := p.Extract(payload); ok {
			return v, p.Name, true
		}
	}
	return "", "", false
}

// parseTelegramID validates a raw identifier as a non-zero integer.
func parseTelegramID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, &InvalidIdentifierError{Value: raw}
	}
	return id, nil
}

// resolveTelegramID combines probing and parsing.
func resolveTelegramID(payload map[string]any, probes []IdentifierProbe) (int64, error) {
	raw, _, ok := probeIdentifier(payload, probes)
	if !ok {
		return 0, &MissingIdentifierError{Payload: payload}
	}
	return parseTelegramID(raw)
}

// FlexibleID accepts a JSON string or number, as clients send both.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }

func firstID(ids ...FlexibleID) string {
	for _, id := range ids {
		if s := strings.TrimSpace(string(id)); s != "" {
			return s
		}
	}
	return ""
}
