package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type capturedRequest struct {
	path   string
	params map[string]any
}

func newBotAPI(t *testing.T, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured.params)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func TestSendMessageUsesHTMLAndInlineButtons(t *testing.T) {
	server, captured := newBotAPI(t, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)

	client, err := NewClient("123:abc", server.URL)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	err = client.SendMessage(context.Background(), 42, "<b>hi</b>",
		Button{Text: "Открыть", URL: "https://app.example", WebApp: true},
		Button{Text: "skip"},
	)
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	if captured.path != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %s", captured.path)
	}
	if captured.params["chat_id"] != "42" || captured.params["text"] != "<b>hi</b>" {
		t.Fatalf("unexpected params: %v", captured.params)
	}
	if captured.params["parse_mode"] != "HTML" {
		t.Fatalf("expected HTML parse mode, got %v", captured.params["parse_mode"])
	}
	markup, _ := captured.params["reply_markup"].(string)
	if !strings.Contains(markup, "https://app.example") || strings.Contains(markup, "skip") {
		t.Fatalf("unexpected reply markup: %s", markup)
	}
}

func TestSendMessageReturnsAPIError(t *testing.T) {
	server, _ := newBotAPI(t, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)

	client, err := NewClient("t", server.URL)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if err := client.SendMessage(context.Background(), 1, "x"); err == nil {
		t.Fatal("expected error when bot api rejects the message")
	}
}

func TestSendMessageWithoutTokenIsNotConfigured(t *testing.T) {
	client, err := NewClient(" ", "")
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if client.Configured() {
		t.Fatal("expected client without token to be unconfigured")
	}
	if err := client.SendMessage(context.Background(), 1, "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendPhotoPassesURLAndCaption(t *testing.T) {
	server, captured := newBotAPI(t, `{"ok":true,"result":{"message_id":2,"date":0,"chat":{"id":7,"type":"private"},"photo":[{"file_id":"f","width":1,"height":1}]}}`)

	client, err := NewClient("tok", server.URL)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if err := client.SendPhoto(context.Background(), 7, "https://cdn.example/banner.jpg", "<b>Оплата</b>"); err != nil {
		t.Fatalf("SendPhoto returned error: %v", err)
	}

	if captured.path != "/bottok/sendPhoto" {
		t.Fatalf("unexpected path %s", captured.path)
	}
	if captured.params["photo"] != "https://cdn.example/banner.jpg" || captured.params["caption"] != "<b>Оплата</b>" {
		t.Fatalf("unexpected params: %v", captured.params)
	}
}
