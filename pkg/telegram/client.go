/**
 * @description
 * This package wraps the Telegram Bot API for outbound notifications only: buyer and
 * referrer receipts, admin alerts and quiz lead messages. The bot never polls; it is
 * created offline and only calls sendMessage and sendPhoto.
 *
 * @dependencies
 * - gopkg.in/telebot.v3: Telegram Bot API client.
 */
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = tele.DefaultApiURL

// ErrNotConfigured is returned by every send when no bot token is configured.
var ErrNotConfigured = errors.New("telegram bot token is not configured")

// Button is an inline button under a message. WebApp buttons open the Mini App.
type Button struct {
	Text   string
	URL    string
	WebApp bool
}

// Client sends HTML messages through a bot.
type Client struct {
	bot *tele.Bot
}

// NewClient creates a bot client. An empty token yields a client whose sends fail with
// ErrNotConfigured, so callers can degrade to warnings.
func NewClient(token, apiURL string) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return &Client{}, nil
	}
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Client{bot: bot}, nil
}

// Configured reports whether messages can be delivered.
func (c *Client) Configured() bool {
	return c != nil && c.bot != nil
}

// SendMessage delivers an HTML message to chatID with optional inline buttons.
func (c *Client) SendMessage(ctx context.Context, chatID int64, html string, buttons ...Button) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []interface{}{tele.ModeHTML, tele.NoPreview}
	if markup := inlineMarkup(buttons); markup != nil {
		opts = append(opts, markup)
	}

	_, err := c.bot.Send(tele.ChatID(chatID), html, opts...)
	return err
}

// SendPhoto delivers a photo by URL with an HTML caption and optional inline buttons.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, buttons ...Button) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	photo := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	opts := []interface{}{tele.ModeHTML}
	if markup := inlineMarkup(buttons); markup != nil {
		opts = append(opts, markup)
	}

	_, err := c.bot.Send(tele.ChatID(chatID), photo, opts...)
	return err
}

func inlineMarkup(buttons []Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	menu := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		if b.URL == "" {
			continue
		}
		if b.WebApp {
			rows = append(rows, menu.Row(menu.WebApp(b.Text, &tele.WebApp{URL: b.URL})))
		} else {
			rows = append(rows, menu.Row(menu.URL(b.Text, b.URL)))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	menu.Inline(rows...)
	return menu
}
