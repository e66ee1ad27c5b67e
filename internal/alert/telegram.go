package alert

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	client   *resty.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		enabled:  enabled,
		botToken: botToken,
		chatID:   chatID,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout),
	}
}

type telegramSendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	var parsed telegramSendResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramSendRequest{ChatID: t.chatID, Text: msg}).
		SetResult(&parsed).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return errors.Wrap(err, "telegram send")
	}
	if resp.IsError() {
		// Body may carry the token-bearing URL in resty's error; report
		// status only.
		return errors.Errorf("telegram status %d", resp.StatusCode())
	}
	if !parsed.OK && parsed.Description != "" {
		return errors.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}
