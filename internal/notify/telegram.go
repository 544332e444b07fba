package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Telegram sends messages through the Bot API. Only sendMessage is used;
// inbound transport, command routing, and registration live outside this
// service entirely.
type Telegram struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelegram creates a notifier for one bot token.
func NewTelegram(token string, logger *slog.Logger) *Telegram {
	return &Telegram{
		baseURL:    "https://api.telegram.org",
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Notify delivers text to a chat id.
func (t *Telegram) Notify(ctx context.Context, recipient, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("notify: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("notify: read response: %w", err)
	}

	var result sendMessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("notify: unmarshal response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("notify: telegram error %d: %s", result.ErrorCode, result.Description)
	}
	return nil
}
