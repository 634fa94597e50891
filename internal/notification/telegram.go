package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTelegramAPIURL is the public Bot API endpoint
const DefaultTelegramAPIURL = "https://api.telegram.org"

// TelegramProvider sends messages through the Telegram Bot API
type TelegramProvider struct {
	botToken   string
	apiURL     string
	httpClient *http.Client
}

func init() {
	RegisterFactory("telegram", func(settings map[string]string) (Notifier, error) {
		return NewTelegramProvider(settings["bot_token"], settings["api_url"])
	})
}

// NewTelegramProvider creates a provider for the given bot token
func NewTelegramProvider(botToken, apiURL string) (*TelegramProvider, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot_token is required")
	}
	if apiURL == "" {
		apiURL = DefaultTelegramAPIURL
	}
	return &TelegramProvider{
		botToken:   botToken,
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (t *TelegramProvider) Name() string {
	return "telegram"
}

func (t *TelegramProvider) Send(ctx context.Context, message *Message) error {
	if message.ChatID == 0 {
		return fmt.Errorf("chat_id is required")
	}

	payload := map[string]interface{}{
		"chat_id": message.ChatID,
		"text":    message.Text,
	}
	if message.ParseMode != "" {
		payload["parse_mode"] = message.ParseMode
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of the error
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("Telegram API returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to decode Telegram response: %w", err)
	}

	if !result.OK {
		return fmt.Errorf("Telegram API error (status %d): %s", resp.StatusCode, result.Description)
	}

	return nil
}
