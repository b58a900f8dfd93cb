package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramChannel posts messages to one or more chats through a bot.
// Messages may carry HTML markup.
type TelegramChannel struct {
	botToken string
	chatIDs  []string
	baseURL  string
	client   *http.Client
}

func NewTelegramChannel(botToken string, chatIDs []string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatIDs:  chatIDs,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, text string) error {
	if t.botToken == "" || len(t.chatIDs) == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	for _, chatID := range t.chatIDs {
		payload := map[string]interface{}{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "HTML",
		}
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
		}
	}
	return nil
}
