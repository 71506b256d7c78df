package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type TelegramNotifier struct {
	Token    string
	ChatID   string
	MinLevel Level // Notify drops messages below this level

	baseURL  string
	client   *http.Client
	attempts int
	delay    time.Duration
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		Token:    token,
		ChatID:   chatID,
		MinLevel: Warning,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		delay:    time.Second,
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry retries Send with a doubling delay.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	delay := t.delay
	var err error
	for i := 1; i <= t.attempts; i++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		if i < t.attempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("telegram: %d attempts failed: %w", t.attempts, err)
}

func (t *TelegramNotifier) Notify(level Level, msg string) error {
	if level < t.MinLevel {
		return nil
	}
	return t.Send(fmt.Sprintf("[%s] %s", level, msg))
}

func (t *TelegramNotifier) Alert(msg string) error {
	return t.SendWithRetry("🚨 ACTION REQUIRED\n" + msg)
}
