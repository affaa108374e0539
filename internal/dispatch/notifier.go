package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Status classifies one delivery attempt.
type Status int

const (
	// Delivered means the provider accepted the message.
	Delivered Status = iota
	// RateLimited means the provider asked us to slow down; the message
	// must be retried, not dropped.
	RateLimited
	// Failed means the attempt errored for another reason.
	Failed
)

// Notifier 定义通知输送接口。
type Notifier interface {
	Send(ctx context.Context, text string) (Status, error)
}

// TelegramNotifier 通过 Telegram Bot API 推送 HTML 消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Send 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Send(ctx context.Context, text string) (Status, error) {
	payload := map[string]string{
		"chat_id":                  n.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": "true",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Failed, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return Failed, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return RateLimited, fmt.Errorf("telegram 限流 (429)")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failed, fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return Failed, fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Debug().Msg("通知已发送 (Telegram)")
	return Delivered, nil
}

// LogNotifier writes notifications to the log. Used when no delivery
// channel is configured, so the pipeline still shows its output.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

// Send logs the message text.
func (n *LogNotifier) Send(_ context.Context, text string) (Status, error) {
	n.logger.Info().Str("text", text).Msg("notification (log only)")
	return Delivered, nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
