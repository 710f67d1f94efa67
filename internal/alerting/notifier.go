package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dex-sonar/internal/domain"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本；不显著的告警静默发送。
func (n *TelegramNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     renderMessage(alert),
		"disable_notification":     !alert.Match.Significant,
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}

	n.logger.Info().
		Str("alert_id", alert.ID).
		Str("pool", alert.Pool.ID).
		Str("rule", alert.Match.RuleID).
		Bool("silent", !alert.Match.Significant).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 只把告警写入日志，用于 replay 与未配置 Telegram 的部署。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, alert domain.Alert) error {
	m := alert.Match
	n.logger.Info().
		Str("alert_id", alert.ID).
		Str("pool", alert.Pool.ID).
		Str("name", alert.Pool.Name()).
		Str("rule", m.RuleID).
		Time("window_start", m.WindowStart).
		Time("window_end", m.WindowEnd).
		Str("drop_pct", m.DropPct.StringFixed(2)).
		Str("recovery_pct", m.RecoveryPct.StringFixed(2)).
		Str("volume", m.Volume.String()).
		Bool("significant", m.Significant).
		Bool("stale_metrics", alert.StaleMetrics).
		Msg("告警")
	return nil
}

// MultiNotifier 依次调用多个告警器，返回第一个错误。
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
