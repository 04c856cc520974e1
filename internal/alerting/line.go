package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"firms-hotspot-alerts/internal/storage"
)

// lineTextLimit is the LINE Messaging API limit for one text message.
const lineTextLimit = 5000

// LineOptions configures the LINE push notifier.
type LineOptions struct {
	AccessToken string
	GroupID     string
	APIBase     string
	Timeout     time.Duration
}

// LineNotifier pushes text messages through the LINE Messaging API.
type LineNotifier struct {
	token    string
	groupID  string
	baseURL  string
	client   *http.Client
	settings storage.SettingsStore
	logger   zerolog.Logger
}

// NewLineNotifier 构造 LINE 告警器。settings 可为 nil，此时仅使用配置中的 group id。
func NewLineNotifier(opts LineOptions, settings storage.SettingsStore, logger zerolog.Logger) *LineNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.line.me"
	}
	return &LineNotifier{
		token:    strings.TrimSpace(opts.AccessToken),
		groupID:  strings.TrimSpace(opts.GroupID),
		baseURL:  strings.TrimRight(opts.APIBase, "/"),
		client:   &http.Client{Timeout: opts.Timeout},
		settings: settings,
		logger:   logger.With().Str("component", "alert_line").Logger(),
	}
}

// Target resolves the push destination: configured group id first, then the
// line_group_id setting.
func (n *LineNotifier) Target(ctx context.Context) (string, error) {
	if n.groupID != "" {
		return n.groupID, nil
	}
	if n.settings == nil {
		return "", ErrNoTarget
	}
	value, ok, err := n.settings.GetSetting(ctx, storage.SettingLineGroupID)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", storage.SettingLineGroupID, err)
	}
	if !ok || strings.TrimSpace(value) == "" {
		return "", ErrNoTarget
	}
	return strings.TrimSpace(value), nil
}

type linePushRequest struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify 调用 push API 推送文本。
func (n *LineNotifier) Notify(ctx context.Context, msg Message) error {
	target, err := n.Target(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(linePushRequest{
		To:       target,
		Messages: []lineMessage{{Type: "text", Text: truncateText(msg.Text, lineTextLimit)}},
	})
	if err != nil {
		return fmt.Errorf("marshal line payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create line request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send line request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseLineError(resp)
	}

	n.logger.Info().Str("kind", string(msg.Kind)).
		Int("hotspots", msg.HotspotCount).
		Str("to", target).
		Msg("告警已发送 (LINE)")
	return nil
}

func parseLineError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("line 响应码异常: %d: %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("line 响应码异常: %d", resp.StatusCode)
}

func truncateText(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

var _ Notifier = (*LineNotifier)(nil)
