package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/util"
)

const telegramStartPrefix = "user_"

type TelegramConfig struct {
	BotToken      string
	BotName       string
	WebhookSecret string
	// APIBase overrides the public Bot API endpoint, for self-hosted
	// bot API servers.
	APIBase string
}

type TelegramConnector struct {
	cfg     TelegramConfig
	client  *http.Client
	apiBase string
}

func NewTelegramConnector(cfg TelegramConfig) *TelegramConnector {
	base := cfg.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramConnector{
		cfg:     cfg,
		client:  newHTTPClient(),
		apiBase: base,
	}
}

func (c *TelegramConnector) Name() model.Platform { return model.PlatformTelegram }

// Telegram has no OAuth dialect: connections are created reactively
// from webhook-observed /start messages and bot-membership changes.
func (c *TelegramConnector) AuthorizeURL(state string) (string, error) {
	return "", ErrNotSupported
}

func (c *TelegramConnector) CompleteConnect(ctx context.Context, code string) (*ConnectResult, error) {
	return nil, ErrNotSupported
}

func (c *TelegramConnector) ListContainers(ctx context.Context, creds Credentials) ([]Container, error) {
	return nil, ErrNotSupported
}

func (c *TelegramConnector) ListChannels(ctx context.Context, creds Credentials, containerID string) ([]Channel, error) {
	return nil, ErrNotSupported
}

// StartLink is the deep link a user opens to connect their Telegram
// DM, carrying their local user id as the /start payload.
func (c *TelegramConnector) StartLink(userID string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%s", c.cfg.BotName, telegramStartPrefix, userID)
}

// VerifyWebhookSecret checks the static shared-secret header Telegram
// attaches to webhook deliveries.
func (c *TelegramConnector) VerifyWebhookSecret(header string) error {
	if c.cfg.WebhookSecret == "" {
		return nil
	}
	if !util.ConstantTimeEqual(c.cfg.WebhookSecret, header) {
		return fmt.Errorf("webhook secret mismatch")
	}
	return nil
}

type telegramEnvelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *TelegramConnector) SendMessage(ctx context.Context, creds Credentials, chatID, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	return err
}

func (c *TelegramConnector) SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error {
	if integ.ChannelID == nil {
		return &APIError{Platform: model.PlatformTelegram, Message: "integration has no chat id"}
	}
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    *integ.ChannelID,
		"text":       "Your domain expiration alerts will arrive here.\nTap the button below to confirm this chat works.",
		"parse_mode": "HTML",
		"reply_markup": map[string]any{
			"inline_keyboard": [][]map[string]string{{{
				"text": "Confirm channel",
				"url":  verificationURL,
			}}},
		},
	})
	return err
}

// Teardown leaves group chats; DM rows have no remote side to clean.
func (c *TelegramConnector) Teardown(ctx context.Context, integ *model.Integration) error {
	if integ.ChatType == nil || *integ.ChatType == model.ChatTypeDirect {
		return nil
	}
	if integ.ChannelID == nil {
		return nil
	}
	_, err := c.call(ctx, "leaveChat", map[string]any{"chat_id": *integ.ChannelID})
	return err
}

func (c *TelegramConnector) CategorizeSendError(err error) Category {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return CategoryGeneric
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "bot was kicked"):
		return CategoryUnreachable
	case strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "have no rights"):
		return CategoryPermission
	default:
		return CategoryGeneric
	}
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type TelegramChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

type TelegramMessage struct {
	Chat TelegramChat  `json:"chat"`
	From *TelegramUser `json:"from"`
	Text string        `json:"text"`
}

type TelegramChatMemberUpdate struct {
	Chat          TelegramChat `json:"chat"`
	From          TelegramUser `json:"from"`
	NewChatMember struct {
		Status string       `json:"status"`
		User   TelegramUser `json:"user"`
	} `json:"new_chat_member"`
}

type TelegramUpdate struct {
	UpdateID     int64                     `json:"update_id"`
	Message      *TelegramMessage          `json:"message"`
	MyChatMember *TelegramChatMemberUpdate `json:"my_chat_member"`
}

// ParseUpdate decodes a webhook payload.
func ParseUpdate(body []byte) (*TelegramUpdate, error) {
	var upd TelegramUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("parse update: %w", err)
	}
	return &upd, nil
}

// StartPayload extracts the local user id from a "/start user_<id>"
// message, if present.
func (m *TelegramMessage) StartPayload() (string, bool) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/start") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, "/start"))
	if !strings.HasPrefix(payload, telegramStartPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(payload, telegramStartPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

func (m *TelegramMessage) IsStop() bool {
	cmd := strings.TrimSpace(m.Text)
	return cmd == "/stop" || strings.HasPrefix(cmd, "/stop@")
}

// BotJoined reports whether the membership update means the bot was
// added to the chat.
func (u *TelegramChatMemberUpdate) BotJoined() bool {
	switch u.NewChatMember.Status {
	case "member", "administrator":
		return true
	}
	return false
}

func (u *TelegramChatMemberUpdate) BotRemoved() bool {
	switch u.NewChatMember.Status {
	case "left", "kicked":
		return true
	}
	return false
}

// BotInfo returns the bot's own identity via getMe.
func (c *TelegramConnector) BotInfo(ctx context.Context) (*TelegramUser, error) {
	raw, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var me TelegramUser
	if err := json.Unmarshal(raw, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// ChatInfo resolves a chat's title/type, best-effort.
func (c *TelegramConnector) ChatInfo(ctx context.Context, chatID string) (*TelegramChat, error) {
	raw, err := c.call(ctx, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return nil, err
	}
	var chat TelegramChat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SetWebhook points Telegram at our webhook endpoint, registering the
// shared secret header.
func (c *TelegramConnector) SetWebhook(ctx context.Context, webhookURL string) error {
	params := map[string]any{
		"url":             webhookURL,
		"allowed_updates": []string{"message", "my_chat_member"},
	}
	if c.cfg.WebhookSecret != "" {
		params["secret_token"] = c.cfg.WebhookSecret
	}
	_, err := c.call(ctx, "setWebhook", params)
	return err
}

type TelegramWebhookInfo struct {
	URL            string `json:"url"`
	PendingUpdates int    `json:"pending_update_count"`
	LastErrorDate  int64  `json:"last_error_date"`
	LastErrorMsg   string `json:"last_error_message"`
}

func (c *TelegramConnector) WebhookInfo(ctx context.Context) (*TelegramWebhookInfo, error) {
	raw, err := c.call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	var info TelegramWebhookInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *TelegramConnector) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, url.PathEscape(c.cfg.BotToken), method)

	var req *http.Request
	var err error
	if params == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	} else {
		body, berr := jsonBody(params)
		if berr != nil {
			return nil, berr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	var out telegramEnvelope
	status, _, err := doJSON(c.client, req, &out)
	if err != nil {
		return nil, &APIError{Platform: model.PlatformTelegram, Status: status, Message: err.Error()}
	}
	if !out.OK {
		return nil, &APIError{Platform: model.PlatformTelegram, Status: status, Message: out.Description}
	}
	return out.Result, nil
}

// ChatIDString normalizes Telegram's numeric chat ids to the string
// form the integrations table stores.
func ChatIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
