package platform

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/util"
)

const (
	discordAPIBase = "https://discord.com/api/v10"

	// Send Messages, Embed Links, Read Message History and View
	// Channels, as granted on the bot invite.
	discordInvitePermissions = "1133568"

	discordChannelTypeText         = 0
	discordChannelTypeAnnouncement = 5
)

var discordOAuthScopes = []string{"identify", "guilds"}

type DiscordConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	BotToken      string
	PublicKey     string
	SigningSecret string
}

type DiscordConnector struct {
	cfg     DiscordConfig
	client  *http.Client
	apiBase string
	now     func() time.Time
}

func NewDiscordConnector(cfg DiscordConfig) *DiscordConnector {
	return &DiscordConnector{
		cfg:     cfg,
		client:  newHTTPClient(),
		apiBase: discordAPIBase,
		now:     time.Now,
	}
}

func (c *DiscordConnector) Name() model.Platform { return model.PlatformDiscord }

func (c *DiscordConnector) AuthorizeURL(state string) (string, error) {
	if c.cfg.ClientID == "" {
		return "", fmt.Errorf("discord client id not configured")
	}
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(discordOAuthScopes, " "))
	q.Set("state", state)
	return "https://discord.com/oauth2/authorize?" + q.Encode(), nil
}

// BotUserID is the bot's own user id, which Discord keys to the
// application client id.
func (c *DiscordConnector) BotUserID() string { return c.cfg.ClientID }

// BotInviteURL builds the add-bot-to-server authorization link.
func (c *DiscordConnector) BotInviteURL(guildID string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("scope", "bot")
	q.Set("permissions", discordInvitePermissions)
	if guildID != "" {
		q.Set("guild_id", guildID)
	}
	return "https://discord.com/oauth2/authorize?" + q.Encode()
}

// CompleteConnect exchanges the code, resolves identity and snapshots
// the user's guild list. The user access token is deliberately
// discarded afterwards; only the snapshot is persisted.
func (c *DiscordConnector) CompleteConnect(ctx context.Context, code string) (*ConnectResult, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	status, _, err := doJSON(c.client, req, &token)
	if err != nil {
		return nil, &APIError{Platform: model.PlatformDiscord, Status: status, Message: err.Error()}
	}
	if status != http.StatusOK || token.AccessToken == "" {
		msg := token.ErrorDescription
		if msg == "" {
			msg = token.Error
		}
		if msg == "" {
			msg = "oauth response missing access token"
		}
		return nil, &APIError{Platform: model.PlatformDiscord, Status: status, Message: msg}
	}

	var me struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/@me", "Bearer "+token.AccessToken, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, &APIError{Platform: model.PlatformDiscord, Message: "identity response missing user id"}
	}

	guilds, err := c.userGuilds(ctx, "Bearer "+token.AccessToken)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(guilds))
	for _, g := range guilds {
		ids = append(ids, g.ID)
	}

	return &ConnectResult{
		Identity: Identity{
			ExternalUserID: me.ID,
			Username:       me.Username,
			DisplayName:    me.GlobalName,
		},
		Tokens:        TokenBundle{BotToken: c.cfg.BotToken},
		GuildSnapshot: strings.Join(ids, ","),
	}, nil
}

type discordGuild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *DiscordConnector) userGuilds(ctx context.Context, authorization string) ([]discordGuild, error) {
	var guilds []discordGuild
	if err := c.do(ctx, http.MethodGet, "/users/@me/guilds", authorization, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// ListContainers returns the guilds the bot is installed in.
func (c *DiscordConnector) ListContainers(ctx context.Context, creds Credentials) ([]Container, error) {
	guilds, err := c.userGuilds(ctx, "Bot "+c.botToken(creds))
	if err != nil {
		return nil, err
	}
	containers := make([]Container, 0, len(guilds))
	for _, g := range guilds {
		containers = append(containers, Container{ID: g.ID, Name: g.Name})
	}
	return containers, nil
}

// ListChannels returns a guild's text and announcement channels.
func (c *DiscordConnector) ListChannels(ctx context.Context, creds Credentials, containerID string) ([]Channel, error) {
	var raw []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type int    `json:"type"`
	}
	if err := c.do(ctx, http.MethodGet, "/guilds/"+containerID+"/channels", "Bot "+c.botToken(creds), &raw); err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(raw))
	for _, ch := range raw {
		if ch.Type != discordChannelTypeText && ch.Type != discordChannelTypeAnnouncement {
			continue
		}
		channels = append(channels, Channel{ID: ch.ID, Name: ch.Name, ContainerID: containerID})
	}
	return channels, nil
}

// CreateDM opens the bot's direct-message channel with a Discord user.
func (c *DiscordConnector) CreateDM(ctx context.Context, discordUserID string) (string, error) {
	body, err := jsonBody(map[string]string{"recipient_id": discordUserID})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doBody(ctx, http.MethodPost, "/users/@me/channels", "Bot "+c.cfg.BotToken, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ChannelName resolves a channel's display name, best-effort.
func (c *DiscordConnector) ChannelName(ctx context.Context, channelID string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, "Bot "+c.cfg.BotToken, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (c *DiscordConnector) SendMessage(ctx context.Context, creds Credentials, channelID, text string) error {
	body, err := jsonBody(map[string]string{"content": text})
	if err != nil {
		return err
	}
	return c.doBody(ctx, http.MethodPost, "/channels/"+channelID+"/messages", "Bot "+c.botToken(creds), body, nil)
}

func (c *DiscordConnector) SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error {
	channelID := ""
	if integ.ChannelID != nil {
		channelID = *integ.ChannelID
	}
	// DM rows store the Discord user id as the channel; the actual DM
	// channel has to be opened through the bot.
	if integ.ExternalUserID != nil && (channelID == "" || channelID == *integ.ExternalUserID) {
		dm, err := c.CreateDM(ctx, *integ.ExternalUserID)
		if err != nil {
			return err
		}
		channelID = dm
	}

	text := "Your domain expiration alerts will arrive here.\nClick to confirm this channel works: " + verificationURL
	return c.SendMessage(ctx, Credentials{BotToken: c.cfg.BotToken}, channelID, text)
}

// Teardown is a no-op for Discord: the bot token is application-global
// and no per-user credential is stored.
func (c *DiscordConnector) Teardown(ctx context.Context, integ *model.Integration) error {
	return nil
}

func (c *DiscordConnector) CategorizeSendError(err error) Category {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return CategoryGeneric
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "cannot send messages to this user"),
		strings.Contains(msg, "unknown channel"),
		strings.Contains(msg, "unknown user"):
		return CategoryUnreachable
	case strings.Contains(msg, "missing access"),
		strings.Contains(msg, "missing permissions"):
		return CategoryPermission
	default:
		return CategoryGeneric
	}
}

// VerifyEventSignature checks the HMAC on the events endpoint, same v0
// scheme Slack uses. Replay window first.
func (c *DiscordConnector) VerifyEventSignature(timestamp string, body []byte, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	drift := c.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > 300 {
		return fmt.Errorf("timestamp outside replay window")
	}

	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	expected := "v0=" + util.HmacSHA256(c.cfg.SigningSecret, base)
	if !util.ConstantTimeEqual(expected, signature) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// VerifyInteractionSignature checks the Ed25519 signature Discord puts
// on interaction callbacks, computed over {timestamp}{body}.
func (c *DiscordConnector) VerifyInteractionSignature(timestamp string, body []byte, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	drift := c.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > 300 {
		return fmt.Errorf("timestamp outside replay window")
	}

	pub, err := hex.DecodeString(c.cfg.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key")
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature encoding")
	}

	message := append([]byte(timestamp), body...)
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (c *DiscordConnector) botToken(creds Credentials) string {
	if creds.BotToken != "" {
		return creds.BotToken
	}
	return c.cfg.BotToken
}

func (c *DiscordConnector) do(ctx context.Context, method, path, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	return c.send(req, out)
}

func (c *DiscordConnector) doBody(ctx context.Context, method, path, authorization string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *DiscordConnector) send(req *http.Request, out any) error {
	status, raw, err := doJSON(c.client, req, out)
	if err != nil {
		return &APIError{Platform: model.PlatformDiscord, Status: status, Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		var derr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &derr)
		msg := derr.Message
		if msg == "" {
			msg = string(raw)
		}
		return &APIError{Platform: model.PlatformDiscord, Status: status, Message: msg}
	}
	return nil
}
