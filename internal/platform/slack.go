package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/util"
)

const slackAPIBase = "https://slack.com/api"

// Scope lists are platform-fixed: identity, channel listing, joining
// and message sending for the bot; channel listing for the user token
// used by discovery.
var (
	slackBotScopes = []string{
		"channels:read", "channels:join", "chat:write",
		"groups:read", "im:read", "im:write", "mpim:read",
		"users:read",
	}
	slackUserScopes = []string{"channels:read", "groups:read"}
)

type SlackConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	SigningSecret string
}

type SlackConnector struct {
	cfg     SlackConfig
	client  *http.Client
	apiBase string
	now     func() time.Time
}

func NewSlackConnector(cfg SlackConfig) *SlackConnector {
	return &SlackConnector{
		cfg:     cfg,
		client:  newHTTPClient(),
		apiBase: slackAPIBase,
		now:     time.Now,
	}
}

func (c *SlackConnector) Name() model.Platform { return model.PlatformSlack }

func (c *SlackConnector) AuthorizeURL(state string) (string, error) {
	if c.cfg.ClientID == "" {
		return "", fmt.Errorf("slack client id not configured")
	}
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("scope", strings.Join(slackBotScopes, ","))
	q.Set("user_scope", strings.Join(slackUserScopes, ","))
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	return "https://slack.com/oauth/v2/authorize?" + q.Encode(), nil
}

// slackEnvelope covers the body-level status every Slack API response
// carries. HTTP 200 with ok=false is still a failure.
type slackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type slackOAuthResponse struct {
	slackEnvelope
	AccessToken string `json:"access_token"`
	BotUserID   string `json:"bot_user_id"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	} `json:"authed_user"`
}

func (c *SlackConnector) CompleteConnect(ctx context.Context, code string) (*ConnectResult, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/oauth.v2.access", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var oauth slackOAuthResponse
	status, _, err := doJSON(c.client, req, &oauth)
	if err != nil {
		return nil, &APIError{Platform: model.PlatformSlack, Status: status, Message: err.Error()}
	}
	if !oauth.OK {
		return nil, &APIError{Platform: model.PlatformSlack, Status: status, Message: oauth.Error}
	}
	if oauth.AccessToken == "" || oauth.AuthedUser.ID == "" {
		return nil, &APIError{Platform: model.PlatformSlack, Status: status, Message: "oauth response missing access token or user id"}
	}

	identity := Identity{ExternalUserID: oauth.AuthedUser.ID}
	if user, err := c.userInfo(ctx, oauth.AccessToken, oauth.AuthedUser.ID); err != nil {
		log.Warn().Err(err).Str("slack_user", oauth.AuthedUser.ID).Msg("slack users.info lookup failed")
	} else {
		identity.Username = user.Name
		identity.DisplayName = user.RealName
	}

	return &ConnectResult{
		Identity: identity,
		Tokens: TokenBundle{
			BotToken:  oauth.AccessToken,
			UserToken: oauth.AuthedUser.AccessToken,
			BotUserID: oauth.BotUserID,
		},
		ContainerID:   oauth.Team.ID,
		ContainerName: oauth.Team.Name,
	}, nil
}

type slackUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
}

func (c *SlackConnector) userInfo(ctx context.Context, botToken, userID string) (*slackUser, error) {
	var out struct {
		slackEnvelope
		User slackUser `json:"user"`
	}
	if err := c.get(ctx, botToken, "/users.info", url.Values{"user": {userID}}, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// OpenDM opens (or resumes) the direct-message conversation between
// the bot and a Slack user, returning the conversation id.
func (c *SlackConnector) OpenDM(ctx context.Context, botToken, slackUserID string) (string, error) {
	var out struct {
		slackEnvelope
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.postForm(ctx, botToken, "/conversations.open", url.Values{"users": {slackUserID}}, &out); err != nil {
		return "", err
	}
	return out.Channel.ID, nil
}

func (c *SlackConnector) SendMessage(ctx context.Context, creds Credentials, channelID, text string) error {
	var out slackEnvelope
	return c.postForm(ctx, creds.BotToken, "/chat.postMessage", url.Values{
		"channel": {channelID},
		"text":    {text},
	}, &out)
}

func (c *SlackConnector) SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error {
	if integ.BotToken == nil {
		return &APIError{Platform: model.PlatformSlack, Message: "integration has no bot token"}
	}

	channelID := ""
	if integ.ChannelID != nil {
		channelID = *integ.ChannelID
	}
	// DM rows store the Slack user id as the channel; resolve the real
	// conversation id before posting.
	if integ.ExternalUserID != nil && (channelID == "" || channelID == *integ.ExternalUserID) {
		dm, err := c.OpenDM(ctx, *integ.BotToken, *integ.ExternalUserID)
		if err != nil {
			return err
		}
		channelID = dm
	}

	blocks := fmt.Sprintf(`[
		{"type":"section","text":{"type":"mrkdwn","text":"Your domain expiration alerts will arrive here. Click the button below to confirm this channel works."}},
		{"type":"actions","elements":[{"type":"button","style":"primary","text":{"type":"plain_text","text":"Confirm channel"},"url":%s}]}
	]`, strconv.Quote(verificationURL))

	var out slackEnvelope
	return c.postForm(ctx, *integ.BotToken, "/chat.postMessage", url.Values{
		"channel": {channelID},
		"text":    {"Please confirm your notification channel: " + verificationURL},
		"blocks":  {blocks},
	}, &out)
}

// ListContainers is not meaningful for Slack: the install is scoped to
// one workspace, captured at connect time.
func (c *SlackConnector) ListContainers(ctx context.Context, creds Credentials) ([]Container, error) {
	return nil, ErrNotSupported
}

// ListChannels returns the channels the bot can see, paging until
// Slack stops returning a next_cursor.
func (c *SlackConnector) ListChannels(ctx context.Context, creds Credentials, containerID string) ([]Channel, error) {
	return c.listConversations(ctx, creds.BotToken, "/users.conversations", "")
}

// ListUserChannels returns channels visible to the stored user token,
// with the creator id attached so discovery can filter on it.
func (c *SlackConnector) ListUserChannels(ctx context.Context, userToken string) ([]SlackChannel, error) {
	return c.listConversationsRaw(ctx, userToken, "/conversations.list")
}

type SlackChannel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Creator string `json:"creator"`
}

func (c *SlackConnector) listConversations(ctx context.Context, token, path, containerID string) ([]Channel, error) {
	raw, err := c.listConversationsRaw(ctx, token, path)
	if err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(raw))
	for _, ch := range raw {
		channels = append(channels, Channel{ID: ch.ID, Name: ch.Name, ContainerID: containerID})
	}
	return channels, nil
}

func (c *SlackConnector) listConversationsRaw(ctx context.Context, token, path string) ([]SlackChannel, error) {
	var all []SlackChannel
	cursor := ""
	for {
		q := url.Values{
			"types": {"public_channel,private_channel"},
			"limit": {"200"},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out struct {
			slackEnvelope
			Channels         []SlackChannel `json:"channels"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.get(ctx, token, path, q, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Channels...)
		cursor = out.ResponseMetadata.NextCursor
		if cursor == "" {
			return all, nil
		}
	}
}

// JoinChannel puts the bot into a public channel before first send.
func (c *SlackConnector) JoinChannel(ctx context.Context, botToken, channelID string) error {
	var out slackEnvelope
	return c.postForm(ctx, botToken, "/conversations.join", url.Values{"channel": {channelID}}, &out)
}

// ChannelInfo resolves a channel's display name, best-effort.
func (c *SlackConnector) ChannelInfo(ctx context.Context, botToken, channelID string) (string, error) {
	var out struct {
		slackEnvelope
		Channel struct {
			Name string `json:"name"`
		} `json:"channel"`
	}
	if err := c.get(ctx, botToken, "/conversations.info", url.Values{"channel": {channelID}}, &out); err != nil {
		return "", err
	}
	return out.Channel.Name, nil
}

// Teardown uninstalls the app from the workspace, falling back to
// revoking the bot token when uninstall is not permitted.
func (c *SlackConnector) Teardown(ctx context.Context, integ *model.Integration) error {
	if integ.BotToken == nil {
		return nil
	}
	err := c.postForm(ctx, *integ.BotToken, "/apps.uninstall", url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}, &slackEnvelope{})
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Msg("slack apps.uninstall failed, revoking token instead")
	return c.postForm(ctx, *integ.BotToken, "/auth.revoke", url.Values{}, &slackEnvelope{})
}

func (c *SlackConnector) CategorizeSendError(err error) Category {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return CategoryGeneric
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "channel_not_found"),
		strings.Contains(msg, "is_archived"),
		strings.Contains(msg, "user_not_found"),
		strings.Contains(msg, "account_inactive"):
		return CategoryUnreachable
	case strings.Contains(msg, "not_in_channel"),
		strings.Contains(msg, "missing_scope"),
		strings.Contains(msg, "restricted_action"),
		strings.Contains(msg, "not_allowed"):
		return CategoryPermission
	default:
		return CategoryGeneric
	}
}

// VerifySignature checks Slack's v0 request signature. The replay
// window is enforced before any HMAC work.
func (c *SlackConnector) VerifySignature(timestamp string, body []byte, signature string) error {
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

func (c *SlackConnector) get(ctx context.Context, token, path string, q url.Values, out interface{ envelope() (bool, string) }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *SlackConnector) postForm(ctx context.Context, token, path string, form url.Values, out interface{ envelope() (bool, string) }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *SlackConnector) do(req *http.Request, out interface{ envelope() (bool, string) }) error {
	status, _, err := doJSON(c.client, req, out)
	if err != nil {
		return &APIError{Platform: model.PlatformSlack, Status: status, Message: err.Error()}
	}
	if ok, errMsg := out.envelope(); !ok {
		return &APIError{Platform: model.PlatformSlack, Status: status, Message: errMsg}
	}
	return nil
}

func (e *slackEnvelope) envelope() (bool, string) { return e.OK, e.Error }
