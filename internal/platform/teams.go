package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/model"
)

const (
	graphAPIBase   = "https://graph.microsoft.com/v1.0"
	teamsLoginBase = "https://login.microsoftonline.com"

	// Refresh the delegated token when it is about to lapse rather
	// than on first 401.
	teamsTokenSkew = 5 * time.Minute
)

// Fixed delegated Graph scope set: identity, team/channel listing and
// offline_access for refresh tokens.
const teamsGraphScopes = "User.Read Team.ReadBasic.All Channel.ReadBasic.All Chat.ReadBasic offline_access"

type TeamsConfig struct {
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	TenantID       string
	BotAppID       string
	BotAppPassword string
	TeamsAppID     string
}

// TokenSaver persists refreshed delegated tokens back to the
// integration row.
type TokenSaver interface {
	SaveTokens(ctx context.Context, integrationID string, accessToken, refreshToken string, expiresAt time.Time) error
}

// ConversationFinder resolves the Bot Framework conversation reference
// captured by the bot webhook, required for proactive personal sends.
type ConversationFinder interface {
	FindConversation(ctx context.Context, userID string) (*model.TeamsConversation, error)
}

type TeamsConnector struct {
	cfg           TeamsConfig
	client        *http.Client
	graphBase     string
	loginBase     string
	botLoginURL   string
	tokens        TokenSaver
	conversations ConversationFinder
	now           func() time.Time
}

func NewTeamsConnector(cfg TeamsConfig, tokens TokenSaver, conversations ConversationFinder) *TeamsConnector {
	if cfg.TenantID == "" {
		cfg.TenantID = "common"
	}
	return &TeamsConnector{
		cfg:           cfg,
		client:        newHTTPClient(),
		graphBase:     graphAPIBase,
		loginBase:     teamsLoginBase,
		botLoginURL:   teamsLoginBase + "/botframework.com/oauth2/v2.0/token",
		tokens:        tokens,
		conversations: conversations,
		now:           time.Now,
	}
}

func (c *TeamsConnector) Name() model.Platform { return model.PlatformTeams }

func (c *TeamsConnector) AuthorizeURL(state string) (string, error) {
	if c.cfg.ClientID == "" {
		return "", fmt.Errorf("teams client id not configured")
	}
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_mode", "query")
	q.Set("scope", teamsGraphScopes)
	q.Set("state", state)
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize?%s", c.loginBase, c.cfg.TenantID, q.Encode()), nil
}

type teamsTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *TeamsConnector) CompleteConnect(ctx context.Context, code string) (*ConnectResult, error) {
	tok, err := c.requestToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
	})
	if err != nil {
		return nil, err
	}

	var me struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		UserPrincipalName string `json:"userPrincipalName"`
		Mail              string `json:"mail"`
	}
	if err := c.graphGet(ctx, tok.AccessToken, "/me", &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, &APIError{Platform: model.PlatformTeams, Message: "identity response missing user id"}
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	expiresAt := c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	return &ConnectResult{
		Identity: Identity{
			ExternalUserID: me.ID,
			Username:       me.UserPrincipalName,
			DisplayName:    me.DisplayName,
			Email:          email,
		},
		Tokens: TokenBundle{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    &expiresAt,
		},
	}, nil
}

// RefreshAccessToken trades the stored refresh token for a fresh
// delegated token pair.
func (c *TeamsConnector) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenBundle, error) {
	tok, err := c.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		return nil, err
	}
	expiresAt := c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return &TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    &expiresAt,
	}, nil
}

func (c *TeamsConnector) requestToken(ctx context.Context, form url.Values) (*teamsTokenResponse, error) {
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("scope", teamsGraphScopes)

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginBase, c.cfg.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok teamsTokenResponse
	status, _, err := doJSON(c.client, req, &tok)
	if err != nil {
		return nil, &APIError{Platform: model.PlatformTeams, Status: status, Message: err.Error()}
	}
	if status != http.StatusOK || tok.AccessToken == "" {
		msg := tok.ErrorDescription
		if msg == "" {
			msg = tok.Error
		}
		if msg == "" {
			msg = "token response missing access token"
		}
		return nil, &APIError{Platform: model.PlatformTeams, Status: status, Message: msg}
	}
	return &tok, nil
}

// FreshAccessToken returns a usable delegated token for the
// integration, refreshing and persisting first when the stored one is
// near expiry.
func (c *TeamsConnector) FreshAccessToken(ctx context.Context, integ *model.Integration) (string, error) {
	if integ.AccessToken == nil {
		return "", &APIError{Platform: model.PlatformTeams, Message: "integration has no access token"}
	}
	if integ.TokenExpiresAt == nil || c.now().Add(teamsTokenSkew).Before(*integ.TokenExpiresAt) {
		return *integ.AccessToken, nil
	}
	if integ.RefreshToken == nil {
		return "", &APIError{Platform: model.PlatformTeams, Message: "delegated token expired and no refresh token stored"}
	}

	bundle, err := c.RefreshAccessToken(ctx, *integ.RefreshToken)
	if err != nil {
		return "", err
	}
	if c.tokens != nil {
		if err := c.tokens.SaveTokens(ctx, integ.ID, bundle.AccessToken, bundle.RefreshToken, *bundle.ExpiresAt); err != nil {
			log.Error().Err(err).Str("integration_id", integ.ID).Msg("failed to persist refreshed teams tokens")
		}
	}
	return bundle.AccessToken, nil
}

type graphList[T any] struct {
	Value []T `json:"value"`
}

// ListContainers returns the teams the connected user has joined.
func (c *TeamsConnector) ListContainers(ctx context.Context, creds Credentials) ([]Container, error) {
	var out graphList[struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}]
	if err := c.graphGet(ctx, creds.AccessToken, "/me/joinedTeams", &out); err != nil {
		return nil, err
	}
	containers := make([]Container, 0, len(out.Value))
	for _, t := range out.Value {
		containers = append(containers, Container{ID: t.ID, Name: t.DisplayName})
	}
	return containers, nil
}

func (c *TeamsConnector) ListChannels(ctx context.Context, creds Credentials, containerID string) ([]Channel, error) {
	var out graphList[struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}]
	if err := c.graphGet(ctx, creds.AccessToken, "/teams/"+containerID+"/channels", &out); err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(out.Value))
	for _, ch := range out.Value {
		channels = append(channels, Channel{ID: ch.ID, Name: ch.DisplayName, ContainerID: containerID})
	}
	return channels, nil
}

// IsTeamOwner checks membership roles for the connected user in one
// team. Only owners can typically approve app installation.
func (c *TeamsConnector) IsTeamOwner(ctx context.Context, accessToken, teamID, teamsUserID string) (bool, error) {
	var out graphList[struct {
		UserID string   `json:"userId"`
		Roles  []string `json:"roles"`
	}]
	if err := c.graphGet(ctx, accessToken, "/teams/"+teamID+"/members", &out); err != nil {
		return false, err
	}
	for _, m := range out.Value {
		if m.UserID != teamsUserID {
			continue
		}
		for _, role := range m.Roles {
			if role == "owner" {
				return true, nil
			}
		}
	}
	return false, nil
}

// InstallAppForUser installs the Teams app into the user's personal
// scope via Graph.
func (c *TeamsConnector) InstallAppForUser(ctx context.Context, accessToken, teamsUserID string) error {
	return c.installApp(ctx, accessToken, "/users/"+teamsUserID+"/teamwork/installedApps")
}

// InstallAppForTeam installs the Teams app into a team.
func (c *TeamsConnector) InstallAppForTeam(ctx context.Context, accessToken, teamID string) error {
	return c.installApp(ctx, accessToken, "/teams/"+teamID+"/installedApps")
}

func (c *TeamsConnector) installApp(ctx context.Context, accessToken, path string) error {
	if c.cfg.TeamsAppID == "" {
		return &APIError{Platform: model.PlatformTeams, Message: "teams app id not configured"}
	}
	body, err := jsonBody(map[string]string{
		"teamsApp@odata.bind": graphAPIBase + "/appCatalogs/teamsApps/" + c.cfg.TeamsAppID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	return c.checkGraph(req, nil)
}

// AppDeepLink is the fallback when Graph installation is not
// permitted: a link the user opens in the Teams client.
func (c *TeamsConnector) AppDeepLink() string {
	return "https://teams.microsoft.com/l/app/" + c.cfg.TeamsAppID
}

// SendMessage posts into a team channel with the delegated token.
// channelID is "{teamID}/{channelID}" for channel rows.
func (c *TeamsConnector) SendMessage(ctx context.Context, creds Credentials, channelID, text string) error {
	teamID, chanID, ok := strings.Cut(channelID, "/")
	if !ok {
		return &APIError{Platform: model.PlatformTeams, Message: "channel id must be team/channel"}
	}
	body, err := jsonBody(map[string]any{
		"body": map[string]string{"contentType": "html", "content": text},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.graphBase+"/teams/"+teamID+"/channels/"+chanID+"/messages", body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	return c.checkGraph(req, nil)
}

func (c *TeamsConnector) SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error {
	text := fmt.Sprintf(`Your domain expiration alerts will arrive here.<br/><a href="%s">Confirm this channel works</a>`, verificationURL)

	// Channel-scoped rows go through Graph with the delegated token.
	if integ.ContainerID != nil && integ.ChannelID != nil {
		accessToken, err := c.FreshAccessToken(ctx, integ)
		if err != nil {
			return err
		}
		return c.SendMessage(ctx, Credentials{AccessToken: accessToken}, *integ.ContainerID+"/"+*integ.ChannelID, text)
	}

	// Personal scope needs a proactive Bot Framework send against the
	// conversation reference the bot webhook captured earlier.
	if c.conversations == nil {
		return &APIError{Platform: model.PlatformTeams, Message: "no conversation store configured"}
	}
	conv, err := c.conversations.FindConversation(ctx, integ.UserID)
	if err != nil {
		return err
	}
	if conv == nil {
		return &APIError{Platform: model.PlatformTeams, Message: "bot has no conversation with this user yet; open the app in Teams first"}
	}
	plain := "Your domain expiration alerts will arrive here. Confirm this channel works: " + verificationURL
	return c.SendProactive(ctx, conv.ServiceURL, conv.ConversationID, plain)
}

// SendProactive posts a Bot Framework activity into a previously
// captured conversation.
func (c *TeamsConnector) SendProactive(ctx context.Context, serviceURL, conversationID, text string) error {
	botToken, err := c.botFrameworkToken(ctx)
	if err != nil {
		return err
	}
	body, err := jsonBody(map[string]string{"type": "message", "text": text})
	if err != nil {
		return err
	}
	endpoint := strings.TrimSuffix(serviceURL, "/") + "/v3/conversations/" + url.PathEscape(conversationID) + "/activities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+botToken)
	req.Header.Set("Content-Type", "application/json")
	return c.checkGraph(req, nil)
}

func (c *TeamsConnector) botFrameworkToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.BotAppID},
		"client_secret": {c.cfg.BotAppPassword},
		"scope":         {"https://api.botframework.com/.default"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.botLoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok teamsTokenResponse
	status, _, err := doJSON(c.client, req, &tok)
	if err != nil {
		return "", &APIError{Platform: model.PlatformTeams, Status: status, Message: err.Error()}
	}
	if status != http.StatusOK || tok.AccessToken == "" {
		return "", &APIError{Platform: model.PlatformTeams, Status: status, Message: "bot framework token request failed: " + tok.ErrorDescription}
	}
	return tok.AccessToken, nil
}

// Teardown has no remote side for Teams: app removal needs admin
// consent the delegated token rarely carries. Local deletion clears
// the stored tokens.
func (c *TeamsConnector) Teardown(ctx context.Context, integ *model.Integration) error {
	return nil
}

func (c *TeamsConnector) CategorizeSendError(err error) Category {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return CategoryGeneric
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Status == http.StatusNotFound,
		strings.Contains(msg, "notfound"),
		strings.Contains(msg, "no conversation"):
		return CategoryUnreachable
	case apiErr.Status == http.StatusForbidden,
		strings.Contains(msg, "accessdenied"),
		strings.Contains(msg, "authorization"):
		return CategoryPermission
	default:
		return CategoryGeneric
	}
}

func (c *TeamsConnector) graphGet(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.graphBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.checkGraph(req, out)
}

func (c *TeamsConnector) checkGraph(req *http.Request, out any) error {
	status, raw, err := doJSON(c.client, req, out)
	if err != nil {
		return &APIError{Platform: model.PlatformTeams, Status: status, Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		var gerr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &gerr)
		msg := gerr.Error.Message
		if gerr.Error.Code != "" {
			msg = gerr.Error.Code + ": " + msg
		}
		if msg == "" {
			msg = string(raw)
		}
		return &APIError{Platform: model.PlatformTeams, Status: status, Message: msg}
	}
	return nil
}
