package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/repository"
)

// Redirect error codes the frontend maps to copy. Browser-flow
// failures always resolve to one of these, never a raw 500.
const (
	oauthErrInvalidState = "invalid_state"
	oauthErrOAuthFailed  = "oauth_failed"
	oauthErrMissingData  = "missing_data"
	oauthErrDatabase     = "database_error"
	oauthErrUnexpected   = "unexpected_error"
)

// OAuthService runs the platform-agnostic half of the connect dance:
// state issuance, state consumption and the callback orchestration.
type OAuthService struct {
	states       repository.OAuthStateRepository
	integrations *IntegrationService
	frontendURL  string
	stateTTL     time.Duration
}

func NewOAuthService(states repository.OAuthStateRepository, integrations *IntegrationService, frontendURL string, stateTTL time.Duration) *OAuthService {
	return &OAuthService{
		states:       states,
		integrations: integrations,
		frontendURL:  strings.TrimSuffix(frontendURL, "/"),
		stateTTL:     stateTTL,
	}
}

// IssueState creates and persists a single-use CSRF state of the form
// "{user_id}:{uuid}".
func (s *OAuthService) IssueState(ctx context.Context, p model.Platform, userID string) (string, error) {
	state := fmt.Sprintf("%s:%s", userID, uuid.NewString())
	_, err := s.states.Create(ctx, model.CreateOAuthStateParams{
		State:     state,
		Platform:  p,
		UserID:    userID,
		ExpiresAt: time.Now().Add(s.stateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}
	return state, nil
}

// HandleCallback drives a platform redirect back from OAuth to a
// frontend redirect URL. It never returns an error: every failure mode
// degrades to a redirect carrying a machine-readable code.
func (s *OAuthService) HandleCallback(ctx context.Context, conn platform.Connector, code, state string) string {
	p := conn.Name()

	if code == "" || state == "" {
		return s.redirect(p, "error", oauthErrMissingData)
	}

	userID, _, found := strings.Cut(state, ":")
	if !found || userID == "" {
		return s.redirect(p, "error", oauthErrInvalidState)
	}

	// The embedded user id is only trusted because the full state
	// string round-tripped through the platform and matches a stored,
	// unexpired row.
	stored, err := s.states.Consume(ctx, state, p)
	if err != nil {
		log.Error().Err(err).Str("platform", string(p)).Msg("oauth state lookup failed")
		return s.redirect(p, "error", oauthErrDatabase)
	}
	if stored == nil || stored.UserID != userID {
		return s.redirect(p, "error", oauthErrInvalidState)
	}

	result, err := conn.CompleteConnect(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("platform", string(p)).Msg("oauth code exchange failed")
		return s.redirect(p, "error", oauthErrOAuthFailed)
	}
	if result.Identity.ExternalUserID == "" {
		return s.redirect(p, "error", oauthErrMissingData)
	}

	params := baseIntegrationParams(p, userID, result)
	if _, err := s.integrations.CreateOrReactivate(ctx, params); err != nil {
		log.Error().Err(err).Str("platform", string(p)).Str("user_id", userID).Msg("failed to persist integration")
		return s.redirect(p, "error", oauthErrDatabase)
	}

	log.Info().Str("platform", string(p)).Str("user_id", userID).Msg("integration connected")
	return s.redirect(p, "success", "true")
}

// baseIntegrationParams maps a connect result onto the base (DM) row.
// Slack keys the DM by the user's own id inside the workspace; Discord
// does the same without a container; Teams and Telegram leave both
// empty for the personal scope.
func baseIntegrationParams(p model.Platform, userID string, result *platform.ConnectResult) model.UpsertIntegrationParams {
	params := model.UpsertIntegrationParams{
		Platform: p,
		UserID:   userID,
		Status:   model.StatusEnabled,
	}
	identity := result.Identity
	params.ExternalUserID = optional(identity.ExternalUserID)
	params.Username = optional(identity.Username)
	params.DisplayName = optional(identity.DisplayName)
	params.Email = optional(identity.Email)
	params.ContainerID = optional(result.ContainerID)
	params.ContainerName = optional(result.ContainerName)
	params.GuildSnapshot = optional(result.GuildSnapshot)

	tokens := result.Tokens
	params.BotToken = optional(tokens.BotToken)
	params.UserToken = optional(tokens.UserToken)
	params.AccessToken = optional(tokens.AccessToken)
	params.RefreshToken = optional(tokens.RefreshToken)
	params.TokenExpiresAt = tokens.ExpiresAt
	params.BotUserID = optional(tokens.BotUserID)

	switch p {
	case model.PlatformSlack, model.PlatformDiscord:
		// DM convention: channel id equals the user's own external id.
		params.ChannelID = optional(identity.ExternalUserID)
	}
	direct := model.ChatTypeDirect
	params.ChatType = &direct
	return params
}

func (s *OAuthService) redirect(p model.Platform, key, value string) string {
	q := url.Values{}
	q.Set(key, value)
	return fmt.Sprintf("%s/dashboard/channels/%s?%s", s.frontendURL, p, q.Encode())
}

// RedirectError builds the frontend redirect for failures detected
// before orchestration starts (for example a panic recovery path).
func (s *OAuthService) RedirectError(p model.Platform) string {
	return s.redirect(p, "error", oauthErrUnexpected)
}

// RedirectVerified builds the frontend redirect for the signed-link
// verification flow.
func (s *OAuthService) RedirectVerified(p model.Platform, ok bool) string {
	if ok {
		return s.redirect(p, "verified", "true")
	}
	return s.redirect(p, "error", "verify_failed")
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
