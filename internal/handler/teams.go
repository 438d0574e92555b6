package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/audit"
	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/middleware"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/service"
)

type TeamsHandler struct {
	ChannelHandler
	teams         *platform.TeamsConnector
	validator     *platform.BotTokenValidator
	discovery     *service.DiscoveryService
	conversations *service.ConversationService
}

func NewTeamsHandler(
	teams *platform.TeamsConnector,
	validator *platform.BotTokenValidator,
	integrations *service.IntegrationService,
	oauth *service.OAuthService,
	verification *service.VerificationService,
	discovery *service.DiscoveryService,
	conversations *service.ConversationService,
) *TeamsHandler {
	return &TeamsHandler{
		ChannelHandler: NewChannelHandler(teams, integrations, oauth, verification),
		teams:          teams,
		validator:      validator,
		discovery:      discovery,
		conversations:  conversations,
	}
}

func (h *TeamsHandler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	h.mountShared(r, auth)

	r.Post("/bot", h.BotWebhook)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/available-teams", h.AvailableTeams)
		r.Get("/owned-teams", h.OwnedTeams)
		r.Get("/status", h.Status)
		r.Post("/install", h.Install)
		r.Post("/add-channels", h.AddChannels)
	})
	return r
}

// GET /api/teams/available-teams
func (h *TeamsHandler) AvailableTeams(w http.ResponseWriter, r *http.Request) {
	h.listTeams(w, r, false)
}

// GET /api/teams/owned-teams
// Restricted to teams where the user holds the owner role, since only
// owners can approve app installation.
func (h *TeamsHandler) OwnedTeams(w http.ResponseWriter, r *http.Request) {
	h.listTeams(w, r, true)
}

func (h *TeamsHandler) listTeams(w http.ResponseWriter, r *http.Request, ownedOnly bool) {
	userID := middleware.GetUserID(r.Context())

	result, err := h.discovery.TeamsAvailableTeams(r.Context(), userID, ownedOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /api/teams/status
// Reports whether the user is connected and whether the bot already
// holds a conversation reference (required for personal test sends).
func (h *TeamsHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	ctx := r.Context()

	base, err := h.integrations.FindBase(ctx, model.PlatformTeams, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	conv, err := h.conversations.FindConversation(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":        base != nil,
		"has_conversation": conv != nil,
	})
}

// POST /api/teams/install
// Installs the Teams app into the personal scope or a team via Graph;
// falls back to a deep link the user can open when Graph installation
// is not permitted.
func (h *TeamsHandler) Install(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	ctx := r.Context()

	var req struct {
		TeamID string `json:"teamId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	base, err := h.integrations.FindBase(ctx, model.PlatformTeams, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if base == nil || base.AccessToken == nil {
		writeError(w, apperrors.NotConnected("teams"))
		return
	}

	accessToken, err := h.teams.FreshAccessToken(ctx, base)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.TeamID != "" {
		err = h.teams.InstallAppForTeam(ctx, accessToken, req.TeamID)
	} else if base.ExternalUserID != nil {
		err = h.teams.InstallAppForUser(ctx, accessToken, *base.ExternalUserID)
	} else {
		writeError(w, apperrors.TokenMissing("teams"))
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("graph app install failed, returning deep link")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   false,
			"deep_link": h.teams.AppDeepLink(),
			"message":   "Automatic installation failed. Open the link to add the app in Teams.",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /api/teams/add-channels
func (h *TeamsHandler) AddChannels(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Channels []service.ChannelSelection `json:"channels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if len(req.Channels) == 0 {
		writeError(w, apperrors.MissingRequired("channels"))
		return
	}

	created, err := h.integrations.AddChannels(r.Context(), model.PlatformTeams, userID, req.Channels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": created})
}

type botActivity struct {
	Type       string `json:"type"`
	ServiceURL string `json:"serviceUrl"`
	From       struct {
		ID string `json:"id"`
		// AadObjectId is the Graph-side user id, matching the
		// external_user_id stored at connect time.
		AadObjectID string `json:"aadObjectId"`
	} `json:"from"`
	Conversation struct {
		ID               string `json:"id"`
		ConversationType string `json:"conversationType"`
		TenantID         string `json:"tenantId"`
	} `json:"conversation"`
	ChannelData struct {
		Team struct {
			ID string `json:"id"`
		} `json:"team"`
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	} `json:"channelData"`
}

// POST /api/teams/bot
// Bot Framework webhook. A valid JWT is the only way in; once inside,
// every activity is acknowledged with 200 so the connector service
// does not retry.
func (h *TeamsHandler) BotWebhook(w http.ResponseWriter, r *http.Request) {
	rawToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if rawToken == "" {
		writeError(w, apperrors.Unauthorized("Missing bot framework token"))
		return
	}

	var activity botActivity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		writeError(w, apperrors.ValidationError("Invalid activity payload"))
		return
	}

	if err := h.validator.Validate(r.Context(), rawToken, activity.ServiceURL); err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventWebhookAuthFail,
			Platform: "teams",
			Details:  map[string]interface{}{"reason": err.Error()},
		})
		writeError(w, apperrors.Unauthorized("Invalid bot framework token"))
		return
	}

	switch activity.Type {
	case "message", "conversationUpdate", "installationUpdate":
		h.captureConversation(r, activity)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// captureConversation upserts the conversation reference that later
// enables proactive messages: Teams allows no arbitrary push by user
// id, only replies into previously seen conversations.
func (h *TeamsHandler) captureConversation(r *http.Request, activity botActivity) {
	ctx := r.Context()

	externalID := activity.From.AadObjectID
	if externalID == "" {
		externalID = activity.From.ID
	}
	if externalID == "" || activity.Conversation.ID == "" || activity.ServiceURL == "" {
		return
	}

	rows, err := h.integrations.ListByExternalUser(ctx, model.PlatformTeams, externalID)
	if err != nil {
		log.Error().Err(err).Str("teams_user", externalID).Msg("integration lookup failed")
		return
	}
	if len(rows) == 0 {
		// No connected local user for this Teams identity yet; the
		// reference will be captured on the next activity after they
		// connect.
		return
	}

	var tenantID *string
	if activity.Conversation.TenantID != "" {
		tid := activity.Conversation.TenantID
		tenantID = &tid
	}

	// Only 1:1 conversations are personal; anything carrying team
	// channel data is a team reference and must never shadow the DM.
	scope := model.ConversationScopeTeam
	var teamID, channelID *string
	if activity.Conversation.ConversationType == "personal" {
		scope = model.ConversationScopePersonal
	} else {
		if activity.ChannelData.Team.ID != "" {
			tid := activity.ChannelData.Team.ID
			teamID = &tid
		}
		if activity.ChannelData.Channel.ID != "" {
			cid := activity.ChannelData.Channel.ID
			channelID = &cid
		}
	}

	_, err = h.conversations.Upsert(ctx, model.UpsertTeamsConversationParams{
		UserID:         rows[0].UserID,
		TeamsUserID:    externalID,
		Scope:          scope,
		ConversationID: activity.Conversation.ID,
		ServiceURL:     activity.ServiceURL,
		TeamID:         teamID,
		ChannelID:      channelID,
		TenantID:       tenantID,
	})
	if err != nil {
		log.Error().Err(err).Str("conversation_id", activity.Conversation.ID).Msg("conversation upsert failed")
	}
}
