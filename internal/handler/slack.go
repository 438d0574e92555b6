package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/audit"
	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/middleware"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/service"
)

type SlackHandler struct {
	ChannelHandler
	slack     *platform.SlackConnector
	discovery *service.DiscoveryService
}

func NewSlackHandler(
	slack *platform.SlackConnector,
	integrations *service.IntegrationService,
	oauth *service.OAuthService,
	verification *service.VerificationService,
	discovery *service.DiscoveryService,
) *SlackHandler {
	return &SlackHandler{
		ChannelHandler: NewChannelHandler(slack, integrations, oauth, verification),
		slack:          slack,
		discovery:      discovery,
	}
}

func (h *SlackHandler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	h.mountShared(r, auth)

	r.Post("/events", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/available-channels", h.AvailableChannels)
		r.Post("/add-channels", h.AddChannels)
	})
	return r
}

// GET /api/slack/available-channels
func (h *SlackHandler) AvailableChannels(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	result, err := h.discovery.SlackAvailableChannels(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/slack/add-channels
func (h *SlackHandler) AddChannels(w http.ResponseWriter, r *http.Request) {
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

	base, err := h.integrations.FindBase(r.Context(), model.PlatformSlack, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if base == nil || base.BotToken == nil {
		writeError(w, apperrors.NotConnected("slack"))
		return
	}

	// Join public channels so the first notification does not bounce.
	for _, sel := range req.Channels {
		if err := h.slack.JoinChannel(r.Context(), *base.BotToken, sel.ChannelID); err != nil {
			log.Warn().Err(err).Str("channel_id", sel.ChannelID).Msg("conversations.join failed")
		}
	}

	created, err := h.integrations.AddChannels(r.Context(), model.PlatformSlack, userID, req.Channels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": created})
}

type slackEventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	Event     struct {
		Type    string `json:"type"`
		User    string `json:"user"`
		Channel string `json:"channel"`
	} `json:"event"`
}

// POST /api/slack/events
// Signature-gated; always acknowledges with 200 once authenticated so
// Slack stops retrying, even when the event is irrelevant.
func (h *SlackHandler) Events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.ValidationError("Unreadable body"))
		return
	}

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if err := h.slack.VerifySignature(timestamp, body, signature); err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventWebhookAuthFail,
			Platform: "slack",
			Details:  map[string]interface{}{"reason": err.Error()},
		})
		writeError(w, apperrors.Unauthorized("Invalid request signature"))
		return
	}

	var payload slackEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	// The handshake is echoed only after the signature checks out.
	if payload.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": payload.Challenge})
		return
	}

	if payload.Type == "event_callback" {
		switch payload.Event.Type {
		case "member_joined_channel":
			h.handleBotJoinedChannel(r, payload)
		case "app_uninstalled", "tokens_revoked":
			h.handleAppUninstalled(r, payload.TeamID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleBotJoinedChannel auto-provisions a channel integration when
// our own bot user is invited to a channel in a connected workspace.
// The oldest matching workspace row donates credentials and ownership.
func (h *SlackHandler) handleBotJoinedChannel(r *http.Request, payload slackEventPayload) {
	ctx := r.Context()

	rows, err := h.integrations.ListByContainer(ctx, model.PlatformSlack, payload.TeamID)
	if err != nil {
		log.Error().Err(err).Str("team_id", payload.TeamID).Msg("workspace lookup failed")
		return
	}

	var base *model.Integration
	for i := range rows {
		row := rows[i]
		if row.BotUserID != nil && *row.BotUserID == payload.Event.User && row.BotToken != nil {
			base = &row
			break
		}
	}
	if base == nil {
		return
	}

	channelName := ""
	if name, err := h.slack.ChannelInfo(ctx, *base.BotToken, payload.Event.Channel); err != nil {
		log.Warn().Err(err).Str("channel_id", payload.Event.Channel).Msg("channel name lookup failed")
	} else {
		channelName = name
	}

	containerName := ""
	if base.ContainerName != nil {
		containerName = *base.ContainerName
	}
	integ, err := h.integrations.CloneChannel(ctx, base, service.ChannelSelection{
		ContainerID:   payload.TeamID,
		ContainerName: containerName,
		ChannelID:     payload.Event.Channel,
		ChannelName:   channelName,
	})
	if err != nil {
		log.Error().Err(err).Str("channel_id", payload.Event.Channel).Msg("auto-provision failed")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventChannelAutoCreate,
		UserID:        base.UserID,
		Platform:      "slack",
		IntegrationID: integ.ID,
	})
}

// handleAppUninstalled disconnects every integration in the workspace
// once Slack reports the app is gone.
func (h *SlackHandler) handleAppUninstalled(r *http.Request, teamID string) {
	ctx := r.Context()

	rows, err := h.integrations.ListByContainer(ctx, model.PlatformSlack, teamID)
	if err != nil {
		log.Error().Err(err).Str("team_id", teamID).Msg("workspace lookup failed")
		return
	}
	seen := make(map[string]bool)
	for i := range rows {
		if seen[rows[i].UserID] {
			continue
		}
		seen[rows[i].UserID] = true
		if _, err := h.integrations.DisconnectAll(ctx, model.PlatformSlack, rows[i].UserID); err != nil {
			log.Error().Err(err).Str("user_id", rows[i].UserID).Msg("disconnect after uninstall failed")
			continue
		}
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventChannelAutoRemove,
			UserID:   rows[i].UserID,
			Platform: "slack",
			Details:  map[string]interface{}{"team_id": teamID},
		})
	}
}
