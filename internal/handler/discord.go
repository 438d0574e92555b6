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

type DiscordHandler struct {
	ChannelHandler
	discord   *platform.DiscordConnector
	discovery *service.DiscoveryService
}

func NewDiscordHandler(
	discord *platform.DiscordConnector,
	integrations *service.IntegrationService,
	oauth *service.OAuthService,
	verification *service.VerificationService,
	discovery *service.DiscoveryService,
) *DiscordHandler {
	return &DiscordHandler{
		ChannelHandler: NewChannelHandler(discord, integrations, oauth, verification),
		discord:        discord,
		discovery:      discovery,
	}
}

func (h *DiscordHandler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	h.mountShared(r, auth)

	r.Post("/events", h.Events)
	r.Post("/interactions", h.Interactions)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/available-guilds", h.AvailableGuilds)
		r.Post("/add-channels", h.AddChannels)
		r.Get("/bot/invite-url", h.BotInviteURL)
	})
	return r
}

// GET /api/discord/available-guilds
func (h *DiscordHandler) AvailableGuilds(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	result, err := h.discovery.DiscordAvailableGuilds(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/discord/add-channels
func (h *DiscordHandler) AddChannels(w http.ResponseWriter, r *http.Request) {
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

	created, err := h.integrations.AddChannels(r.Context(), model.PlatformDiscord, userID, req.Channels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": created})
}

// GET /api/discord/bot/invite-url
func (h *DiscordHandler) BotInviteURL(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	writeJSON(w, http.StatusOK, map[string]string{
		"invite_url": h.discord.BotInviteURL(guildID),
	})
}

type discordEventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// POST /api/discord/events
// The url_verification handshake is answered before the signature
// check: the challenge payload can arrive before the signing secret is
// provisioned on Discord's side. Everything else requires the HMAC.
func (h *DiscordHandler) Events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.ValidationError("Unreadable body"))
		return
	}

	var payload discordEventPayload
	_ = json.Unmarshal(body, &payload)

	if payload.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": payload.Challenge})
		return
	}

	timestamp := r.Header.Get("X-Discord-Timestamp")
	signature := r.Header.Get("X-Discord-Signature")
	if err := h.discord.VerifyEventSignature(timestamp, body, signature); err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventWebhookAuthFail,
			Platform: "discord",
			Details:  map[string]interface{}{"reason": err.Error()},
		})
		writeError(w, apperrors.Unauthorized("Invalid request signature"))
		return
	}

	if payload.Type == "member_joined_channel" {
		h.handleBotJoinedChannel(r, payload)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleBotJoinedChannel auto-provisions when the bot lands in a new
// channel of a guild someone already integrated. The oldest guild row
// donates ownership and display metadata.
func (h *DiscordHandler) handleBotJoinedChannel(r *http.Request, payload discordEventPayload) {
	ctx := r.Context()

	// Ordinary members join channels all the time; only the bot's own
	// join may create an integration.
	if payload.UserID == "" || payload.UserID != h.discord.BotUserID() {
		return
	}

	rows, err := h.integrations.ListByContainer(ctx, model.PlatformDiscord, payload.GuildID)
	if err != nil {
		log.Error().Err(err).Str("guild_id", payload.GuildID).Msg("guild lookup failed")
		return
	}
	if len(rows) == 0 {
		return
	}
	base := rows[0]

	channelName := ""
	if name, err := h.discord.ChannelName(ctx, payload.ChannelID); err != nil {
		log.Warn().Err(err).Str("channel_id", payload.ChannelID).Msg("channel name lookup failed")
	} else {
		channelName = name
	}

	containerName := ""
	if base.ContainerName != nil {
		containerName = *base.ContainerName
	}
	integ, err := h.integrations.CloneChannel(ctx, &base, service.ChannelSelection{
		ContainerID:   payload.GuildID,
		ContainerName: containerName,
		ChannelID:     payload.ChannelID,
		ChannelName:   channelName,
	})
	if err != nil {
		log.Error().Err(err).Str("channel_id", payload.ChannelID).Msg("auto-provision failed")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventChannelAutoCreate,
		UserID:        base.UserID,
		Platform:      "discord",
		IntegrationID: integ.ID,
	})
}

// POST /api/discord/interactions
// Ed25519-signed; only the type 1 PING is handled, everything else is
// acknowledged and dropped.
func (h *DiscordHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.ValidationError("Unreadable body"))
		return
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	signature := r.Header.Get("X-Signature-Ed25519")
	if err := h.discord.VerifyInteractionSignature(timestamp, body, signature); err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventWebhookAuthFail,
			Platform: "discord",
			Details:  map[string]interface{}{"reason": err.Error(), "endpoint": "interactions"},
		})
		writeError(w, apperrors.Unauthorized("Invalid request signature"))
		return
	}

	var interaction struct {
		Type int `json:"type"`
	}
	_ = json.Unmarshal(body, &interaction)

	if interaction.Type == 1 {
		writeJSON(w, http.StatusOK, map[string]int{"type": 1})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
