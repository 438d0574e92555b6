package handler

import (
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

type TelegramHandler struct {
	ChannelHandler
	telegram   *platform.TelegramConnector
	webhookURL string
}

func NewTelegramHandler(
	telegram *platform.TelegramConnector,
	integrations *service.IntegrationService,
	oauth *service.OAuthService,
	verification *service.VerificationService,
	webhookURL string,
) *TelegramHandler {
	return &TelegramHandler{
		ChannelHandler: NewChannelHandler(telegram, integrations, oauth, verification),
		telegram:       telegram,
		webhookURL:     webhookURL,
	}
}

func (h *TelegramHandler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	h.mountShared(r, auth)

	r.Post("/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/start/link", h.StartLink)
		r.Get("/bot/info", h.BotInfo)
		r.Get("/webhook/info", h.WebhookInfo)
		r.Post("/webhook/set", h.SetWebhook)
	})
	return r
}

// GET /api/telegram/start/link
// Telegram has no OAuth; the connect flow is a t.me deep link whose
// /start payload carries the local user id back through the webhook.
func (h *TelegramHandler) StartLink(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"start_link": h.telegram.StartLink(userID),
	})
}

// GET /api/telegram/bot/info
func (h *TelegramHandler) BotInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.telegram.BotInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /api/telegram/webhook/info
func (h *TelegramHandler) WebhookInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.telegram.WebhookInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// POST /api/telegram/webhook/set
func (h *TelegramHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.telegram.SetWebhook(r.Context(), h.webhookURL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /api/telegram/webhook
// Bot API update endpoint. Rejects deliveries without the shared
// secret header; everything past that is acknowledged with 200 so
// Telegram does not redeliver.
func (h *TelegramHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if err := h.telegram.VerifyWebhookSecret(r.Header.Get("X-Telegram-Bot-Api-Secret-Token")); err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventWebhookAuthFail,
			Platform: "telegram",
			Details:  map[string]interface{}{"reason": err.Error()},
		})
		writeError(w, apperrors.Unauthorized("Invalid webhook secret"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.ValidationError("Failed to read request body"))
		return
	}
	upd, err := platform.ParseUpdate(body)
	if err != nil {
		writeError(w, apperrors.ValidationError("Invalid update payload"))
		return
	}

	switch {
	case upd.Message != nil:
		h.handleMessage(r, upd.Message)
	case upd.MyChatMember != nil:
		h.handleMembershipChange(r, upd.MyChatMember)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *TelegramHandler) handleMessage(r *http.Request, msg *platform.TelegramMessage) {
	ctx := r.Context()
	chatID := platform.ChatIDString(msg.Chat.ID)

	if userID, ok := msg.StartPayload(); ok {
		if msg.From == nil {
			return
		}
		chatType := telegramChatType(msg.Chat.Type)
		params := model.UpsertIntegrationParams{
			Platform:       model.PlatformTelegram,
			UserID:         userID,
			ExternalUserID: optionalStr(platform.ChatIDString(msg.From.ID)),
			Username:       optionalStr(msg.From.Username),
			DisplayName:    optionalStr(msg.From.FirstName),
			ChannelID:      &chatID,
			ChannelName:    optionalStr(msg.Chat.Title),
			ChatType:       &chatType,
			Status:         model.StatusEnabled,
		}
		integ, err := h.integrations.CreateOrReactivate(ctx, params)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("telegram connect upsert failed")
			return
		}
		audit.LogFromRequest(r, audit.Event{
			Type:          audit.EventChannelConnect,
			UserID:        userID,
			Platform:      "telegram",
			IntegrationID: integ.ID,
		})
		if err := h.telegram.SendMessage(ctx, platform.Credentials{}, chatID,
			"Connected. Alerts for your account will arrive in this chat."); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("welcome message failed")
		}
		return
	}

	if msg.IsStop() {
		h.disableChat(r, chatID)
		if err := h.telegram.SendMessage(ctx, platform.Credentials{}, chatID,
			"Alerts for this chat are now off. Send /start to turn them back on."); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("goodbye message failed")
		}
	}
}

func (h *TelegramHandler) handleMembershipChange(r *http.Request, upd *platform.TelegramChatMemberUpdate) {
	ctx := r.Context()
	chatID := platform.ChatIDString(upd.Chat.ID)

	switch {
	case upd.BotRemoved():
		h.disableChat(r, chatID)

	case upd.BotJoined():
		if upd.Chat.Type == "private" {
			// DMs are connected through /start, which carries the
			// account id. Membership alone tells us nothing.
			return
		}
		// Resolve who added the bot to a known local user via their
		// existing DM integration.
		rows, err := h.integrations.ListByExternalUser(ctx, model.PlatformTelegram, platform.ChatIDString(upd.From.ID))
		if err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("integration lookup failed")
			return
		}
		if len(rows) == 0 {
			if err := h.telegram.SendMessage(ctx, platform.Credentials{}, chatID,
				"Thanks for adding me. To receive alerts here, first connect your account by messaging me directly via the link on your dashboard."); err != nil {
				log.Warn().Err(err).Str("chat_id", chatID).Msg("instructional message failed")
			}
			return
		}
		chatType := telegramChatType(upd.Chat.Type)
		integ, err := h.integrations.CreateOrReactivate(ctx, model.UpsertIntegrationParams{
			Platform:       model.PlatformTelegram,
			UserID:         rows[0].UserID,
			ExternalUserID: rows[0].ExternalUserID,
			Username:       rows[0].Username,
			ChannelID:      &chatID,
			ChannelName:    optionalStr(upd.Chat.Title),
			ChatType:       &chatType,
			Status:         model.StatusEnabled,
		})
		if err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("group upsert failed")
			return
		}
		audit.LogFromRequest(r, audit.Event{
			Type:          audit.EventChannelAutoCreate,
			UserID:        rows[0].UserID,
			Platform:      "telegram",
			IntegrationID: integ.ID,
			Details:       map[string]interface{}{"chat_id": chatID, "chat_type": upd.Chat.Type},
		})
	}
}

// disableChat soft-deletes every integration row pointing at a chat
// the bot can no longer reach.
func (h *TelegramHandler) disableChat(r *http.Request, chatID string) {
	ctx := r.Context()
	rows, err := h.integrations.ListByChannel(ctx, model.PlatformTelegram, chatID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("integration lookup failed")
		return
	}
	for i := range rows {
		if err := h.integrations.SoftDeleteRow(ctx, &rows[i]); err != nil {
			log.Error().Err(err).Str("integration_id", rows[i].ID).Msg("soft delete failed")
			continue
		}
		audit.LogFromRequest(r, audit.Event{
			Type:          audit.EventChannelAutoRemove,
			UserID:        rows[i].UserID,
			Platform:      "telegram",
			IntegrationID: rows[i].ID,
			Details:       map[string]interface{}{"chat_id": chatID},
		})
	}
}

func telegramChatType(t string) model.ChatType {
	switch t {
	case "group", "supergroup":
		return model.ChatTypeGroup
	case "channel":
		return model.ChatTypeChannel
	default:
		return model.ChatTypeDirect
	}
}

func optionalStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
