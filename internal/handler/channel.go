package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/audit"
	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/middleware"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/service"
)

// ChannelHandler implements the endpoints every platform shares:
// OAuth url/callback, integration listing, test message, verification
// and deletion. Platform handlers embed it and add their extras.
type ChannelHandler struct {
	conn         platform.Connector
	integrations *service.IntegrationService
	oauth        *service.OAuthService
	verification *service.VerificationService
}

func NewChannelHandler(
	conn platform.Connector,
	integrations *service.IntegrationService,
	oauth *service.OAuthService,
	verification *service.VerificationService,
) ChannelHandler {
	return ChannelHandler{
		conn:         conn,
		integrations: integrations,
		oauth:        oauth,
		verification: verification,
	}
}

// mountShared wires the common routes. Callback, its alias and the
// signed verify link stay public; everything else requires auth.
func (h *ChannelHandler) mountShared(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/oauth/callback", h.OAuthCallback)
	r.Get("/callback", h.OAuthCallback)
	r.Get("/verify", h.VerifyLink)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/oauth/url", h.OAuthURL)
		r.Get("/integrations", h.ListIntegrations)
		r.Post("/integrations/{id}/test", h.TestMessage)
		r.Post("/integrations/{id}/verify", h.VerifyOwned)
		r.Delete("/integrations/{id}", h.Delete)
	})
}

// GET /api/{platform}/oauth/url
func (h *ChannelHandler) OAuthURL(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	state, err := h.oauth.IssueState(r.Context(), h.conn.Name(), userID)
	if err != nil {
		log.Error().Err(err).Str("platform", string(h.conn.Name())).Msg("failed to issue oauth state")
		writeError(w, apperrors.Internal("Failed to start connection flow"))
		return
	}

	authURL, err := h.conn.AuthorizeURL(state)
	if err != nil {
		writeError(w, apperrors.Internal("Platform is not configured"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"oauth_url": authURL,
		"state":     state,
	})
}

// GET /api/{platform}/oauth/callback (and /callback alias).
// Platform-initiated browser redirect: every outcome is a redirect to
// the frontend, never a raw error page.
func (h *ChannelHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	redirectURL := h.oauth.HandleCallback(r.Context(), h.conn, code, state)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// GET /api/{platform}/integrations
func (h *ChannelHandler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	rows, err := h.integrations.ListByUser(r.Context(), h.conn.Name(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": rows})
}

// POST /api/{platform}/integrations/{id}/test
// Sends the test message with an embedded verification link. Sending
// never changes status; only redeeming the link does.
func (h *ChannelHandler) TestMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	integ, err := h.integrations.GetOwned(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	verificationURL, err := h.verification.VerificationURL(integ)
	if err != nil {
		log.Error().Err(err).Str("integration_id", id).Msg("failed to build verification url")
		writeError(w, apperrors.Internal("Failed to prepare test message"))
		return
	}

	if err := h.conn.SendTestMessage(r.Context(), integ, verificationURL); err != nil {
		log.Warn().Err(err).
			Str("platform", string(h.conn.Name())).
			Str("integration_id", id).
			Msg("test message failed")
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": guidanceFor(h.conn.CategorizeSendError(err)),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Test message sent. Click the confirmation link in it to activate the channel.",
	})
}

// POST /api/{platform}/integrations/{id}/verify
func (h *ChannelHandler) VerifyOwned(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	integ, err := h.verification.VerifyOwned(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventChannelVerify,
		UserID:        userID,
		Platform:      string(h.conn.Name()),
		IntegrationID: id,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "integration": integ})
}

// GET /api/{platform}/verify?token=...
// Signed-link variant used from inside the chat message; responds
// with a frontend redirect in both directions.
func (h *ChannelHandler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	integ, err := h.verification.Redeem(r.Context(), h.conn.Name(), token)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventVerifyReject,
			Platform: string(h.conn.Name()),
			Details:  map[string]interface{}{"reason": err.Error()},
		})
		http.Redirect(w, r, h.oauth.RedirectVerified(h.conn.Name(), false), http.StatusFound)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventChannelVerify,
		UserID:        integ.UserID,
		Platform:      string(h.conn.Name()),
		IntegrationID: integ.ID,
	})
	http.Redirect(w, r, h.oauth.RedirectVerified(h.conn.Name(), true), http.StatusFound)
}

// DELETE /api/{platform}/integrations/{id}
func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.integrations.Delete(r.Context(), userID, id); err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventChannelDelete,
		UserID:        userID,
		Platform:      string(h.conn.Name()),
		IntegrationID: id,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func guidanceFor(cat platform.Category) string {
	switch cat {
	case platform.CategoryUnreachable:
		return "We couldn't reach this channel. The chat may have been deleted, or the recipient's privacy settings block messages from the bot. Check the channel and try again."
	case platform.CategoryPermission:
		return "The bot doesn't have permission to post in this channel. Invite the bot or grant it access, then try again."
	default:
		return "Failed to send the test message. Please try again later."
	}
}
