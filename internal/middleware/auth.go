package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/rs/zerolog/log"
)

type contextKey string

const UserContextKey contextKey = "user_id"

func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserContextKey).(string); ok {
		return userID
	}
	return ""
}

// AuthMiddleware verifies the app's bearer JWT (issued by the external
// auth system) and exposes the subject user id to handlers. Session
// issuance itself lives outside this service.
type AuthMiddleware struct {
	tokenAuth *jwtauth.JWTAuth
}

func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{tokenAuth: jwtauth.New("HS256", []byte(secret), nil)}
}

// Handler mounts jwtauth's verifier followed by our authenticator, so
// handlers downstream can rely on GetUserID returning a non-empty id.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return jwtauth.Verifier(m.tokenAuth)(m.authenticate(next))
}

func (m *AuthMiddleware) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing or invalid authentication token",
			})
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			log.Warn().Msg("auth middleware: token without subject")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
