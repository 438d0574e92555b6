package middleware

import (
	"net/http"

	"github.com/savos/drr2/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
