package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.PaymentRequired:
		return http.StatusPaymentRequired
	case apperr.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAppErr sends the client-safe message for err. Server-side
// faults keep their full cause in the log only.
func (s *Server) writeAppErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal || kind == apperr.Upstream {
		s.log.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "kind", kind.String(), "error", err)
	}
	writeError(w, statusFor(kind), apperr.Message(err))
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		return apperr.New(apperr.Validation, "invalid JSON body")
	}
	return nil
}
