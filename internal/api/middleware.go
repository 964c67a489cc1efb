package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Lexiie/KangKlip/internal/jobs"
)

// Header names carrying the three credentials.
const (
	headerJobToken      = "x-job-token"
	headerAuthToken     = "x-auth-token"
	headerCallbackToken = "x-callback-token"
)

type ctxKey int

const (
	ctxKeyJob ctxKey = iota
	ctxKeyWallet
)

// jobFromContext returns the record loaded by requireJobToken.
func jobFromContext(ctx context.Context) *jobs.Record {
	rec, _ := ctx.Value(ctxKeyJob).(*jobs.Record)
	return rec
}

// walletFromContext returns the wallet bound by requireAuthToken.
func walletFromContext(ctx context.Context) string {
	w, _ := ctx.Value(ctxKeyWallet).(string)
	return w
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument tags every API request with a correlation id, logs it and
// feeds the HTTP metrics. The route label uses the mux template so path
// parameters do not explode metric cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest(route, r.Method, rec.status, elapsed.Seconds())
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", reqID)
	})
}

// resolveJob runs the job-token gate: it loads {jobId} and demands the
// matching token in x-job-token, writing the error response itself when
// the gate fails. Handlers that must validate a body before any gate
// call this inline instead of using requireJobToken.
func (s *Server) resolveJob(w http.ResponseWriter, r *http.Request) (*jobs.Record, bool) {
	jobID := mux.Vars(r)["jobId"]
	if !jobs.ValidID(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	rec, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeAppErr(w, r, err)
		return nil, false
	}
	token := r.Header.Get(headerJobToken)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(rec.Token)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid job token")
		return nil, false
	}
	return rec, true
}

// requireJobToken wraps resolveJob for routes with no request body.
// The loaded record rides the request context.
func (s *Server) requireJobToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.resolveJob(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyJob, rec)))
	}
}

// resolveWallet runs the auth-token gate: x-auth-token must resolve to
// a bound wallet address.
func (s *Server) resolveWallet(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimSpace(r.Header.Get(headerAuthToken))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing auth token")
		return "", false
	}
	wallet, err := s.auth.WalletForToken(r.Context(), token)
	if err != nil {
		s.writeAppErr(w, r, err)
		return "", false
	}
	if wallet == "" {
		writeError(w, http.StatusUnauthorized, "invalid auth token")
		return "", false
	}
	return wallet, true
}

func (s *Server) requireAuthToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wallet, ok := s.resolveWallet(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyWallet, wallet)))
	}
}

// requireCallbackToken gates the worker callback with the shared secret.
func (s *Server) requireCallbackToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(headerCallbackToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.CallbackToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
		next(w, r)
	}
}

// clientIP keys the rate limiter. Proxies in front of the service set
// X-Forwarded-For; the first hop is the caller.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
