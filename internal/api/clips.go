package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/artifacts"
)

type resultsResponse struct {
	Clips []artifacts.ClipEntry `json:"clips"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rec := jobFromContext(r.Context())
	clips, err := s.artifacts.Results(r.Context(), rec.ID)
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Clips: clips})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	rec := jobFromContext(r.Context())
	signed, err := s.artifacts.PreviewURL(r.Context(), rec.ID, mux.Vars(r)["clipFile"])
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec := jobFromContext(r.Context())
	signed, err := s.artifacts.DownloadURL(r.Context(), rec.ID, mux.Vars(r)["clipFile"])
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

const defaultStreamType = "video/mp4"

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rec := jobFromContext(r.Context())
	res, err := s.artifacts.Stream(r.Context(), rec.ID, mux.Vars(r)["clipFile"], r.Header.Get("Range"))
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	defer res.Body.Close()

	contentType := res.ContentType
	if contentType == "" {
		contentType = defaultStreamType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if res.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	if res.Partial {
		w.Header().Set("Content-Range", res.ContentRange)
		w.WriteHeader(http.StatusPartialContent)
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		s.log.Warn("stream interrupted", "job_id", rec.ID, "error", err)
	}
}

const maxUnlockRequestID = 128

type unlockRequest struct {
	UnlockRequestID string `json:"unlock_request_id"`
}

// handleUnlock validates the body before its two token gates, so it
// runs the gates inline instead of through the route middleware.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	req.UnlockRequestID = strings.TrimSpace(req.UnlockRequestID)
	if req.UnlockRequestID == "" || len(req.UnlockRequestID) > maxUnlockRequestID {
		s.writeAppErr(w, r, apperr.Newf(apperr.Validation,
			"unlock_request_id must be 1 to %d characters", maxUnlockRequestID))
		return
	}

	rec, ok := s.resolveJob(w, r)
	if !ok {
		return
	}
	addr, ok := s.resolveWallet(w, r)
	if !ok {
		return
	}
	clipFile := mux.Vars(r)["clipFile"]

	// The clip must exist in the job's manifest before any charge.
	if err := s.artifacts.VerifyClip(r.Context(), rec.ID, clipFile); err != nil {
		s.writeAppErr(w, r, err)
		return
	}

	wallet, ok := s.walletKey(w, r, addr)
	if !ok {
		return
	}

	res, err := s.unlock.Unlock(r.Context(), rec.ID, clipFile, wallet, req.UnlockRequestID)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.PaymentRequired:
			s.metrics.RecordUnlock("insufficient")
		case apperr.Conflict:
			s.metrics.RecordUnlock("conflict")
		default:
			s.metrics.RecordUnlock("chain_failure")
		}
		s.writeAppErr(w, r, err)
		return
	}
	s.metrics.RecordUnlock(res.Idempotency)
	writeJSON(w, http.StatusOK, res)
}
