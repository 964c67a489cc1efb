package jobs

import (
	"net/url"
	"strings"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// SubmitRequest is the client payload for creating a job.
type SubmitRequest struct {
	VideoURL            string `json:"video_url"`
	ClipDurationSeconds int    `json:"clip_duration_seconds"`
	ClipCount           int    `json:"clip_count"`
	Language            string `json:"language"`
}

// Validate normalizes and checks the submission parameters.
func (r *SubmitRequest) Validate() error {
	r.VideoURL = strings.TrimSpace(r.VideoURL)
	if r.VideoURL == "" {
		return apperr.New(apperr.Validation, "video_url is required")
	}
	u, err := url.Parse(r.VideoURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.New(apperr.Validation, "video_url must be an http(s) URL")
	}
	if r.ClipDurationSeconds < MinClipDurationSeconds || r.ClipDurationSeconds > MaxClipDurationSeconds {
		return apperr.Newf(apperr.Validation, "clip_duration_seconds must be %d..%d", MinClipDurationSeconds, MaxClipDurationSeconds)
	}
	if r.ClipCount < MinClipCount || r.ClipCount > MaxClipCount {
		return apperr.Newf(apperr.Validation, "clip_count must be %d..%d", MinClipCount, MaxClipCount)
	}
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	if r.Language == "" {
		r.Language = LanguageAuto
	}
	if !ValidLanguage(r.Language) {
		return apperr.New(apperr.Validation, "language must be en, id or auto")
	}
	return nil
}
