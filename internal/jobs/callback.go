package jobs

import (
	"strings"
	"time"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// Callback is the worker-reported state update. Progress is a pointer
// so an omitted value can be told apart from an explicit zero.
type Callback struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	R2Prefix string `json:"r2_prefix,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Apply merges a callback into the record. Status and stage may only
// move forward; violations are Validation errors so the worker sees a
// 400 instead of silently corrupting the record. Terminal statuses
// imply stage DONE and progress 100 when the callback leaves them out.
func (r *Record) Apply(cb Callback, now time.Time) error {
	status := Status(strings.ToUpper(strings.TrimSpace(cb.Status)))
	if !status.Valid() {
		return apperr.Newf(apperr.Validation, "unknown status %q", cb.Status)
	}
	if !r.Status.CanTransition(status) {
		return apperr.Newf(apperr.Validation, "illegal transition %s -> %s", r.Status, status)
	}

	var stage Stage
	if cb.Stage != "" {
		stage = Stage(strings.ToUpper(strings.TrimSpace(cb.Stage)))
		if !stage.Valid() {
			return apperr.Newf(apperr.Validation, "unknown stage %q", cb.Stage)
		}
		if r.Stage != "" && stage.Before(r.Stage) {
			return apperr.Newf(apperr.Validation, "stage moved backwards %s -> %s", r.Stage, stage)
		}
	}

	r.Status = status
	if stage != "" {
		r.Stage = stage
	}
	if cb.Progress != nil {
		p := *cb.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		r.Progress = p
	}
	if cb.R2Prefix != "" {
		r.R2Prefix = cb.R2Prefix
	}
	if cb.Error != "" {
		r.Error = cb.Error
	}

	if status.Terminal() {
		if cb.Stage == "" {
			r.Stage = StageDone
		}
		if cb.Progress == nil {
			r.Progress = 100
		}
	}

	r.UpdatedAt = now.UTC()
	return nil
}
