package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/jobs"
)

type submitJobResponse struct {
	JobID    string      `json:"job_id"`
	JobToken string      `json:"job_token"`
	Status   jobs.Status `json:"status"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.RecordJobSubmitted("rejected")
		s.writeAppErr(w, r, err)
		return
	}
	rec, err := s.dispatch.Submit(r.Context(), &req)
	if err != nil {
		outcome := "failed"
		if apperr.KindOf(err) == apperr.Validation {
			outcome = "rejected"
		}
		s.metrics.RecordJobSubmitted(outcome)
		s.writeAppErr(w, r, err)
		return
	}
	s.metrics.RecordJobSubmitted("dispatched")
	writeJSON(w, http.StatusOK, submitJobResponse{
		JobID:    rec.ID,
		JobToken: rec.Token,
		Status:   rec.Status,
	})
}

// jobStatusResponse is the public view of a job record. The job token
// never appears here: status polling is unauthenticated.
type jobStatusResponse struct {
	JobID      string      `json:"job_id"`
	Status     jobs.Status `json:"status"`
	Stage      jobs.Stage  `json:"stage,omitempty"`
	Progress   int         `json:"progress"`
	StartError string      `json:"start_error,omitempty"`
	Error      string      `json:"error,omitempty"`
	RunID      string      `json:"nosana_run_id,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	if !jobs.ValidID(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	rec, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:      rec.ID,
		Status:     rec.Status,
		Stage:      rec.Stage,
		Progress:   rec.Progress,
		StartError: rec.StartError,
		Error:      rec.Error,
		RunID:      rec.RunID,
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb jobs.Callback
	if err := decodeJSON(r, &cb); err != nil {
		s.metrics.RecordCallback("rejected")
		s.writeAppErr(w, r, err)
		return
	}
	if !jobs.ValidID(cb.JobID) {
		s.metrics.RecordCallback("rejected")
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	rec, err := s.store.UpdateJob(r.Context(), cb.JobID, func(rec *jobs.Record) error {
		return rec.Apply(cb, time.Now())
	})
	if err != nil {
		s.metrics.RecordCallback("rejected")
		s.writeAppErr(w, r, err)
		return
	}
	s.metrics.RecordCallback(string(rec.Status))
	s.log.Info("callback applied",
		"job_id", rec.ID,
		"status", rec.Status,
		"stage", rec.Stage,
		"progress", rec.Progress)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
