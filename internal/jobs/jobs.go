// Package jobs holds the clip-generation job domain: identifiers,
// lifecycle statuses, worker stages, and the stored record shape.
package jobs

import (
	"time"
)

// Status is the job lifecycle state. Transitions only move forward
// along QUEUED -> RUNNING -> (SUCCEEDED | FAILED).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusRunning:   1,
	StatusSucceeded: 2,
	StatusFailed:    2,
}

// Valid reports whether s is a known status token.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the
// forward-only lifecycle. Staying in the same status is allowed so
// workers can report repeated progress under RUNNING.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Stage is the worker pipeline phase reported through callbacks.
type Stage string

const (
	StageDownload   Stage = "DOWNLOAD"
	StageTranscript Stage = "TRANSCRIPT"
	StageChunk      Stage = "CHUNK"
	StageSelect     Stage = "SELECT"
	StageRender     Stage = "RENDER"
	StageUpload     Stage = "UPLOAD"
	StageDone       Stage = "DONE"
)

var stageRank = map[Stage]int{
	StageDownload:   0,
	StageTranscript: 1,
	StageChunk:      2,
	StageSelect:     3,
	StageRender:     4,
	StageUpload:     5,
	StageDone:       6,
}

// Valid reports whether s is a known stage token.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Before reports whether s is strictly earlier in the pipeline than other.
func (s Stage) Before(other Stage) bool {
	return stageRank[s] < stageRank[other]
}

// Languages accepted for transcript/caption output.
const (
	LanguageEnglish    = "en"
	LanguageIndonesian = "id"
	LanguageAuto       = "auto"
)

// ValidLanguage reports whether lang is one of the supported tokens.
func ValidLanguage(lang string) bool {
	switch lang {
	case LanguageEnglish, LanguageIndonesian, LanguageAuto:
		return true
	}
	return false
}

// Bounds for submission parameters.
const (
	MinClipDurationSeconds = 30
	MaxClipDurationSeconds = 60
	MinClipCount           = 1
	MaxClipCount           = 5
)

// Record is the stored job entity. It is created at submission,
// mutated by the dispatcher and worker callbacks, and never deleted.
type Record struct {
	ID       string `json:"job_id"`
	Token    string `json:"job_token"`
	Status   Status `json:"status"`
	Stage    Stage  `json:"stage,omitempty"`
	Progress int    `json:"progress"`

	VideoURL            string `json:"video_url"`
	ClipCount           int    `json:"clip_count"`
	ClipDurationSeconds int    `json:"clip_duration_seconds"`
	Language            string `json:"language"`

	R2Prefix    string `json:"r2_prefix,omitempty"`
	RunID       string `json:"nosana_run_id,omitempty"`
	StartError  string `json:"start_error,omitempty"`
	Error       string `json:"error,omitempty"`
	MarketCache string `json:"market_cache,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds a Queued record for the given submission parameters.
// The id and token are freshly generated.
func New(videoURL string, clipCount, clipDuration int, language string, now time.Time) (*Record, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:                  NewID(),
		Token:               token,
		Status:              StatusQueued,
		Progress:            0,
		VideoURL:            videoURL,
		ClipCount:           clipCount,
		ClipDurationSeconds: clipDuration,
		Language:            language,
		CreatedAt:           now.UTC(),
		UpdatedAt:           now.UTC(),
	}, nil
}
