// Package artifacts gates access to worker output: it resolves clips
// through the job's manifest and mints signed URLs or proxies ranged
// reads. Previews are free; downloads require the clip to be unlocked.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/jobs"
	"github.com/Lexiie/KangKlip/internal/objstore"
	"github.com/Lexiie/KangKlip/internal/store"
)

const (
	// PreviewURLTTL bounds free preview links.
	PreviewURLTTL = 600 * time.Second
	// DownloadURLTTL bounds paid download links.
	DownloadURLTTL = 86400 * time.Second
)

// Manifest is the worker-produced index of rendered clips. Unknown
// fields are ignored.
type Manifest struct {
	JobID string         `json:"job_id"`
	Clips []ManifestClip `json:"clips"`
}

type ManifestClip struct {
	Index    int     `json:"index"`
	Title    string  `json:"title"`
	Hook     string  `json:"hook"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration int     `json:"duration"`
	File     string  `json:"file"`
}

// ClipEntry is one row of the results listing.
type ClipEntry struct {
	ClipFile         string `json:"clip_file"`
	Title            string `json:"title"`
	Duration         int    `json:"duration"`
	Locked           bool   `json:"locked"`
	UnlockEndpoint   string `json:"unlock_endpoint"`
	DownloadEndpoint string `json:"download_endpoint"`
	PreviewEndpoint  string `json:"preview_endpoint"`
}

// SignedURL is the wire shape for preview and download grants.
type SignedURL struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// ObjectStore is the slice of the bucket client the gate uses.
type ObjectStore interface {
	GetJSON(ctx context.Context, key string, v any) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	GetRange(ctx context.Context, key, rangeHeader string) (*objstore.RangeResult, error)
}

type Service struct {
	store   *store.Store
	objects ObjectStore
	log     *slog.Logger
}

func NewService(st *store.Store, objects ObjectStore, log *slog.Logger) *Service {
	return &Service{store: st, objects: objects, log: log}
}

func manifestKey(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/manifest.json"
}

func clipKey(prefix, file string) string {
	return strings.TrimRight(prefix, "/") + "/clips/" + file
}

func clipEndpoint(jobID, file, action string) string {
	return fmt.Sprintf("/api/jobs/%s/clips/%s/%s", jobID, file, action)
}

func validClipFile(file string) bool {
	if file == "" || len(file) > 255 {
		return false
	}
	if strings.ContainsAny(file, "/\\") || strings.Contains(file, "..") {
		return false
	}
	return true
}

// loadManifest resolves the job, requires a finished run, and fetches
// its manifest. A manifest missing after success is an internal fault,
// not a user error.
func (s *Service) loadManifest(ctx context.Context, jobID string) (*jobs.Record, *Manifest, error) {
	rec, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != jobs.StatusSucceeded {
		return nil, nil, apperr.New(apperr.Conflict, "job not completed")
	}
	if rec.R2Prefix == "" {
		return nil, nil, apperr.New(apperr.Internal, "missing r2 prefix")
	}

	var m Manifest
	if err := s.objects.GetJSON(ctx, manifestKey(rec.R2Prefix), &m); err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, nil, apperr.Wrap(apperr.Internal, "manifest missing", err)
		}
		return nil, nil, err
	}
	return rec, &m, nil
}

// resolveClip additionally requires clipFile to appear in the manifest.
func (s *Service) resolveClip(ctx context.Context, jobID, clipFile string) (*jobs.Record, *ManifestClip, error) {
	if !validClipFile(clipFile) {
		return nil, nil, apperr.New(apperr.Validation, "invalid clip file name")
	}
	rec, m, err := s.loadManifest(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	for i := range m.Clips {
		if m.Clips[i].File == clipFile {
			return rec, &m.Clips[i], nil
		}
	}
	return nil, nil, apperr.New(apperr.NotFound, "clip not found")
}

// VerifyClip confirms clipFile is a manifest member of a finished job
// without minting anything. Unlock runs this before any charge.
func (s *Service) VerifyClip(ctx context.Context, jobID, clipFile string) error {
	_, _, err := s.resolveClip(ctx, jobID, clipFile)
	return err
}

// Results lists every manifest clip with its lock state and the
// endpoints a client uses next.
func (s *Service) Results(ctx context.Context, jobID string) ([]ClipEntry, error) {
	_, m, err := s.loadManifest(ctx, jobID)
	if err != nil {
		return nil, err
	}

	entries := make([]ClipEntry, 0, len(m.Clips))
	for _, clip := range m.Clips {
		unlocked, err := s.store.ClipUnlocked(ctx, jobID, clip.File)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ClipEntry{
			ClipFile:         clip.File,
			Title:            clip.Title,
			Duration:         clip.Duration,
			Locked:           !unlocked,
			UnlockEndpoint:   clipEndpoint(jobID, clip.File, "unlock"),
			DownloadEndpoint: clipEndpoint(jobID, clip.File, "download"),
			PreviewEndpoint:  clipEndpoint(jobID, clip.File, "preview"),
		})
	}
	return entries, nil
}

// PreviewURL mints a short-lived signed URL with no unlock check.
func (s *Service) PreviewURL(ctx context.Context, jobID, clipFile string) (*SignedURL, error) {
	rec, _, err := s.resolveClip(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}
	url, err := s.objects.PresignGet(ctx, clipKey(rec.R2Prefix, clipFile), PreviewURLTTL)
	if err != nil {
		return nil, err
	}
	return &SignedURL{URL: url, ExpiresIn: int(PreviewURLTTL / time.Second)}, nil
}

// DownloadURL mints a day-long signed URL for an unlocked clip.
func (s *Service) DownloadURL(ctx context.Context, jobID, clipFile string) (*SignedURL, error) {
	rec, _, err := s.resolveClip(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}
	unlocked, err := s.store.ClipUnlocked(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}
	if !unlocked {
		return nil, apperr.New(apperr.Forbidden, "locked")
	}
	url, err := s.objects.PresignGet(ctx, clipKey(rec.R2Prefix, clipFile), DownloadURLTTL)
	if err != nil {
		return nil, err
	}
	return &SignedURL{URL: url, ExpiresIn: int(DownloadURLTTL / time.Second)}, nil
}

// Stream opens a ranged read on the clip object for proxying.
func (s *Service) Stream(ctx context.Context, jobID, clipFile, rangeHeader string) (*objstore.RangeResult, error) {
	rec, _, err := s.resolveClip(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}
	return s.objects.GetRange(ctx, clipKey(rec.R2Prefix, clipFile), rangeHeader)
}
