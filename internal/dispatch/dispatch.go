// Package dispatch turns accepted job submissions into fabric runs:
// persist a Queued record, create the deployment, then start it in the
// background once the fabric reports it ready.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/jobs"
	"github.com/Lexiie/KangKlip/internal/nosana"
	"github.com/Lexiie/KangKlip/internal/store"
)

// Fabric is the slice of the nosana client the dispatcher uses.
type Fabric interface {
	CreateDeployment(ctx context.Context, spec nosana.RunSpec) (*nosana.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*nosana.Deployment, error)
	StartDeployment(ctx context.Context, id string) error
	ProbeCache(ctx context.Context, image string) (string, error)
}

type Dispatcher struct {
	store  *store.Store
	fabric Fabric
	cfg    *config.Config
	log    *slog.Logger

	startPolls    int
	startInterval time.Duration
	wg            sync.WaitGroup
}

func New(st *store.Store, fabric Fabric, cfg *config.Config, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:         st,
		fabric:        fabric,
		cfg:           cfg,
		log:           log,
		startPolls:    30,
		startInterval: 2 * time.Second,
	}
}

// Submit validates the request, persists a Queued record and creates a
// deployment for it. The start command is issued in the background; a
// start failure lands in the record's startError, never in this
// response. A create failure marks the job Failed and surfaces as 502.
func (d *Dispatcher) Submit(ctx context.Context, req *jobs.SubmitRequest) (*jobs.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec, err := jobs.New(req.VideoURL, req.ClipCount, req.ClipDurationSeconds, req.Language, time.Now())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "job token generation failed", err)
	}
	rec.Stage = jobs.StageDownload
	if err := d.store.PutJob(ctx, rec); err != nil {
		return nil, err
	}

	// Advisory only: a cold market predicts a slow start but never
	// blocks submission.
	if cache, err := d.fabric.ProbeCache(ctx, d.cfg.Fabric.WorkerImage); err != nil {
		d.log.Warn("market cache probe failed", "job_id", rec.ID, "error", err)
	} else if _, err := d.store.UpdateJob(ctx, rec.ID, func(r *jobs.Record) error {
		r.MarketCache = cache
		return nil
	}); err != nil {
		d.log.Warn("record market cache failed", "job_id", rec.ID, "error", err)
	}

	dep, err := d.fabric.CreateDeployment(ctx, nosana.RunSpec{
		ID:    rec.ID,
		Image: d.cfg.Fabric.WorkerImage,
		GPU:   d.cfg.Fabric.GPUModel,
		Env:   d.workerEnv(rec),
	})
	if err != nil {
		d.log.Error("deployment create failed", "job_id", rec.ID, "error", err)
		if _, uerr := d.store.UpdateJob(ctx, rec.ID, func(r *jobs.Record) error {
			r.Status = jobs.StatusFailed
			r.Error = err.Error()
			return nil
		}); uerr != nil {
			d.log.Error("persist dispatch failure failed", "job_id", rec.ID, "error", uerr)
		}
		return nil, apperr.Wrap(apperr.Upstream, "fabric dispatch failed", err)
	}

	updated, err := d.store.UpdateJob(ctx, rec.ID, func(r *jobs.Record) error {
		r.RunID = dep.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go d.awaitStart(rec.ID, dep.ID)

	d.log.Info("job dispatched",
		"job_id", rec.ID, "deployment_id", dep.ID, "market", d.cfg.Fabric.Market)
	return updated, nil
}

// Wait blocks until all detached start pollers have finished. Used by
// shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// awaitStart runs detached from the submitting request, so it carries
// its own deadline sized to the poll budget plus one start call.
func (d *Dispatcher) awaitStart(jobID, depID string) {
	defer d.wg.Done()

	budget := time.Duration(d.startPolls)*d.startInterval + time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := d.startWhenReady(ctx, depID); err != nil {
		d.log.Warn("deployment start failed",
			"job_id", jobID, "deployment_id", depID, "error", err)
		if _, uerr := d.store.UpdateJob(ctx, jobID, func(r *jobs.Record) error {
			r.StartError = err.Error()
			return nil
		}); uerr != nil {
			d.log.Error("persist start error failed", "job_id", jobID, "error", uerr)
		}
	}
}

// startWhenReady polls the deployment while it is being scheduled and
// issues the start command once the fabric reports it ready.
func (d *Dispatcher) startWhenReady(ctx context.Context, depID string) error {
	for i := 0; i < d.startPolls; i++ {
		dep, err := d.fabric.GetDeployment(ctx, depID)
		if err != nil {
			return err
		}
		switch {
		case dep.Ready():
			return d.fabric.StartDeployment(ctx, depID)
		case dep.Failed():
			return fmt.Errorf("deployment entered %s", dep.Status)
		case dep.Preparing():
		default:
			// Anything else means the fabric already moved the
			// deployment past the start gate on its own.
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.startInterval):
		}
	}
	return fmt.Errorf("deployment not ready after %d polls", d.startPolls)
}

// workerEnv builds the container environment for one job. Advisory
// passthrough variables from the service environment are applied last
// so operators can override the pipeline defaults.
func (d *Dispatcher) workerEnv(rec *jobs.Record) map[string]string {
	clipSeconds := strconv.Itoa(rec.ClipDurationSeconds)
	env := map[string]string{
		"JOB_ID":               rec.ID,
		"VIDEO_URL":            rec.VideoURL,
		"CLIP_COUNT":           strconv.Itoa(rec.ClipCount),
		"MIN_CLIP_SECONDS":     clipSeconds,
		"MAX_CLIP_SECONDS":     clipSeconds,
		"OUTPUT_LANGUAGE":      rec.Language,
		"TRANSCRIPT_MODE":      "prefer_existing",
		"ASR_FALLBACK":         "true",
		"ASR_MODEL":            "base",
		"R2_ENDPOINT":          d.cfg.ObjectStore.Endpoint,
		"R2_BUCKET":            d.cfg.ObjectStore.Bucket,
		"R2_ACCESS_KEY_ID":     d.cfg.ObjectStore.AccessKeyID,
		"R2_SECRET_ACCESS_KEY": d.cfg.ObjectStore.SecretAccessKey,
		"LLM_API_BASE":         d.cfg.LLM.APIBase,
		"LLM_TIMEOUT_SECONDS":  strconv.Itoa(d.cfg.LLM.TimeoutSeconds),
		"LLM_MODEL_NAME":       d.cfg.LLM.ModelName,
		"CALLBACK_URL":         d.cfg.Server.CallbackBaseURL + "/api/callback/nosana",
		"CALLBACK_TOKEN":       d.cfg.Server.CallbackToken,
		"R2_PREFIX":            "jobs/" + rec.ID + "/",
	}
	if d.cfg.LLM.APIKey != "" {
		env["LLM_API_KEY"] = d.cfg.LLM.APIKey
	}
	for k, v := range d.cfg.Worker.Passthrough {
		env[k] = v
	}
	return env
}
