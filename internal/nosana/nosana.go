// Package nosana is the client for the Nosana GPU fabric's deployment
// API. A job becomes a one-replica container deployment; the fabric
// schedules it onto a GPU host and the deployment is started once the
// fabric reports it ready.
package nosana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Lexiie/KangKlip/internal/circuitbreaker"
)

const defaultTimeout = 30 * time.Second

// Cache probe answers. Advisory only: callers may record them but
// never gate submission on them.
const (
	CacheHit  = "cached"
	CacheMiss = "uncached"
)

// Config holds the fabric connection settings.
type Config struct {
	// APIBase is the dashboard API endpoint, e.g.
	// "https://dashboard.k8s.prd.nos.ci/api".
	APIBase string

	// APIKey authenticates requests (Bearer).
	APIKey string

	// Market is the GPU market deployments are placed on.
	Market string

	// Timeout bounds each fabric call (default 30s).
	Timeout time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	log     *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(circuitbreaker.Fabric(), log),
		log:     log,
	}
}

// RunSpec describes one worker container run.
type RunSpec struct {
	ID    string
	Image string
	GPU   string
	Env   map[string]string
}

type jobDefinition struct {
	Version string  `json:"version"`
	Type    string  `json:"type"`
	Ops     []jobOp `json:"ops"`
}

type jobOp struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	Args jobOpArgs `json:"args"`
}

type jobOpArgs struct {
	Image string            `json:"image"`
	GPU   string            `json:"gpu"`
	Env   map[string]string `json:"env"`
}

type createRequest struct {
	Name       string        `json:"name"`
	Market     string        `json:"market"`
	Replicas   int           `json:"replicas"`
	Definition jobDefinition `json:"definition"`
}

// Deployment is the fabric's view of a submitted run.
type Deployment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Preparing reports a deployment the fabric is still scheduling.
func (d *Deployment) Preparing() bool {
	switch d.Status {
	case "PENDING", "CREATING", "PREPARING":
		return true
	}
	return false
}

// Ready reports a deployment placed on a host and waiting for start.
func (d *Deployment) Ready() bool {
	switch d.Status {
	case "CREATED", "READY":
		return true
	}
	return false
}

// Failed reports a terminal fabric-side state.
func (d *Deployment) Failed() bool {
	switch d.Status {
	case "ERROR", "FAILED", "INSUFFICIENT_FUNDS", "STOPPED":
		return true
	}
	return false
}

// CreateDeployment submits a one-replica container deployment and
// returns the fabric's record of it.
func (c *Client) CreateDeployment(ctx context.Context, spec RunSpec) (*Deployment, error) {
	body := createRequest{
		Name:     spec.ID,
		Market:   c.cfg.Market,
		Replicas: 1,
		Definition: jobDefinition{
			Version: "0.1",
			Type:    "container",
			Ops: []jobOp{{
				Type: "container/run",
				ID:   spec.ID,
				Args: jobOpArgs{Image: spec.Image, GPU: spec.GPU, Env: spec.Env},
			}},
		},
	}
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", body, &dep); err != nil {
		return nil, err
	}
	if dep.ID == "" {
		return nil, fmt.Errorf("nosana: deployment response missing id for %s", spec.ID)
	}
	return &dep, nil
}

// GetDeployment fetches the current state of a deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id, nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// StartDeployment tells the fabric to launch a ready deployment.
func (c *Client) StartDeployment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/deployments/"+id+"/start", nil, nil)
}

// ProbeCache reports whether the market already holds the worker
// image, which predicts cold-start time.
func (c *Client) ProbeCache(ctx context.Context, image string) (string, error) {
	var market struct {
		CachedImages []string `json:"cached_images"`
	}
	if err := c.do(ctx, http.MethodGet, "/markets/"+c.cfg.Market, nil, &market); err != nil {
		return "", err
	}
	for _, img := range market.CachedImages {
		if img == image {
			return CacheHit, nil
		}
	}
	return CacheMiss, nil
}

// do sends one fabric call through the circuit breaker. Context
// cancellation is the caller giving up, not a fabric outage, so it
// never counts against the breaker.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var real error
	err := c.breaker.Call(func() error {
		real = c.roundTrip(ctx, method, path, in, out)
		if errors.Is(real, context.Canceled) || errors.Is(real, context.DeadlineExceeded) {
			return nil
		}
		return real
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("nosana: %s %s: %w", method, path, err)
	}
	if err != nil {
		return err
	}
	return real
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("nosana: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, body)
	if err != nil {
		return fmt.Errorf("nosana: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nosana: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("nosana: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("nosana: %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("nosana: parse response: %w", err)
		}
	}
	return nil
}
