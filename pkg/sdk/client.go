// Package sdk is the Go client for the KangKlip clipping API.
//
// Submitting a video and waiting for clips:
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "https://api.kangklip.com"})
//
//	job, err := client.SubmitJob(ctx, sdk.SubmitJobRequest{
//	    VideoURL:            "https://youtu.be/dQw4w9WgXcQ",
//	    ClipDurationSeconds: 45,
//	    ClipCount:           3,
//	})
//	status, err := client.WaitForCompletion(ctx, job.JobID, 5*time.Second)
//	clips, err := client.Results(ctx, job.JobID, job.JobToken)
//
// Unlocking a clip requires a wallet session on top of the job token:
//
//	ch, _ := client.Challenge(ctx, wallet)
//	sig := signWithWallet(ch.Challenge)
//	sess, _ := client.Verify(ctx, wallet, ch.Nonce, sig)
//	authed := client.WithAuthToken(sess.AuthToken)
//	res, _ := authed.Unlock(ctx, job.JobID, job.JobToken, "clip_01.mp4", requestID)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Header names the API expects credentials in.
const (
	headerJobToken  = "x-job-token"
	headerAuthToken = "x-auth-token"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the API endpoint (required), e.g. "https://api.kangklip.com".
	BaseURL string

	// AuthToken is a wallet session token for credit and unlock calls.
	// Usually set through WithAuthToken after Verify.
	AuthToken string

	// Timeout bounds each request (default 30s).
	Timeout time.Duration
}

// Client talks to the KangKlip API. The zero value is not usable; build
// one with NewClient.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WithAuthToken returns a client that authenticates wallet-scoped calls
// with the given session token. The receiver is unchanged.
func (c *Client) WithAuthToken(token string) *Client {
	cfg := c.config
	cfg.AuthToken = token
	return &Client{config: cfg, httpClient: c.httpClient}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kangklip-sdk: status %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("kangklip-sdk: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("kangklip-sdk: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kangklip-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("kangklip-sdk: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("kangklip-sdk: parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{headerAuthToken: c.config.AuthToken}
}

// SubmitJob queues a clipping job and returns its id and access token.
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*SubmitJobResult, error) {
	var out SubmitJobResult
	if err := c.do(ctx, http.MethodPost, "/api/jobs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobStatus polls the public lifecycle view of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Results lists the rendered clips of a completed job.
func (c *Client) Results(ctx context.Context, jobID, jobToken string) ([]Clip, error) {
	var out struct {
		Clips []Clip `json:"clips"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/results",
		map[string]string{headerJobToken: jobToken}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Clips, nil
}

func clipPath(jobID, clipFile, action string) string {
	return "/api/jobs/" + url.PathEscape(jobID) + "/clips/" + url.PathEscape(clipFile) + "/" + action
}

// PreviewURL mints a short-lived signed URL for a clip, locked or not.
func (c *Client) PreviewURL(ctx context.Context, jobID, jobToken, clipFile string) (*SignedURL, error) {
	var out SignedURL
	err := c.do(ctx, http.MethodGet, clipPath(jobID, clipFile, "preview"),
		map[string]string{headerJobToken: jobToken}, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadURL mints a signed URL for an unlocked clip.
func (c *Client) DownloadURL(ctx context.Context, jobID, jobToken, clipFile string) (*SignedURL, error) {
	var out SignedURL
	err := c.do(ctx, http.MethodGet, clipPath(jobID, clipFile, "download"),
		map[string]string{headerJobToken: jobToken}, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Challenge starts a wallet login.
func (c *Client) Challenge(ctx context.Context, walletAddress string) (*Challenge, error) {
	var out Challenge
	err := c.do(ctx, http.MethodPost, "/api/auth/challenge", nil,
		map[string]string{"wallet_address": walletAddress}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify trades a signed challenge for a session token.
func (c *Client) Verify(ctx context.Context, walletAddress, nonce, signature string) (*Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/api/auth/verify", nil, map[string]string{
		"wallet_address": walletAddress,
		"nonce":          nonce,
		"signature":      signature,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance reads the wallet's on-chain credit balance.
func (c *Client) Balance(ctx context.Context) (uint64, error) {
	var out struct {
		Credits uint64 `json:"credits"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/credits/balance", c.authHeaders(), nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

// TopupIntent asks the API for the transaction parameters of a USDC
// top-up. The wallet signs and submits the transaction itself.
func (c *Client) TopupIntent(ctx context.Context, creditsToBuy uint64) (*TopupIntent, error) {
	var out TopupIntent
	err := c.do(ctx, http.MethodPost, "/api/credits/topup/usdc/intent", c.authHeaders(),
		map[string]uint64{"credits_to_buy": creditsToBuy}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TopupConfirm reports a submitted top-up transaction for crediting.
func (c *Client) TopupConfirm(ctx context.Context, signature string) (*TopupReceipt, error) {
	var out TopupReceipt
	err := c.do(ctx, http.MethodPost, "/api/credits/topup/usdc/confirm", c.authHeaders(),
		map[string]string{"signature": signature}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Unlock spends one credit to unlock a clip. requestID deduplicates
// retries: reusing an id can never charge twice.
func (c *Client) Unlock(ctx context.Context, jobID, jobToken, clipFile, requestID string) (*UnlockResult, error) {
	headers := map[string]string{
		headerJobToken:  jobToken,
		headerAuthToken: c.config.AuthToken,
	}
	var out UnlockResult
	err := c.do(ctx, http.MethodPost, clipPath(jobID, clipFile, "unlock"), headers,
		map[string]string{"unlock_request_id": requestID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
