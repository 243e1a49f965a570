package faas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL      = "https://api.runpod.ai"
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
	DefaultMaxRetries   = 3
)

// JobStatus is the remote lifecycle state of a submitted job.
type JobStatus string

const (
	StatusQueued    JobStatus = "IN_QUEUE"
	StatusRunning   JobStatus = "IN_PROGRESS"
	StatusSucceeded JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusTimedOut  JobStatus = "TIMED_OUT"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further status transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobHandle identifies a submitted job for the duration of polling.
type JobHandle string

// JobRequest is the opaque job input. The provider receives it verbatim as
// the "input" object, so values must already be wire-encoded (e.g. base64
// image bytes).
type JobRequest struct {
	Input map[string]any `json:"input"`
}

// JobResult is the decoded terminal output of a successful job.
type JobResult struct {
	Output json.RawMessage

	// Backend-reported timings in milliseconds, zero when the provider
	// omits them.
	DelayTime     int64
	ExecutionTime int64
}

type Config struct {
	// BaseURL of the provider API, DefaultBaseURL when empty.
	BaseURL string
	// EndpointID selects the deployed serverless endpoint.
	EndpointID string
	APIKey     string

	PollInterval time.Duration
	PollTimeout  time.Duration
	// MaxRetries bounds transparent retries of transient status-check
	// failures within a single Poll call.
	MaxRetries int
	// Debug enables request/response tracing on the underlying transport.
	Debug bool
}

// Client drives a single remote serverless endpoint through the
// submit / poll / fetch lifecycle. The client holds no mutable state after
// construction and is safe for concurrent use; independent jobs may be run
// from independent goroutines.
type Client struct {
	http *resty.Client
	cfg  Config
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.EndpointID == "" {
		return nil, fmt.Errorf("endpoint id is required: %w", ErrInvalidRequest)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required: %w", ErrAuth)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout < 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetDebug(cfg.Debug)

	return &Client{http: client, cfg: cfg}, nil
}

type jobResponse struct {
	Id            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Output        json.RawMessage `json:"output"`
	Error         string          `json:"error"`
	DelayTime     int64           `json:"delayTime"`
	ExecutionTime int64           `json:"executionTime"`
}

// Submit sends the job input to the endpoint and returns the remote job
// handle. Submissions are not retried internally; on ErrTransient the caller
// may resubmit.
func (c *Client) Submit(ctx context.Context, req JobRequest) (JobHandle, error) {
	if len(req.Input) == 0 {
		return "", fmt.Errorf("job input is empty: %w", ErrInvalidRequest)
	}

	job, err := c.exchange(ctx, resty.MethodPost, fmt.Sprintf("/v2/%s/run", c.cfg.EndpointID), req)
	if err != nil {
		return "", err
	}
	if job.Id == "" {
		return "", fmt.Errorf("submit response contains no job id: %w", ErrDecode)
	}

	slog.Info("submitted faas job", "endpoint_id", c.cfg.EndpointID, "job_id", job.Id, "status", job.Status)
	return JobHandle(job.Id), nil
}

// Status performs a single status check.
func (c *Client) Status(ctx context.Context, handle JobHandle) (JobStatus, error) {
	job, err := c.status(ctx, handle)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Poll blocks until the job reaches a terminal status or Config.PollTimeout
// elapses, checking every Config.PollInterval. The whole loop, including each
// in-flight status request, runs under a context deadline, so a hanging
// remote cannot hold Poll past the timeout. Each wait is a single select on
// the interval timer and ctx, so the calling goroutine yields between checks.
// Transient status-check failures are retried up to Config.MaxRetries with
// the same interval before the poll as a whole fails with ErrTransient.
// Poll never returns a non-terminal status.
func (c *Client) Poll(ctx context.Context, handle JobHandle) (JobStatus, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)

	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		job, err := c.statusWithRetry(pollCtx, handle)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return "", fmt.Errorf("job %s not terminal after %v: %w", handle, c.cfg.PollTimeout, ErrPollTimeout)
			}
			return "", err
		}
		if job.Status.Terminal() {
			return job.Status, nil
		}

		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("job %s still %s after %v: %w", handle, job.Status, c.cfg.PollTimeout, ErrPollTimeout)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() == nil {
				return "", fmt.Errorf("job %s not terminal after %v: %w", handle, c.cfg.PollTimeout, ErrPollTimeout)
			}
			return "", ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// FetchResult returns the output of a succeeded job. Calling it again on the
// same handle returns identical bytes as long as the provider retains the
// result. Jobs that have not finished yield ErrNotReady; jobs that finished
// unsuccessfully yield ErrJobFailed with the remote error message.
func (c *Client) FetchResult(ctx context.Context, handle JobHandle) (JobResult, error) {
	job, err := c.status(ctx, handle)
	if err != nil {
		return JobResult{}, err
	}
	return c.extractResult(handle, job)
}

// Run composes Submit, Poll, and FetchResult. The first failure in the
// chain is returned unchanged, so callers can inspect it with errors.Is
// against the package error taxonomy.
func (c *Client) Run(ctx context.Context, req JobRequest) (JobResult, error) {
	handle, err := c.Submit(ctx, req)
	if err != nil {
		return JobResult{}, err
	}

	if _, err := c.Poll(ctx, handle); err != nil {
		return JobResult{}, err
	}

	return c.FetchResult(ctx, handle)
}

// RunSync submits through the provider's synchronous path, which holds the
// request open until the job finishes. If the provider returns before the job
// is terminal it falls back to the polling loop on the returned handle.
func (c *Client) RunSync(ctx context.Context, req JobRequest) (JobResult, error) {
	if len(req.Input) == 0 {
		return JobResult{}, fmt.Errorf("job input is empty: %w", ErrInvalidRequest)
	}

	job, err := c.exchange(ctx, resty.MethodPost, fmt.Sprintf("/v2/%s/runsync", c.cfg.EndpointID), req)
	if err != nil {
		return JobResult{}, err
	}

	if job.Status.Terminal() {
		return c.extractResult(JobHandle(job.Id), job)
	}

	if job.Id == "" {
		return JobResult{}, fmt.Errorf("sync response contains neither result nor job id: %w", ErrDecode)
	}

	handle := JobHandle(job.Id)
	if _, err := c.Poll(ctx, handle); err != nil {
		return JobResult{}, err
	}
	return c.FetchResult(ctx, handle)
}

// Cancel requests remote cancellation of a job. It is never called
// implicitly; a poll timeout leaves the remote job running.
func (c *Client) Cancel(ctx context.Context, handle JobHandle) error {
	if _, err := c.exchange(ctx, resty.MethodPost, fmt.Sprintf("/v2/%s/cancel/%s", c.cfg.EndpointID, handle), nil); err != nil {
		return err
	}
	slog.Info("cancelled faas job", "endpoint_id", c.cfg.EndpointID, "job_id", handle)
	return nil
}

func (c *Client) status(ctx context.Context, handle JobHandle) (jobResponse, error) {
	if handle == "" {
		return jobResponse{}, fmt.Errorf("empty job handle: %w", ErrInvalidRequest)
	}
	return c.exchange(ctx, resty.MethodGet, fmt.Sprintf("/v2/%s/status/%s", c.cfg.EndpointID, handle), nil)
}

func (c *Client) statusWithRetry(ctx context.Context, handle JobHandle) (jobResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying faas status check", "job_id", handle, "attempt", attempt, "max_retries", c.cfg.MaxRetries, "error", lastErr)
			select {
			case <-ctx.Done():
				return jobResponse{}, ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}
		}

		job, err := c.status(ctx, handle)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrTransient) {
			return jobResponse{}, err
		}
		lastErr = err
	}

	return jobResponse{}, fmt.Errorf("status check failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) extractResult(handle JobHandle, job jobResponse) (JobResult, error) {
	switch {
	case !job.Status.Terminal():
		return JobResult{}, fmt.Errorf("job %s is %s: %w", handle, job.Status, ErrNotReady)
	case job.Status != StatusSucceeded:
		if job.Error != "" {
			return JobResult{}, fmt.Errorf("job %s ended %s: %s: %w", handle, job.Status, job.Error, ErrJobFailed)
		}
		return JobResult{}, fmt.Errorf("job %s ended %s: %w", handle, job.Status, ErrJobFailed)
	case len(job.Output) == 0:
		return JobResult{}, fmt.Errorf("job %s succeeded without output: %w", handle, ErrDecode)
	}

	return JobResult{
		Output:        job.Output,
		DelayTime:     job.DelayTime,
		ExecutionTime: job.ExecutionTime,
	}, nil
}

func (c *Client) exchange(ctx context.Context, method, url string, body any) (jobResponse, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	res, err := req.Execute(method, url)
	if err != nil {
		return jobResponse{}, fmt.Errorf("%s %s: %v: %w", method, url, err, ErrTransient)
	}

	if !res.IsSuccess() {
		return jobResponse{}, classifyHTTPError(res)
	}

	var job jobResponse
	if err := json.Unmarshal(res.Body(), &job); err != nil {
		return jobResponse{}, fmt.Errorf("parsing response from %s: %v: %w", url, err, ErrDecode)
	}

	return job, nil
}

func classifyHTTPError(res *resty.Response) error {
	code := res.StatusCode()
	switch {
	case code == 401 || code == 403:
		return fmt.Errorf("status %d: %s: %w", code, res.String(), ErrAuth)
	case code >= 500:
		return fmt.Errorf("status %d: %s: %w", code, res.String(), ErrTransient)
	default:
		return fmt.Errorf("status %d: %s: %w", code, res.String(), ErrInvalidRequest)
	}
}
