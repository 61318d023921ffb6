package mpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/config"
	"github.com/vultisig/shadowvault/contexthelper"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

var (
	ErrSubmission        = errors.New("job submission failed")
	ErrTimeout           = errors.New("job did not finish in time")
	ErrRemoteComputation = errors.New("remote computation failed")
	ErrMalformedResponse = errors.New("malformed response from computation network")
	// ErrTransport marks a status poll that failed before a response could be read; polling retries it.
	ErrTransport = errors.New("computation network unreachable")
)

const (
	headerProjectID = "X-Project-Id"
	maxResponseSize = 4 << 20
)

// Client talks to the computation network's job API. It keeps no state between calls,
// so any process holding a job id can resume polling.
type Client struct {
	apiURL       string
	projectID    string
	apiKey       string
	pollInterval time.Duration
	timeout      time.Duration
	httpClient   *http.Client
	logger       *logrus.Logger
}

func NewClient(cfg config.MPCConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("invalid mpc.api_url: %w", err)
	}
	return &Client{
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		projectID:    cfg.ProjectID,
		apiKey:       cfg.APIKey,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logrus.WithField("service", "mpc-client").Logger,
	}, nil
}

// Timeout is the configured default wait for AwaitResult.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerProjectID, c.projectID)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func closeBody(resp *http.Response, logger *logrus.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Errorf("fail to close response body, err: %v", err)
	}
}

// Submit posts req to the network and returns the job id.
func (c *Client) Submit(ctx context.Context, req types.JobRequest) (string, error) {
	if err := req.IsValid(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: fail to encode job: %w", ErrSubmission, err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/jobs", buf)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	defer closeBody(resp, c.logger)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: fail to read response: %w", ErrSubmission, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %s: %s", ErrSubmission, resp.Status, strings.TrimSpace(string(body)))
	}
	var job types.ComputationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if job.JobID == "" {
		return "", fmt.Errorf("%w: response has no job id", ErrMalformedResponse)
	}
	c.logger.WithFields(logrus.Fields{
		"job_id":          job.JobID,
		"computation_ref": req.ComputationRef,
		"operation":       req.Operation,
		"status":          job.Status,
	}).Info("job submitted")
	return job.JobID, nil
}

// Status fetches the current state of a job once.
func (c *Client) Status(ctx context.Context, jobID string) (*types.ComputationJob, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer closeBody(resp, c.logger)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: fail to read response: %w", ErrTransport, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %s", ErrSubmission, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: job %s not found", ErrRemoteComputation, jobID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %s", ErrTransport, resp.Status)
	}

	var job types.ComputationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if err := job.Status.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return &job, nil
}

// AwaitResult polls the job every poll interval until it reaches a terminal status or
// timeout elapses. A non-positive timeout uses the configured one. The timeout also bounds
// each status request, so a hung poll cannot outlast it.
func (c *Client) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (*sealer.SealedPayload, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s after %s", ErrTimeout, jobID, timeout)
	}

	logger := c.logger.WithField("job_id", jobID)
	for {
		if err := contexthelper.CheckCancellation(pollCtx); err != nil {
			return nil, expired()
		}
		job, err := c.Status(pollCtx, jobID)
		switch {
		case err == nil:
			switch job.Status {
			case types.JobStatusCompleted:
				if job.Result == nil {
					return nil, fmt.Errorf("%w: job %s completed without a result", ErrMalformedResponse, jobID)
				}
				return job.Result, nil
			case types.JobStatusFailed:
				return nil, fmt.Errorf("%w: job %s: %s", ErrRemoteComputation, jobID, job.Error)
			}
			logger.WithField("status", job.Status).Debug("job not finished")
		case pollCtx.Err() != nil:
			return nil, expired()
		case errors.Is(err, ErrTransport):
			logger.Warnf("fail to poll job status, err: %v", err)
		default:
			return nil, err
		}

		select {
		case <-pollCtx.Done():
			return nil, expired()
		case <-ticker.C:
		}
	}
}
