// Package generator is the gateway to the external image-generation
// backend: submit a prompt, poll until the job completes, download the
// resulting image. Polling backs off from one to five seconds and the
// combined wait is bounded.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

// Client talks to an external image-generation backend over HTTP.
type Client struct {
	http       *http.Client
	baseURL    string
	totalWait  time.Duration
	pollFloor  time.Duration
	pollCeil   time.Duration
}

// NewClient builds a Generator Gateway client. totalWait bounds the combined
// submit+poll+download wait; defaulting to 10 minutes when zero.
func NewClient(baseURL string, totalWait time.Duration) *Client {
	if totalWait <= 0 {
		totalWait = 10 * time.Minute
	}
	return &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		totalWait: totalWait,
		pollFloor: 1 * time.Second,
		pollCeil:  5 * time.Second,
	}
}

// submitRequest is the job-submission payload.
type submitRequest struct {
	Prompt string `json:"prompt"`
}

// submitResponse carries the backend-assigned job id.
type submitResponse struct {
	JobID string `json:"job_id"`
}

// statusResponse is the poll response: status is one of
// "queued"/"running"/"completed"/"failed".
type statusResponse struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Generate submits prompt, polls until the job completes or the total wait
// bound is exceeded, then downloads and returns the resulting image bytes.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.totalWait)
	defer cancel()

	start := time.Now()
	jobID, err := c.submit(ctx, prompt)
	if err != nil {
		return nil, err
	}

	imageURL, err := c.poll(ctx, jobID, start)
	if err != nil {
		return nil, err
	}

	return c.download(ctx, jobID, imageURL)
}

func (c *Client) submit(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domainerrors.GeneratorFailureError{JobID: "", Reason: err.Error()}
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domainerrors.GeneratorFailureError{JobID: "", Reason: "malformed submit response"}
	}
	return out.JobID, nil
}

func (c *Client) poll(ctx context.Context, jobID string, start time.Time) (string, error) {
	delay := c.pollFloor
	for {
		select {
		case <-ctx.Done():
			return "", &domainerrors.GeneratorTimeoutError{JobID: jobID, Waited: time.Since(start).String(), Cause: ctx.Err()}
		case <-time.After(delay):
		}

		status, err := c.fetchStatus(ctx, jobID)
		if err != nil {
			return "", err
		}

		switch status.Status {
		case "completed":
			return status.ImageURL, nil
		case "failed":
			return "", &domainerrors.GeneratorFailureError{JobID: jobID, Reason: status.Error}
		default:
			log.Debug().Str("job_id", jobID).Str("status", status.Status).Msg("generator job still running")
		}

		delay *= 2
		if delay > c.pollCeil {
			delay = c.pollCeil
		}
	}
}

func (c *Client) fetchStatus(ctx context.Context, jobID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domainerrors.GeneratorFailureError{JobID: jobID, Reason: err.Error()}
	}
	defer resp.Body.Close()

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domainerrors.GeneratorFailureError{JobID: jobID, Reason: "malformed status response"}
	}
	return &out, nil
}

func (c *Client) download(ctx context.Context, jobID, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domainerrors.GeneratorFailureError{JobID: jobID, Reason: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domainerrors.GeneratorFailureError{JobID: jobID, Reason: "failed to read image body"}
	}
	return data, nil
}
