// Package gitlab provides the read-only secondary-CI probe used to decide
// whether a failing commit status has actually been retried and is running
// again in GitLab's own view.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mergebot/pkg/logx"
)

// Pipeline states treated as "still in flight" by the rescue logic.
var pendingPipelineStates = map[string]bool{
	"created":              true,
	"waiting_for_resource": true,
	"preparing":            true,
	"pending":              true,
	"running":              true,
	"scheduled":            true,
}

// Pipeline is the pipeline summary embedded in a job record.
type Pipeline struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// IsPending reports whether the pipeline is in any pending-like state.
func (p *Pipeline) IsPending() bool {
	return pendingPipelineStates[p.Status]
}

// Job is one CI job.
type Job struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Pipeline Pipeline `json:"pipeline"`
}

// Prober is the probe surface the status evaluator consumes.
type Prober interface {
	// Job fetches one job of a project.
	Job(ctx context.Context, projectPath string, jobID int64) (*Job, error)

	// PipelineJobs lists a pipeline's jobs restricted to the given scopes.
	PipelineJobs(ctx context.Context, projectPath string, pipelineID int64, scopes []string) ([]Job, error)
}

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 3
)

// Client is the production GitLab probe.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logx.Logger
	timeout time.Duration
}

// NewClient creates a probe against baseURL using a personal access token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		logger:  logx.NewLogger("gitlab"),
		timeout: defaultTimeout,
	}
}

// Job fetches one job of a project.
func (c *Client) Job(ctx context.Context, projectPath string, jobID int64) (*Job, error) {
	var job Job
	path := fmt.Sprintf("/api/v4/projects/%s/jobs/%d", url.PathEscape(projectPath), jobID)
	if err := c.get(ctx, path, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PipelineJobs lists pipeline jobs restricted to scopes.
func (c *Client) PipelineJobs(ctx context.Context, projectPath string, pipelineID int64, scopes []string) ([]Job, error) {
	query := url.Values{}
	for _, scope := range scopes {
		query.Add("scope[]", scope)
	}
	path := fmt.Sprintf("/api/v4/projects/%s/pipelines/%d/jobs?%s",
		url.PathEscape(projectPath), pipelineID, query.Encode())

	var jobs []Job
	if err := c.get(ctx, path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// get performs one GET with a fixed timeout and bounded retry on timeouts.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.getOnce(ctx, path, out)
		if err == nil {
			return nil
		}
		if !isTimeout(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("Timeout on GET %s (attempt %d/%d)", path, attempt, maxAttempts)
	}
	return fmt.Errorf("GET %s kept timing out: %w", path, lastErr)
}

func (c *Client) getOnce(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}

	c.logger.Debug("GET %s", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gitlab: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
