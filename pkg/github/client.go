// Package github provides the host API client used by the merge engine:
// PR reads, squash merges, comments, statuses, check runs, org membership,
// and GitHub App token refresh.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"mergebot/pkg/logx"
)

// API is the surface the engine consumes. The concrete Client implements
// it; tests substitute a mock.
type API interface {
	GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	GetPRByHeadSHA(ctx context.Context, owner, repo, sha string) (*PullRequest, error)
	MergePR(ctx context.Context, owner, repo string, number int, sha string) error
	GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	ListStatuses(ctx context.Context, owner, repo, sha string) ([]Status, error)
	ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]CheckRun, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	IsOrgMember(ctx context.Context, org, login string) (bool, error)
	AckComment(ctx context.Context, owner, repo string, commentID int64) error
	InstallationToken(ctx context.Context) (string, error)
}

// APIError is a non-2xx response from the host.
type APIError struct {
	StatusCode int
	Message    string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s returned %d: %s", e.Path, e.StatusCode, e.Message)
}

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 3 // per request, timeouts only
	perPage        = 100
)

// Client is the production API implementation.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
	logger  *logx.Logger
	timeout time.Duration
}

// NewClient creates a client against baseURL (normally the public API)
// authenticating through the App token source.
func NewClient(baseURL string, tokens *TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		logger:  logx.NewLogger("github"),
		timeout: defaultTimeout,
	}
}

// WithTimeout returns a copy of the client with the given per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

// InstallationToken exposes the current token for embedding in git remotes.
func (c *Client) InstallationToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx, c)
}

// GetPR fetches a pull request.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.request(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPRByHeadSHA lists open PRs and returns the one whose head matches sha,
// or an APIError with 404 semantics when none does.
func (c *Client) GetPRByHeadSHA(ctx context.Context, owner, repo, sha string) (*PullRequest, error) {
	for page := 1; ; page++ {
		var prs []PullRequest
		path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&per_page=%d&page=%d", owner, repo, perPage, page)
		if err := c.request(ctx, http.MethodGet, path, nil, &prs); err != nil {
			return nil, err
		}
		for i := range prs {
			if prs[i].Head.SHA == sha {
				return &prs[i], nil
			}
		}
		if len(prs) < perPage {
			return nil, &APIError{StatusCode: http.StatusNotFound, Message: "no open pull request with head " + sha, Path: path}
		}
	}
}

// MergePR squash-merges the PR pinned to sha. The caller classifies
// APIError messages such as the pending-required-status refusal.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, sha string) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	body := map[string]string{
		"sha":          sha,
		"merge_method": "squash",
	}
	return c.request(ctx, http.MethodPut, path, body, nil)
}

// GetFileContents fetches a file at ref, decoding the base64 payload.
func (c *Client) GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, path, ref)
	if err := c.request(ctx, http.MethodGet, apiPath, nil, &out); err != nil {
		return nil, err
	}
	if out.Encoding != "base64" {
		return []byte(out.Content), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode contents of %s@%s: %w", path, ref, err)
	}
	return decoded, nil
}

// ListStatuses returns every status instance for a commit, across pages.
func (c *Client) ListStatuses(ctx context.Context, owner, repo, sha string) ([]Status, error) {
	var all []Status
	for page := 1; ; page++ {
		var statuses []Status
		path := fmt.Sprintf("/repos/%s/%s/commits/%s/statuses?per_page=%d&page=%d", owner, repo, sha, perPage, page)
		if err := c.request(ctx, http.MethodGet, path, nil, &statuses); err != nil {
			return nil, err
		}
		all = append(all, statuses...)
		if len(statuses) < perPage {
			return all, nil
		}
	}
}

// ListCheckRuns returns every check run for a commit, across pages.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]CheckRun, error) {
	var all []CheckRun
	for page := 1; ; page++ {
		var out struct {
			CheckRuns []CheckRun `json:"check_runs"`
		}
		path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?per_page=%d&page=%d", owner, repo, sha, perPage, page)
		if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		all = append(all, out.CheckRuns...)
		if len(out.CheckRuns) < perPage {
			return all, nil
		}
	}
}

// CreateComment posts an issue comment on the PR.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.request(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// IsOrgMember checks membership; the endpoint answers 204 for members.
func (c *Client) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	path := fmt.Sprintf("/orgs/%s/members/%s", org, login)
	err := c.request(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusFound) {
		return false, nil
	}
	return false, err
}

// AckComment reacts to the command comment. Best-effort at call sites.
func (c *Client) AckComment(ctx context.Context, owner, repo string, commentID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	return c.request(ctx, http.MethodPost, path, map[string]string{"content": "+1"}, nil)
}

// findInstallation resolves the installation id for the configured login.
// Called by the token source with an App JWT.
func (c *Client) findInstallation(ctx context.Context, jwt, login string) (int64, error) {
	for page := 1; ; page++ {
		var installations []Installation
		path := fmt.Sprintf("/app/installations?per_page=%d&page=%d", perPage, page)
		if err := c.do(ctx, http.MethodGet, path, nil, "Bearer "+jwt, &installations); err != nil {
			return 0, err
		}
		for _, inst := range installations {
			if strings.EqualFold(inst.Account.Login, login) {
				return inst.ID, nil
			}
		}
		if len(installations) < perPage {
			return 0, fmt.Errorf("no app installation found for %s", login)
		}
	}
}

// createInstallationToken mints a fresh installation access token.
func (c *Client) createInstallationToken(ctx context.Context, jwt string, installationID int64) (*installationToken, error) {
	var tok installationToken
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, "Bearer "+jwt, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// request performs an installation-authenticated call.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to obtain installation token: %w", err)
	}
	return c.do(ctx, method, path, body, "token "+token, out)
}

// do performs one API call with a fixed timeout and bounded retry on
// timeouts only.
func (c *Client) do(ctx context.Context, method, path string, body any, authorization string, out any) error {
	var bodyBytes []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body for %s: %w", path, err)
		}
		bodyBytes = encoded
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.doOnce(ctx, method, path, bodyBytes, authorization, out)
		if err == nil {
			return nil
		}
		if !isTimeout(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("Timeout on %s %s (attempt %d/%d)", method, path, attempt, maxAttempts)
	}
	return fmt.Errorf("%s %s kept timing out: %w", method, path, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, authorization string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", authorization)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("%s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload),
			Path:       path,
		}
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", path, err)
		}
	}
	return nil
}

// errorMessage extracts the "message" field of an error payload, falling
// back to the raw body.
func errorMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(payload))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
