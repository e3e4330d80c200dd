// Package mocks provides hand-written test doubles for the external
// surfaces of the bot: the host API and the git rewrite driver.
package mocks

import (
	"context"
	"fmt"

	"mergebot/pkg/github"
)

// MockHostAPI implements github.API for testing. Each method delegates to
// a function field and records its parameters.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockHostAPI struct {
	// Function handlers for each method
	GetPRFunc           func(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	GetPRByHeadSHAFunc  func(ctx context.Context, owner, repo, sha string) (*github.PullRequest, error)
	MergePRFunc         func(ctx context.Context, owner, repo string, number int, sha string) error
	GetFileContentsFunc func(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	ListStatusesFunc    func(ctx context.Context, owner, repo, sha string) ([]github.Status, error)
	ListCheckRunsFunc   func(ctx context.Context, owner, repo, sha string) ([]github.CheckRun, error)
	CreateCommentFunc   func(ctx context.Context, owner, repo string, number int, body string) error
	IsOrgMemberFunc     func(ctx context.Context, org, login string) (bool, error)
	AckCommentFunc      func(ctx context.Context, owner, repo string, commentID int64) error
	TokenFunc           func(ctx context.Context) (string, error)

	// Call tracking
	GetPRCalls    []PRCall
	MergePRCalls  []MergeCall
	CommentCalls  []CommentCall
	AckCalls      []AckCall
	FileCalls     []FileCall
	StatusQueries []string
	CheckQueries  []string
	OrgQueries    []OrgCall
}

// PRCall records the parameters of a GetPR call.
type PRCall struct {
	Owner  string
	Repo   string
	Number int
}

// MergeCall records the parameters of a MergePR call.
type MergeCall struct {
	Owner  string
	Repo   string
	Number int
	SHA    string
}

// CommentCall records the parameters of a CreateComment call.
type CommentCall struct {
	Owner  string
	Repo   string
	Number int
	Body   string
}

// AckCall records the parameters of an AckComment call.
type AckCall struct {
	Owner     string
	Repo      string
	CommentID int64
}

// FileCall records the parameters of a GetFileContents call.
type FileCall struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// OrgCall records the parameters of an IsOrgMember call.
type OrgCall struct {
	Org   string
	Login string
}

// NewMockHostAPI creates a mock with permissive defaults: PR lookups fail
// (tests register the PRs they need), merges succeed, statuses and check
// runs are empty, everyone is an org member.
func NewMockHostAPI() *MockHostAPI {
	m := &MockHostAPI{}

	m.GetPRFunc = func(_ context.Context, owner, repo string, number int) (*github.PullRequest, error) {
		return nil, &github.APIError{StatusCode: 404, Message: fmt.Sprintf("Not Found: %s/%s#%d", owner, repo, number)}
	}
	m.GetPRByHeadSHAFunc = func(_ context.Context, owner, repo, sha string) (*github.PullRequest, error) {
		return nil, &github.APIError{StatusCode: 404, Message: fmt.Sprintf("no open PR in %s/%s with head %s", owner, repo, sha)}
	}
	m.MergePRFunc = func(_ context.Context, _, _ string, _ int, _ string) error {
		return nil
	}
	m.GetFileContentsFunc = func(_ context.Context, _, _, path, _ string) ([]byte, error) {
		return nil, &github.APIError{StatusCode: 404, Message: "Not Found: " + path}
	}
	m.ListStatusesFunc = func(_ context.Context, _, _, _ string) ([]github.Status, error) {
		return nil, nil
	}
	m.ListCheckRunsFunc = func(_ context.Context, _, _, _ string) ([]github.CheckRun, error) {
		return nil, nil
	}
	m.CreateCommentFunc = func(_ context.Context, _, _ string, _ int, _ string) error {
		return nil
	}
	m.IsOrgMemberFunc = func(_ context.Context, _, _ string) (bool, error) {
		return true, nil
	}
	m.AckCommentFunc = func(_ context.Context, _, _ string, _ int64) error {
		return nil
	}
	m.TokenFunc = func(_ context.Context) (string, error) {
		return "test-installation-token", nil
	}
	return m
}

// RegisterPR makes GetPR serve the given PRs keyed by identity, on top of
// the current handler for everything unregistered.
func (m *MockHostAPI) RegisterPR(prs ...*github.PullRequest) {
	byKey := make(map[PRCall]*github.PullRequest, len(prs))
	for _, pr := range prs {
		byKey[PRCall{Owner: pr.BaseOwner(), Repo: pr.BaseRepo(), Number: pr.Number}] = pr
	}
	next := m.GetPRFunc
	m.GetPRFunc = func(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
		if pr, ok := byKey[PRCall{Owner: owner, Repo: repo, Number: number}]; ok {
			return pr, nil
		}
		return next(ctx, owner, repo, number)
	}
}

// GetPR implements github.API.
func (m *MockHostAPI) GetPR(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	m.GetPRCalls = append(m.GetPRCalls, PRCall{Owner: owner, Repo: repo, Number: number})
	return m.GetPRFunc(ctx, owner, repo, number)
}

// GetPRByHeadSHA implements github.API.
func (m *MockHostAPI) GetPRByHeadSHA(ctx context.Context, owner, repo, sha string) (*github.PullRequest, error) {
	return m.GetPRByHeadSHAFunc(ctx, owner, repo, sha)
}

// MergePR implements github.API.
func (m *MockHostAPI) MergePR(ctx context.Context, owner, repo string, number int, sha string) error {
	m.MergePRCalls = append(m.MergePRCalls, MergeCall{Owner: owner, Repo: repo, Number: number, SHA: sha})
	return m.MergePRFunc(ctx, owner, repo, number, sha)
}

// GetFileContents implements github.API.
func (m *MockHostAPI) GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	m.FileCalls = append(m.FileCalls, FileCall{Owner: owner, Repo: repo, Path: path, Ref: ref})
	return m.GetFileContentsFunc(ctx, owner, repo, path, ref)
}

// ListStatuses implements github.API.
func (m *MockHostAPI) ListStatuses(ctx context.Context, owner, repo, sha string) ([]github.Status, error) {
	m.StatusQueries = append(m.StatusQueries, sha)
	return m.ListStatusesFunc(ctx, owner, repo, sha)
}

// ListCheckRuns implements github.API.
func (m *MockHostAPI) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]github.CheckRun, error) {
	m.CheckQueries = append(m.CheckQueries, sha)
	return m.ListCheckRunsFunc(ctx, owner, repo, sha)
}

// CreateComment implements github.API.
func (m *MockHostAPI) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	m.CommentCalls = append(m.CommentCalls, CommentCall{Owner: owner, Repo: repo, Number: number, Body: body})
	return m.CreateCommentFunc(ctx, owner, repo, number, body)
}

// IsOrgMember implements github.API.
func (m *MockHostAPI) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	m.OrgQueries = append(m.OrgQueries, OrgCall{Org: org, Login: login})
	return m.IsOrgMemberFunc(ctx, org, login)
}

// AckComment implements github.API.
func (m *MockHostAPI) AckComment(ctx context.Context, owner, repo string, commentID int64) error {
	m.AckCalls = append(m.AckCalls, AckCall{Owner: owner, Repo: repo, CommentID: commentID})
	return m.AckCommentFunc(ctx, owner, repo, commentID)
}

// InstallationToken implements github.API.
func (m *MockHostAPI) InstallationToken(ctx context.Context) (string, error) {
	return m.TokenFunc(ctx)
}

// --- Verification helpers ---

// WasMergeCalled reports whether MergePR was called at least once.
func (m *MockHostAPI) WasMergeCalled() bool {
	return len(m.MergePRCalls) > 0
}

// LastComment returns the most recent CreateComment body, or "".
func (m *MockHostAPI) LastComment() string {
	if len(m.CommentCalls) == 0 {
		return ""
	}
	return m.CommentCalls[len(m.CommentCalls)-1].Body
}

// Reset clears all recorded calls.
func (m *MockHostAPI) Reset() {
	m.GetPRCalls = nil
	m.MergePRCalls = nil
	m.CommentCalls = nil
	m.AckCalls = nil
	m.FileCalls = nil
	m.StatusQueries = nil
	m.CheckQueries = nil
	m.OrgQueries = nil
}
