package mocks

import (
	"context"
	"fmt"

	"mergebot/pkg/gitx"
)

// MockGitDriver implements gitx.Driver for testing.
type MockGitDriver struct {
	RewriteFunc func(ctx context.Context, req gitx.RewriteRequest) (string, error)

	RewriteCalls []gitx.RewriteRequest
}

// NewMockGitDriver creates a mock whose rewrites succeed with a synthetic
// SHA derived from the branch name.
func NewMockGitDriver() *MockGitDriver {
	return &MockGitDriver{
		RewriteFunc: func(_ context.Context, req gitx.RewriteRequest) (string, error) {
			return fmt.Sprintf("rewritten-%s-%s", req.Repo, req.HeadBranch), nil
		},
	}
}

// Rewrite implements gitx.Driver.
func (m *MockGitDriver) Rewrite(ctx context.Context, req gitx.RewriteRequest) (string, error) {
	m.RewriteCalls = append(m.RewriteCalls, req)
	return m.RewriteFunc(ctx, req)
}

// FailRewriteWith configures Rewrite to return the specified error.
func (m *MockGitDriver) FailRewriteWith(err error) {
	m.RewriteFunc = func(_ context.Context, _ gitx.RewriteRequest) (string, error) {
		return "", err
	}
}
