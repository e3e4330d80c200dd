// Package gitx drives the on-disk git worktrees the bot rewrites branches
// in. One worktree per (owner, repo) lives under the configured root and is
// reused across deliveries; every operation leaves the worktree on a
// detached HEAD so any branch can be force-recreated next time.
package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"mergebot/pkg/logx"
)

// contributorRemote is the remote name used for the PR head repository.
// It is deleted and recreated on every rewrite.
const contributorRemote = "contributor"

// Commit identity used for lockfile update commits.
const (
	commitUserName  = "mergebot"
	commitUserEmail = "mergebot@localhost"
)

// Runner executes a command in a directory and returns combined output.
// The production runner shells out; tests substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner is the production subprocess runner.
type ExecRunner struct {
	logger *logx.Logger
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{logger: logx.NewLogger("gitx")}
}

// Run executes name args... in dir. Subprocesses are not cancelled
// mid-flight; ctx only gates process start.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	r.logger.Debug("%s: %s %s", dir, name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s %s failed: %w\nOutput: %s", name, strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// RewriteRequest describes one branch rewrite.
type RewriteRequest struct {
	// Base repository the PR targets.
	Owner string
	Repo  string
	// BaseBranch is merged into the head with --no-ff.
	BaseBranch string

	// Contributor head the PR is served from.
	HeadOwner  string
	HeadRepo   string
	HeadBranch string

	// Token is embedded into remote URLs for push access.
	Token string

	// UpdatePackages restricts the lockfile update; empty skips it.
	UpdatePackages []string
}

// Driver is the rewrite surface the engine consumes.
type Driver interface {
	// Rewrite merges the base branch into the PR head, refreshes the
	// lockfile for the requested packages, force-pushes the branch, and
	// returns the new head SHA.
	Rewrite(ctx context.Context, req RewriteRequest) (string, error)
}

// Worktrees implements Driver over a directory of per-repo clones.
type Worktrees struct {
	root   string
	runner Runner
	logger *logx.Logger
}

// NewWorktrees creates a driver rooted at root (the repos_path option).
func NewWorktrees(root string, runner Runner) *Worktrees {
	return &Worktrees{
		root:   root,
		runner: runner,
		logger: logx.NewLogger("gitx"),
	}
}

func (w *Worktrees) dir(owner, repo string) string {
	return filepath.Join(w.root, owner, repo)
}

func remoteURL(owner, repo, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
}

// Rewrite performs the full branch rewrite sequence.
func (w *Worktrees) Rewrite(ctx context.Context, req RewriteRequest) (string, error) {
	dir := w.dir(req.Owner, req.Repo)
	if err := w.ensureClone(ctx, dir, req); err != nil {
		return "", err
	}

	// Clean slate: discard whatever the previous operation left behind.
	if _, err := w.runner.Run(ctx, dir, "git", "reset", "--hard"); err != nil {
		return "", err
	}
	if _, err := w.runner.Run(ctx, dir, "git", "clean", "-fdx"); err != nil {
		return "", err
	}
	if _, err := w.runner.Run(ctx, dir, "git", "checkout", "--detach"); err != nil {
		return "", err
	}

	// Recreate the contributor remote and a tracking branch for the head.
	_, _ = w.runner.Run(ctx, dir, "git", "remote", "remove", contributorRemote)
	if _, err := w.runner.Run(ctx, dir, "git", "remote", "add", contributorRemote,
		remoteURL(req.HeadOwner, req.HeadRepo, req.Token)); err != nil {
		return "", err
	}
	if _, err := w.runner.Run(ctx, dir, "git", "fetch", contributorRemote, req.HeadBranch); err != nil {
		return "", err
	}
	_, _ = w.runner.Run(ctx, dir, "git", "branch", "-D", req.HeadBranch)
	if _, err := w.runner.Run(ctx, dir, "git", "checkout", "-b", req.HeadBranch, "FETCH_HEAD"); err != nil {
		return "", err
	}

	// Merge the base branch; a conflict aborts the rewrite.
	if _, err := w.runner.Run(ctx, dir, "git", "fetch", "origin", req.BaseBranch); err != nil {
		return "", err
	}
	if _, err := w.runner.Run(ctx, dir, "git", "merge", "origin/"+req.BaseBranch, "--no-ff", "--no-edit"); err != nil {
		_, _ = w.runner.Run(ctx, dir, "git", "merge", "--abort")
		return "", fmt.Errorf("failed to merge %s into %s: %w", req.BaseBranch, req.HeadBranch, err)
	}

	if err := w.updateLockfile(ctx, dir, req.UpdatePackages); err != nil {
		return "", err
	}

	if _, err := w.runner.Run(ctx, dir, "git", "push", "--force", contributorRemote,
		fmt.Sprintf("HEAD:%s", req.HeadBranch)); err != nil {
		return "", err
	}

	sha, err := w.runner.Run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	// Leave detached so the next rewrite can recreate any branch.
	if _, err := w.runner.Run(ctx, dir, "git", "checkout", "--detach"); err != nil {
		return "", err
	}

	return strings.TrimSpace(sha), nil
}

// ensureClone clones the base repo on first use and refreshes the
// token-embedded origin URL on every call.
func (w *Worktrees) ensureClone(ctx context.Context, dir string, req RewriteRequest) error {
	origin := remoteURL(req.Owner, req.Repo, req.Token)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		_, err := w.runner.Run(ctx, dir, "git", "remote", "set-url", "origin", origin)
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create worktree directory %s: %w", dir, err)
	}
	if _, err := w.runner.Run(ctx, filepath.Dir(dir), "git", "clone", origin, dir); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, dir, "git", "config", "user.name", commitUserName); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, dir, "git", "config", "user.email", commitUserEmail); err != nil {
		return err
	}
	return nil
}

// updateLockfile refreshes the pinned packages and commits when the
// working tree changed.
func (w *Worktrees) updateLockfile(ctx context.Context, dir string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}

	for _, pkg := range packages {
		if _, err := w.runner.Run(ctx, dir, "cargo", "update", "-p", pkg); err != nil {
			return err
		}
	}

	dirty, err := w.runner.Run(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(dirty) == "" {
		return nil
	}

	w.logger.Info("Lockfile changed for %d package(s), committing", len(packages))
	if _, err := w.runner.Run(ctx, dir, "git", "commit", "-am",
		"update lockfile for "+strings.Join(packages, ", ")); err != nil {
		return err
	}
	return nil
}
