// Package engine implements the merge orchestration core: the pipeline
// state machine, the merge-eligibility gate, the dependency resolver, the
// post-merge cascade, and the error-driven cleanup.
//
// All entry points serialize on one coarse mutex; a webhook delivery owns
// the engine for its entire handling, which removes inter-delivery races
// in the fingerprint store and in the cascade.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"mergebot/pkg/config"
	"mergebot/pkg/github"
	"mergebot/pkg/gitx"
	"mergebot/pkg/logx"
	"mergebot/pkg/metrics"
	"mergebot/pkg/model"
	"mergebot/pkg/status"
	"mergebot/pkg/store"
)

// waitingComment is posted when a merge is accepted but must wait.
const waitingComment = "Waiting for commit status."

// cancelledComment is posted when a pipeline is cancelled on request.
const cancelledComment = "Merge cancelled."

// Engine coordinates the merge pipelines of all watched PRs.
type Engine struct {
	mu      sync.Mutex
	cfg     *config.Config
	api     github.API
	store   *store.Store
	eval    *status.Evaluator
	git     gitx.Driver
	metrics *metrics.Recorder
	logger  *logx.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)

	// Recursion guards, reset at every top-level entry.
	cascaded  map[model.PRRef]bool
	cancelled map[cancelGuardKey]bool
}

// New creates the engine. recorder may be nil.
func New(cfg *config.Config, api github.API, st *store.Store, eval *status.Evaluator, git gitx.Driver, recorder *metrics.Recorder) *Engine {
	return &Engine{
		cfg:     cfg,
		api:     api,
		store:   st,
		eval:    eval,
		git:     git,
		metrics: recorder,
		logger:  logx.NewLogger("engine"),
		sleep:   time.Sleep,
	}
}

// enter acquires the delivery mutex and resets the per-delivery guards.
// Callers must defer the returned unlock.
func (e *Engine) enter() func() {
	e.mu.Lock()
	e.cascaded = make(map[model.PRRef]bool)
	e.cancelled = make(map[cancelGuardKey]bool)
	return e.mu.Unlock
}

func prRef(pr *github.PullRequest) model.PRRef {
	return model.PRRef{Owner: pr.BaseOwner(), Repo: pr.BaseRepo(), Number: pr.Number}
}

// HandleMergeCommand drives a "bot merge" (or "bot merge force") command.
func (e *Engine) HandleMergeCommand(ctx context.Context, pr *github.PullRequest, requestedBy string, force bool) error {
	defer e.enter()()

	ref := prRef(pr)
	e.logger.Info("Merge requested for %s by %s (force=%t)", ref, requestedBy, force)

	root := &model.MergeRequest{
		SHA:         pr.Head.SHA,
		Owner:       ref.Owner,
		Repo:        ref.Repo,
		Number:      ref.Number,
		HTMLURL:     pr.HTMLURL,
		RequestedBy: requestedBy,
	}
	if err := e.replaceEntry(root); err != nil {
		return classify(err, ref)
	}

	if err := e.checkEligibility(ctx, pr, nil); err != nil {
		return e.failEntry(ctx, root, err)
	}

	dependents, err := e.resolveDependents(ctx, pr, requestedBy)
	if err != nil {
		return e.failEntry(ctx, root, err)
	}
	for _, dep := range dependents {
		if err := e.replaceEntry(dep); err != nil {
			return e.failEntry(ctx, root, err)
		}
	}

	if force {
		return e.finishMerge(ctx, pr, root, true)
	}

	ready, err := e.isReady(ctx, ref, pr.Head.SHA)
	if err != nil {
		return e.failEntry(ctx, root, err)
	}
	if !ready {
		e.commentBestEffort(ctx, ref, waitingComment)
		return nil
	}
	return e.finishMerge(ctx, pr, root, false)
}

// HandleCancelCommand drives "bot merge cancel".
func (e *Engine) HandleCancelCommand(ctx context.Context, pr *github.PullRequest) error {
	defer e.enter()()

	ref := prRef(pr)
	e.logger.Info("Cancel requested for %s", ref)
	e.cancelEntry(ctx, ref, pr.Head.SHA, reasonCancelled, "")
	e.commentBestEffort(ctx, ref, cancelledComment)
	return nil
}

// HandleRebaseCommand drives "bot rebase": merge the base branch and
// refresh configured lockfile entries without queueing a merge.
func (e *Engine) HandleRebaseCommand(ctx context.Context, pr *github.PullRequest) error {
	defer e.enter()()

	ref := prRef(pr)
	e.logger.Info("Rebase requested for %s", ref)

	_, err := e.rewriteBranch(ctx, pr, e.cfg.DependencyUpdateConfiguration[ref.Repo])
	if err != nil {
		return classify(err, ref)
	}
	return nil
}

// HandleStatusEvent re-enters the pipeline of the entry stored under sha.
// Deliveries for SHAs the store does not know are logged and dropped.
func (e *Engine) HandleStatusEvent(ctx context.Context, sha string) error {
	defer e.enter()()

	mr, err := e.store.GetBySHA(sha)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	if mr == nil {
		e.logger.Debug("No pipeline registered for %s; ignoring status delivery", sha)
		return nil
	}
	return e.processEntry(ctx, mr)
}

// RecoverOnBoot logs every entry that survived a restart. Resumption
// itself stays event-driven; this only gives operators visibility.
func (e *Engine) RecoverOnBoot() error {
	defer e.enter()()

	entries, err := e.store.List()
	if err != nil {
		return err
	}
	for _, mr := range entries {
		e.logger.Info("Recovered pending pipeline %s@%s (updated=%t, deps=%d)",
			mr.Ref(), mr.SHA, mr.WasUpdated, len(mr.Dependencies))
	}
	return nil
}

// processEntry is the status-driven readiness pathway shared by status
// deliveries and the cascade's re-check scan. Caller holds the mutex.
func (e *Engine) processEntry(ctx context.Context, mr *model.MergeRequest) error {
	ref := mr.Ref()

	pr, err := e.api.GetPR(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return e.failEntry(ctx, mr, classify(err, ref))
	}

	if pr.Merged {
		// Merged behind our back; the cascade still owes its dependents.
		e.cancelEntry(ctx, ref, mr.SHA, reasonMerged, "")
		return e.cascade(ctx, pr, mr.RequestedBy)
	}

	// SHA pinning: in both the queued and the updated state the stored
	// head is the one the pipeline trusts.
	if pr.Head.SHA != mr.SHA {
		return e.failEntry(ctx, mr, newError(KindHeadChanged, ref,
			"stored head %s but live head is %s", mr.SHA, pr.Head.SHA))
	}

	// A dependency still unmerged keeps the entry queued.
	for _, dep := range mr.Dependencies {
		depPR, err := e.api.GetPR(ctx, dep.Owner, dep.Repo, dep.Number)
		if err != nil {
			return e.failEntry(ctx, mr, classify(err, ref))
		}
		if !depPR.Merged {
			e.logger.Debug("%s still waits for %s", ref, dep.Ref())
			return nil
		}
	}

	if err := e.checkEligibility(ctx, pr, nil); err != nil {
		return e.failEntry(ctx, mr, err)
	}

	ready, err := e.isReady(ctx, ref, mr.SHA)
	if err != nil {
		return e.failEntry(ctx, mr, err)
	}
	if !ready {
		return nil
	}
	return e.finishMerge(ctx, pr, mr, false)
}

// finishMerge attempts the squash merge and reacts to the three outcomes:
// success (delete entry, fire cascade), solved-later (keep entry), or a
// fatal failure (cancel). With force, solved-later hardens into a failure.
func (e *Engine) finishMerge(ctx context.Context, pr *github.PullRequest, mr *model.MergeRequest, force bool) error {
	ref := mr.Ref()

	err := e.attemptMerge(ctx, pr, mr.SHA)
	if err != nil {
		var clsErr *Error
		if errors.As(err, &clsErr) && clsErr.Kind == KindSolvedLater && !force {
			e.logger.Info("Merge of %s deferred: %v", ref, clsErr.Err)
			e.commentBestEffort(ctx, ref, waitingComment)
			return nil
		}
		return e.failEntry(ctx, mr, err)
	}

	e.cancelEntry(ctx, ref, mr.SHA, reasonMerged, "")
	e.logger.Info("Merged %s@%s", ref, mr.SHA)
	return e.cascade(ctx, pr, mr.RequestedBy)
}

// attemptMerge calls the host merge API pinned to sha.
func (e *Engine) attemptMerge(ctx context.Context, pr *github.PullRequest, sha string) error {
	ref := prRef(pr)

	err := e.api.MergePR(ctx, ref.Owner, ref.Repo, ref.Number, sha)
	if err == nil {
		e.metrics.ObserveMergeAttempt("success")
		return nil
	}

	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		if isPendingRequiredStatus(apiErr.Message) {
			e.metrics.ObserveMergeAttempt("solved_later")
			return newError(KindSolvedLater, ref, "%s", apiErr.Message)
		}
		// The refusal may be a stale view of an already-merged PR.
		if fresh, ferr := e.api.GetPR(ctx, ref.Owner, ref.Repo, ref.Number); ferr == nil && fresh.Merged {
			e.metrics.ObserveMergeAttempt("success")
			return nil
		}
		e.metrics.ObserveMergeAttempt("failed")
		return newError(KindNotMergeable, ref, "%s", apiErr.Message)
	}

	e.metrics.ObserveMergeAttempt("failed")
	return classify(err, ref)
}

// isPendingRequiredStatus matches the host's "required status check ... is
// pending/expected" merge refusal.
func isPendingRequiredStatus(message string) bool {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "required status check") {
		return false
	}
	return strings.Contains(lower, "pending") || strings.Contains(lower, "expected")
}

// isReady reports whether both check runs and statuses (with rescue)
// aggregate to Success. Terminal failures come back as classified errors.
func (e *Engine) isReady(ctx context.Context, ref model.PRRef, sha string) (bool, error) {
	runs, err := e.api.ListCheckRuns(ctx, ref.Owner, ref.Repo, sha)
	if err != nil {
		return false, classify(err, ref)
	}
	checkState := e.eval.CheckRuns(runs)
	if checkState == status.Failure {
		return false, newError(KindChecksFailed, ref, "check runs concluded with a failure on %s", sha)
	}

	statuses, err := e.api.ListStatuses(ctx, ref.Owner, ref.Repo, sha)
	if err != nil {
		return false, classify(err, ref)
	}
	statusState, err := e.eval.Statuses(ctx, statuses)
	if err != nil {
		return false, classify(err, ref)
	}
	if statusState == status.Failure {
		return false, newError(KindStatusesFailed, ref, "commit statuses concluded with a failure on %s", sha)
	}

	return checkState == status.Success && statusState == status.Success, nil
}

// replaceEntry enforces the single-entry invariant: any row for the same
// PR identity is removed before the new row is stored.
func (e *Engine) replaceEntry(mr *model.MergeRequest) error {
	entries, err := e.store.List()
	if err != nil {
		return err
	}
	for _, existing := range entries {
		if existing.Ref() == mr.Ref() {
			if err := e.store.Delete(existing.Owner, existing.Repo, existing.SHA); err != nil {
				return err
			}
		}
	}
	return e.store.Put(mr)
}

// failEntry classifies err, cancels state when the classification calls
// for it, and returns the classified error to the caller for reporting.
func (e *Engine) failEntry(ctx context.Context, mr *model.MergeRequest, err error) error {
	clsErr := classify(err, mr.Ref())
	if clsErr.Kind.StopsMergeAttempt() {
		e.cancelEntry(ctx, mr.Ref(), mr.SHA, reasonError, "")
	}
	return clsErr
}

// rewriteBranch runs the git driver against pr's head with the given
// lockfile refresh set and returns the pushed head SHA.
func (e *Engine) rewriteBranch(ctx context.Context, pr *github.PullRequest, packages []string) (string, error) {
	token, err := e.api.InstallationToken(ctx)
	if err != nil {
		return "", err
	}
	headRepo := pr.BaseRepo()
	if pr.Head.Repo != nil {
		headRepo = pr.Head.Repo.Name
	}
	return e.git.Rewrite(ctx, gitx.RewriteRequest{
		Owner:          pr.BaseOwner(),
		Repo:           pr.BaseRepo(),
		BaseBranch:     pr.Base.Ref,
		HeadOwner:      pr.HeadOwner(),
		HeadRepo:       headRepo,
		HeadBranch:     pr.Head.Ref,
		Token:          token,
		UpdatePackages: packages,
	})
}

// commentBestEffort posts a comment; failures are logged, never fatal.
func (e *Engine) commentBestEffort(ctx context.Context, ref model.PRRef, body string) {
	if err := e.api.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, body); err != nil {
		e.logger.Warn("Failed to comment on %s: %v", ref, err)
	}
}

// ReportFailure posts the user-legible failure category on the scoped PR.
// Called by the webhook layer after a handler returns a classified error.
func (e *Engine) ReportFailure(ctx context.Context, clsErr *Error) {
	if clsErr.Scope == nil {
		return
	}
	e.commentBestEffort(ctx, *clsErr.Scope, clsErr.UserMessage())
}
