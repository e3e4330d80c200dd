package engine

import (
	"context"
	"errors"

	"mergebot/pkg/github"
	"mergebot/pkg/model"
)

// shaUpdate records a dependent whose branch was rewritten.
type shaUpdate struct {
	ref    model.PRRef
	newSHA string
}

// cascade propagates a merge to every dependent of the merged PR: prunes
// edges the author removed from the body, rewrites each dependent's branch
// on top of the new base, and re-checks every entry whose dependency set
// the rewrites touched. Dependent failures are contained so one ineligible
// dependent never blocks its siblings.
func (e *Engine) cascade(ctx context.Context, merged *github.PullRequest, requestedBy string) error {
	ref := prRef(merged)
	if e.cascaded[ref] {
		return nil
	}
	e.cascaded[ref] = true
	e.logger.Info("Cascading merge of %s to its dependents", ref)

	fresh, err := e.resolveDependents(ctx, merged, requestedBy)
	if err != nil {
		return err
	}
	freshByRef := make(map[model.PRRef]*model.MergeRequest, len(fresh))
	for _, d := range fresh {
		freshByRef[d.Ref()] = d
	}

	entries, err := e.store.List()
	if err != nil {
		return classify(err, ref)
	}

	var alive []*model.MergeRequest
	seen := make(map[model.PRRef]bool)
	for _, entry := range entries {
		if entry.Ref() == ref || !entry.DependsOn(ref) {
			continue
		}
		if _, stillReferenced := freshByRef[entry.Ref()]; !stillReferenced {
			if hasDirectEdge(entry, ref) {
				// The author dropped the companion reference; the
				// pipeline it seeded goes with it.
				e.logger.Info("Dropping %s: no longer referenced by %s", entry.Ref(), ref)
				if err := e.store.Delete(entry.Owner, entry.Repo, entry.SHA); err != nil {
					return classify(err, ref)
				}
				continue
			}
			// Inferred edges only: the lockfile no longer needs the
			// merged PR, so the edges dissolve and the entry stays.
			entry.Dependencies = withoutEdges(entry.Dependencies, ref)
			if err := e.store.Put(entry); err != nil {
				return classify(err, ref)
			}
		}
		seen[entry.Ref()] = true
		alive = append(alive, entry)
	}
	for _, d := range fresh {
		if seen[d.Ref()] {
			continue
		}
		seen[d.Ref()] = true
		if err := e.replaceEntry(d); err != nil {
			return classify(err, ref)
		}
		alive = append(alive, d)
	}

	var updates []shaUpdate
	for _, dependent := range alive {
		e.updateDependent(ctx, dependent, &updates)
	}

	// Rewrites changed head SHAs; entries pointing at the old SHAs must
	// follow, and may have become ready in the process.
	recheck, err := e.patchDependencySHAs(updates)
	if err != nil {
		return classify(err, ref)
	}
	for _, entrySHA := range recheck {
		mr, err := e.store.GetBySHA(entrySHA)
		if err != nil || mr == nil {
			continue
		}
		if perr := e.processEntry(ctx, mr); perr != nil {
			var clsErr *Error
			if errors.As(perr, &clsErr) {
				e.ReportFailure(ctx, clsErr)
			}
		}
	}
	return nil
}

// updateDependent runs one dependent through the rewrite pipeline. Errors
// cancel the dependent and are reported on its PR, never returned.
func (e *Engine) updateDependent(ctx context.Context, d *model.MergeRequest, updates *[]shaUpdate) {
	ref := d.Ref()

	// A nested cascade may already have rewritten or merged this entry.
	current, err := e.store.GetByRepoSHA(d.Owner, d.Repo, d.SHA)
	if err != nil || current == nil {
		return
	}

	fail := func(err error) {
		clsErr := classify(err, ref)
		e.logger.Warn("Dependent %s dropped from cascade: %v", ref, clsErr)
		if clsErr.Kind.StopsMergeAttempt() {
			e.cancelEntry(ctx, ref, d.SHA, reasonError, "")
		}
		e.ReportFailure(ctx, clsErr)
	}

	pr, err := e.api.GetPR(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		fail(err)
		return
	}
	if pr.Merged {
		e.cancelEntry(ctx, ref, d.SHA, reasonMerged, "")
		if err := e.cascade(ctx, pr, d.RequestedBy); err != nil {
			fail(err)
		}
		return
	}
	if pr.Head.SHA != d.SHA {
		fail(newError(KindHeadChanged, ref, "stored head %s but live head is %s", d.SHA, pr.Head.SHA))
		return
	}
	if err := e.checkEligibility(ctx, pr, nil); err != nil {
		fail(err)
		return
	}

	// Other dependencies still open keep the entry queued untouched; the
	// rewrite happens once the last of them merges.
	for _, dep := range d.Dependencies {
		depPR, err := e.api.GetPR(ctx, dep.Owner, dep.Repo, dep.Number)
		if err != nil {
			fail(err)
			return
		}
		if !depPR.Merged {
			e.logger.Debug("%s keeps waiting for %s", ref, dep.Ref())
			return
		}
	}

	newSHA, err := e.rewriteBranch(ctx, pr, e.updatePackages(d))
	if err != nil {
		fail(err)
		return
	}
	e.metrics.ObserveCascadeUpdate()
	e.logger.Info("Rewrote %s: %s -> %s", ref, d.SHA, newSHA)

	// Give the host's status machinery a moment before trusting the new
	// head, then make sure nobody pushed over the rewrite.
	e.sleep(e.cfg.StatusSettleDelay())
	freshPR, err := e.api.GetPR(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		fail(err)
		return
	}
	if freshPR.Head.SHA != newSHA {
		fail(newError(KindHeadChanged, ref, "pushed %s but live head is %s", newSHA, freshPR.Head.SHA))
		return
	}

	// Retire the old row, repointing edges of entries that referenced the
	// pre-rewrite head, then store the rewritten pipeline under it.
	e.cancelEntry(ctx, ref, d.SHA, reasonSHAUpdate, newSHA)
	rewritten := &model.MergeRequest{
		SHA:         newSHA,
		Owner:       d.Owner,
		Repo:        d.Repo,
		Number:      d.Number,
		HTMLURL:     d.HTMLURL,
		RequestedBy: d.RequestedBy,
		WasUpdated:  true,
	}
	if err := e.replaceEntry(rewritten); err != nil {
		fail(err)
		return
	}
	*updates = append(*updates, shaUpdate{ref: ref, newSHA: newSHA})

	ready, err := e.isReady(ctx, ref, newSHA)
	if err != nil {
		fail(err)
		return
	}
	if !ready {
		e.commentBestEffort(ctx, ref, waitingComment)
		return
	}
	if err := e.finishMerge(ctx, freshPR, rewritten, false); err != nil {
		var clsErr *Error
		if errors.As(err, &clsErr) {
			e.ReportFailure(ctx, clsErr)
		}
	}
}

// updatePackages is the lockfile refresh set for a rewrite: the repos of
// the dependent's known dependencies plus the per-repo configured extras.
func (e *Engine) updatePackages(d *model.MergeRequest) []string {
	var packages []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		packages = append(packages, name)
	}
	for _, dep := range d.Dependencies {
		add(dep.Repo)
	}
	for _, name := range e.cfg.DependencyUpdateConfiguration[d.Repo] {
		add(name)
	}
	return packages
}

// patchDependencySHAs rewrites stored dependency edges that still point at
// pre-rewrite heads and returns the SHAs of the entries touched.
func (e *Engine) patchDependencySHAs(updates []shaUpdate) ([]string, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	newSHAs := make(map[model.PRRef]string, len(updates))
	for _, u := range updates {
		newSHAs[u.ref] = u.newSHA
	}

	entries, err := e.store.List()
	if err != nil {
		return nil, err
	}
	var touched []string
	for _, entry := range entries {
		references, patched := false, false
		for _, dep := range entry.Dependencies {
			newSHA, ok := newSHAs[dep.Ref()]
			if !ok {
				continue
			}
			references = true
			if dep.SHA != newSHA {
				dep.SHA = newSHA
				patched = true
			}
		}
		if patched {
			if err := e.store.Put(entry); err != nil {
				return nil, err
			}
		}
		if references {
			touched = append(touched, entry.SHA)
		}
	}
	return touched, nil
}

func hasDirectEdge(entry *model.MergeRequest, ref model.PRRef) bool {
	for _, dep := range entry.Dependencies {
		if dep.Ref() == ref && dep.DirectlyReferenced {
			return true
		}
	}
	return false
}

func withoutEdges(deps []*model.Dependency, ref model.PRRef) []*model.Dependency {
	kept := deps[:0]
	for _, dep := range deps {
		if dep.Ref() != ref {
			kept = append(kept, dep)
		}
	}
	return kept
}
