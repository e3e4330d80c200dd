package engine

import (
	"context"

	"mergebot/pkg/companion"
	"mergebot/pkg/github"
	"mergebot/pkg/model"
)

// reviewApprovalContext is the commit status context that must report
// success on a companion branch before the bot may push to it.
const reviewApprovalContext = "Check reviews"

// checkEligibility verifies pr is mergeable and that every (transitively
// referenced) unmerged companion can be rewritten by the bot: authored by
// a human, pushable by maintainers, and review-approved unless org checks
// are disabled. trail carries the repos already visited so reciprocal
// companion references terminate.
func (e *Engine) checkEligibility(ctx context.Context, pr *github.PullRequest, trail []model.RepoRef) error {
	ref := prRef(pr)

	if !pr.IsMergeable() {
		return newError(KindNotMergeable, ref, "the host reports %s as not mergeable", ref)
	}

	for _, comp := range companion.Parse(pr.Body, trail) {
		if comp.Owner == ref.Owner && comp.Repo == ref.Repo && comp.Number == ref.Number {
			continue
		}

		cpr, err := e.api.GetPR(ctx, comp.Owner, comp.Repo, comp.Number)
		if err != nil {
			return classify(err, ref)
		}
		if cpr.Merged {
			continue
		}

		if err := e.checkPushable(ctx, cpr, comp.Ref()); err != nil {
			return newError(KindCompanionIneligible, ref, "%v", err)
		}

		// The companion's own companions must hold up too.
		if err := e.checkEligibility(ctx, cpr, append(trail, ref.RepoRef())); err != nil {
			return newError(KindCompanionIneligible, ref, "companion %s: %v", comp.Ref(), err)
		}
	}
	return nil
}

// checkPushable holds the per-companion conditions for a branch rewrite.
func (e *Engine) checkPushable(ctx context.Context, cpr *github.PullRequest, ref model.PRRef) error {
	if cpr.User.IsBot() {
		return newError(KindCompanionIneligible, ref,
			"%s was authored by a bot account and cannot be rewritten", ref)
	}
	if !cpr.MaintainerCanModify && cpr.HeadOwner() != cpr.BaseOwner() {
		return newError(KindCompanionIneligible, ref,
			"%s does not allow edits from maintainers", ref)
	}
	if !e.cfg.DisableOrgChecks {
		approved, err := e.reviewsApproved(ctx, cpr)
		if err != nil {
			return classify(err, ref)
		}
		if !approved {
			return newError(KindCompanionIneligible, ref,
				"%s has no passing %q status on its head", ref, reviewApprovalContext)
		}
	}
	return nil
}

// reviewsApproved checks the latest review-approval status on cpr's head.
func (e *Engine) reviewsApproved(ctx context.Context, cpr *github.PullRequest) (bool, error) {
	statuses, err := e.api.ListStatuses(ctx, cpr.BaseOwner(), cpr.BaseRepo(), cpr.Head.SHA)
	if err != nil {
		return false, err
	}
	var latest *github.Status
	for i := range statuses {
		st := &statuses[i]
		if st.Context != reviewApprovalContext {
			continue
		}
		if latest == nil || st.ID > latest.ID {
			latest = st
		}
	}
	return latest != nil && latest.State == github.StatusStateSuccess, nil
}
