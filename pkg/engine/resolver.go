package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"mergebot/pkg/companion"
	"mergebot/pkg/github"
	"mergebot/pkg/model"
)

// lockfilePath is the manifest consulted for inferred dependency edges.
const lockfilePath = "Cargo.lock"

// resolveDependents builds the pipeline records for the companions of pr.
// Every companion depends directly on pr. With two or more companions the
// ordering among them is inferred from their lockfiles: if C's lockfile
// pins a source under C2's repository, C additionally waits for C2.
func (e *Engine) resolveDependents(ctx context.Context, pr *github.PullRequest, requestedBy string) ([]*model.MergeRequest, error) {
	ref := prRef(pr)

	var companions []companion.Companion
	for _, comp := range companion.Parse(pr.Body, nil) {
		if comp.Owner == ref.Owner && comp.Repo == ref.Repo {
			continue
		}
		companions = append(companions, comp)
	}
	if len(companions) == 0 {
		return nil, nil
	}

	prs := make(map[model.PRRef]*github.PullRequest, len(companions))
	for _, comp := range companions {
		cpr, err := e.api.GetPR(ctx, comp.Owner, comp.Repo, comp.Number)
		if err != nil {
			return nil, classify(err, ref)
		}
		prs[comp.Ref()] = cpr
	}

	rootDep := func() *model.Dependency {
		return &model.Dependency{
			SHA:                pr.Head.SHA,
			Owner:              ref.Owner,
			Repo:               ref.Repo,
			Number:             ref.Number,
			HTMLURL:            pr.HTMLURL,
			DirectlyReferenced: true,
		}
	}

	seen := make(map[model.PRRef]bool)
	var dependents []*model.MergeRequest
	for _, comp := range companions {
		if seen[comp.Ref()] {
			continue
		}
		seen[comp.Ref()] = true
		cpr := prs[comp.Ref()]

		deps := []*model.Dependency{rootDep()}
		if len(companions) > 1 {
			inferred, err := e.inferredEdges(ctx, cpr, comp, companions, prs)
			if err != nil {
				return nil, err
			}
			deps = append(deps, inferred...)
		}

		dependents = append(dependents, &model.MergeRequest{
			SHA:          cpr.Head.SHA,
			Owner:        cpr.BaseOwner(),
			Repo:         cpr.BaseRepo(),
			Number:       cpr.Number,
			HTMLURL:      cpr.HTMLURL,
			RequestedBy:  requestedBy,
			Dependencies: deps,
		})
	}
	return dependents, nil
}

// inferredEdges reads comp's lockfile at its head and returns an edge for
// every sibling companion whose configured source URL the lockfile pins.
func (e *Engine) inferredEdges(ctx context.Context, cpr *github.PullRequest, comp companion.Companion, siblings []companion.Companion, prs map[model.PRRef]*github.PullRequest) ([]*model.Dependency, error) {
	lockfile, err := e.api.GetFileContents(ctx, cpr.BaseOwner(), cpr.BaseRepo(), lockfilePath, cpr.Head.SHA)
	if err != nil {
		var apiErr *github.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, classify(err, comp.Ref())
	}

	var edges []*model.Dependency
	for _, sibling := range siblings {
		if sibling.Ref() == comp.Ref() {
			continue
		}
		source := e.cfg.SourceURL(sibling.Owner, sibling.Repo)
		if !bytes.Contains(lockfile, []byte(source)) {
			continue
		}
		spr := prs[sibling.Ref()]
		edges = append(edges, &model.Dependency{
			SHA:                spr.Head.SHA,
			Owner:              sibling.Owner,
			Repo:               sibling.Repo,
			Number:             sibling.Number,
			HTMLURL:            spr.HTMLURL,
			DirectlyReferenced: false,
		})
	}
	return edges, nil
}
