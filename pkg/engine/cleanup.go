package engine

import (
	"context"
	"fmt"

	"mergebot/pkg/model"
)

// cancelReason drives what happens to the entries that depended on a
// removed pipeline row.
type cancelReason int

const (
	// reasonError and reasonCancelled tear down the dependents too.
	reasonError cancelReason = iota
	reasonCancelled
	// reasonSHAUpdate only repoints dependency edges at the new head.
	reasonSHAUpdate
	// reasonMerged leaves dependents alone; the cascade handles them.
	reasonMerged
)

type cancelGuardKey struct {
	ref model.PRRef
	sha string
}

// cancelEntry removes the row stored under (ref, sha) and walks every
// entry that depended on it. Teardown reasons propagate recursively with
// a per-delivery guard so reciprocal dependencies terminate.
func (e *Engine) cancelEntry(ctx context.Context, ref model.PRRef, sha string, reason cancelReason, newSHA string) {
	key := cancelGuardKey{ref: ref, sha: sha}
	if e.cancelled[key] {
		return
	}
	e.cancelled[key] = true

	if err := e.store.Delete(ref.Owner, ref.Repo, sha); err != nil {
		e.logger.Error("Failed to delete pipeline row %s@%s: %v", ref, sha, err)
	}

	entries, err := e.store.List()
	if err != nil {
		e.logger.Error("Failed to scan dependents of %s: %v", ref, err)
		return
	}
	for _, entry := range entries {
		if !entry.DependsOn(ref) {
			continue
		}
		switch reason {
		case reasonError, reasonCancelled:
			e.logger.Info("Cancelling %s: its dependency %s was cancelled", entry.Ref(), ref)
			e.cancelEntry(ctx, entry.Ref(), entry.SHA, reason, "")
			e.commentBestEffort(ctx, entry.Ref(),
				fmt.Sprintf("Merge cancelled because the merge of the dependency %s was cancelled.", ref))
		case reasonSHAUpdate:
			for _, dep := range entry.Dependencies {
				if dep.Ref() == ref {
					dep.SHA = newSHA
				}
			}
			if err := e.store.Put(entry); err != nil {
				e.logger.Error("Failed to repoint %s at %s: %v", entry.Ref(), newSHA, err)
			}
		case reasonMerged:
			// Dependents stay queued; the merge cascade owns them.
		}
	}
}
