package engine

import (
	"errors"
	"fmt"

	"mergebot/pkg/model"
)

// Kind classifies a pipeline failure. The classification decides whether
// the stored entry is kept, cancelled, or left untouched.
type Kind int

const (
	// KindAuthorization: requester not in the org. No state changes.
	KindAuthorization Kind = iota

	// KindNotMergeable: the host says the PR cannot be merged.
	KindNotMergeable

	// KindHeadChanged: stored and live SHA disagree under the pinning rule.
	KindHeadChanged

	// KindChecksFailed: terminal check-run failure.
	KindChecksFailed

	// KindStatusesFailed: terminal commit-status failure after rescue.
	KindStatusesFailed

	// KindCompanionIneligible: a companion fails the eligibility gate.
	KindCompanionIneligible

	// KindSolvedLater: the host refused the merge with a pending-required-
	// status message. Not an operational error; the entry is kept and a
	// later status webhook re-enters the pipeline.
	KindSolvedLater

	// KindTransport: network, host API, or serialization failure.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindNotMergeable:
		return "not mergeable"
	case KindHeadChanged:
		return "head changed"
	case KindChecksFailed:
		return "checks failed"
	case KindStatusesFailed:
		return "statuses failed"
	case KindCompanionIneligible:
		return "companion ineligible"
	case KindSolvedLater:
		return "will be solved later"
	default:
		return "transport"
	}
}

// StopsMergeAttempt reports whether the failure cancels the pipeline and
// removes the stored entry.
func (k Kind) StopsMergeAttempt() bool {
	switch k {
	case KindAuthorization, KindSolvedLater:
		return false
	default:
		return true
	}
}

// Error is a classified pipeline failure, optionally scoped to a PR so
// the webhook layer can post a legible comment there.
type Error struct {
	Kind  Kind
	Scope *model.PRRef
	Err   error
}

func (e *Error) Error() string {
	if e.Scope != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Scope, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage is the failure category in user-legible terms, suitable for
// a PR comment. Never a stack trace.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindAuthorization:
		return "Only members of the organization can instruct the merge bot."
	case KindNotMergeable:
		return "The pull request is not mergeable; resolve conflicts and try again."
	case KindHeadChanged:
		return "The head of the branch changed since the merge was requested; please issue the command again."
	case KindChecksFailed:
		return "A check run failed; the merge was cancelled."
	case KindStatusesFailed:
		return "A commit status failed; the merge was cancelled."
	case KindCompanionIneligible:
		return fmt.Sprintf("A companion pull request cannot be merged: %v", e.Err)
	case KindSolvedLater:
		return "Waiting for a required status; the merge will be retried automatically."
	default:
		return "An internal error interrupted the merge; the pipeline was cancelled."
	}
}

// newError builds a classified error scoped to ref.
func newError(kind Kind, ref model.PRRef, format string, args ...any) *Error {
	return &Error{Kind: kind, Scope: &ref, Err: fmt.Errorf(format, args...)}
}

// classify extracts the Error from err, wrapping unclassified errors as
// transport failures scoped to ref when they carry no scope yet.
func classify(err error, ref model.PRRef) *Error {
	var clsErr *Error
	if errors.As(err, &clsErr) {
		if clsErr.Scope == nil {
			clsErr.Scope = &ref
		}
		return clsErr
	}
	return &Error{Kind: KindTransport, Scope: &ref, Err: err}
}
