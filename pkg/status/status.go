// Package status reduces per-context commit statuses and per-name check
// runs into a single tri-state verdict, rescuing failures that the
// secondary CI has already retried.
package status

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"mergebot/pkg/github"
	"mergebot/pkg/gitlab"
	"mergebot/pkg/logx"
)

// State is the aggregate verdict over a commit's CI signals.
type State int

const (
	Pending State = iota
	Success
	Failure
)

func (s State) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}

// rescueScopes are the job scopes that count as a superseding retry.
var rescueScopes = []string{"pending", "running", "success", "created"}

// Evaluator aggregates CI signals. A nil prober or empty host disables
// retry-rescue; failures then stand as reported.
type Evaluator struct {
	prober     gitlab.Prober
	gitlabHost string
	logger     *logx.Logger
}

func NewEvaluator(prober gitlab.Prober, gitlabHost string) *Evaluator {
	return &Evaluator{
		prober:     prober,
		gitlabHost: gitlabHost,
		logger:     logx.NewLogger("status"),
	}
}

// Statuses reduces per-context statuses with retry-rescue.
func (e *Evaluator) Statuses(ctx context.Context, statuses []github.Status) (State, error) {
	latest := latestPerContext(statuses)

	var failing []github.Status
	pending := false
	for _, s := range latest {
		if allowsFailure(s.Description) {
			continue
		}
		switch s.State {
		case github.StatusStateSuccess:
		case github.StatusStateError, github.StatusStateFailure:
			failing = append(failing, s)
		default:
			pending = true
		}
	}

	if len(failing) > 0 {
		return e.rescue(ctx, failing)
	}
	if pending {
		return Pending, nil
	}
	return Success, nil
}

// CheckRuns reduces per-name check runs. Rescue never applies here.
func (e *Evaluator) CheckRuns(checkRuns []github.CheckRun) State {
	latest := latestPerName(checkRuns)

	allSuccess := true
	allCompleted := true
	for _, run := range latest {
		if run.Conclusion != github.CheckRunConclusionSuccess {
			allSuccess = false
		}
		if run.Status != github.CheckRunStatusCompleted {
			allCompleted = false
		}
	}

	switch {
	case allSuccess:
		return Success
	case allCompleted:
		return Failure
	default:
		return Pending
	}
}

// rescue reclassifies failing statuses as Pending when every one of them
// points at a secondary-CI job whose pipeline now lists a same-named job
// as queued, running, or already green. A single failing status outside
// the secondary CI vetoes the rescue.
func (e *Evaluator) rescue(ctx context.Context, failing []github.Status) (State, error) {
	if e.prober == nil || e.gitlabHost == "" {
		return Failure, nil
	}

	type candidate struct {
		projectPath string
		jobID       int64
		context     string
	}
	candidates := make([]candidate, 0, len(failing))
	for _, s := range failing {
		projectPath, jobID, ok := parseBuildURL(s.TargetURL, e.gitlabHost)
		if !ok {
			e.logger.Debug("Failing status %q is not a %s build; no rescue", s.Context, e.gitlabHost)
			return Failure, nil
		}
		candidates = append(candidates, candidate{projectPath: projectPath, jobID: jobID, context: s.Context})
	}

	for _, cand := range candidates {
		job, err := e.prober.Job(ctx, cand.projectPath, cand.jobID)
		if err != nil {
			return Failure, err
		}
		if !job.Pipeline.IsPending() {
			return Failure, nil
		}
		jobs, err := e.prober.PipelineJobs(ctx, cand.projectPath, job.Pipeline.ID, rescueScopes)
		if err != nil {
			return Failure, err
		}
		superseded := false
		for _, other := range jobs {
			if other.Name == job.Name {
				superseded = true
				break
			}
		}
		if !superseded {
			return Failure, nil
		}
		e.logger.Info("Failing status %q superseded by retried job %q in pipeline %d", cand.context, job.Name, job.Pipeline.ID)
	}
	return Pending, nil
}

// latestPerContext keeps only the status with the largest id per context.
func latestPerContext(statuses []github.Status) []github.Status {
	byContext := make(map[string]github.Status, len(statuses))
	for _, s := range statuses {
		if prev, ok := byContext[s.Context]; !ok || s.ID > prev.ID {
			byContext[s.Context] = s
		}
	}
	out := make([]github.Status, 0, len(byContext))
	for _, s := range byContext {
		out = append(out, s)
	}
	return out
}

// latestPerName keeps only the check run with the largest id per name.
func latestPerName(checkRuns []github.CheckRun) []github.CheckRun {
	byName := make(map[string]github.CheckRun, len(checkRuns))
	for _, run := range checkRuns {
		if prev, ok := byName[run.Name]; !ok || run.ID > prev.ID {
			byName[run.Name] = run
		}
	}
	out := make([]github.CheckRun, 0, len(byName))
	for _, run := range byName {
		out = append(out, run)
	}
	return out
}

// allowsFailure reports whether a status description decodes as a small
// JSON object carrying build_allow_failure: true.
func allowsFailure(description string) bool {
	var desc struct {
		BuildAllowFailure bool `json:"build_allow_failure"`
	}
	if err := json.Unmarshal([]byte(description), &desc); err != nil {
		return false
	}
	return desc.BuildAllowFailure
}

// parseBuildURL matches scheme://host/<project-path>/builds/<job-id> and
// returns the project path and job id.
func parseBuildURL(target, host string) (string, int64, bool) {
	u, err := url.Parse(target)
	if err != nil || u.Host != host {
		return "", 0, false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 3 || segments[len(segments)-2] != "builds" {
		return "", 0, false
	}

	jobID, err := strconv.ParseInt(segments[len(segments)-1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return strings.Join(segments[:len(segments)-2], "/"), jobID, true
}
