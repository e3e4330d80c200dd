package status

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/pkg/github"
	"mergebot/pkg/gitlab"
)

// fakeProber serves canned jobs and pipeline listings.
type fakeProber struct {
	jobs         map[int64]*gitlab.Job
	pipelineJobs map[int64][]gitlab.Job
}

func (f *fakeProber) Job(_ context.Context, _ string, jobID int64) (*gitlab.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("no job %d", jobID)
	}
	return job, nil
}

func (f *fakeProber) PipelineJobs(_ context.Context, _ string, pipelineID int64, _ []string) ([]gitlab.Job, error) {
	return f.pipelineJobs[pipelineID], nil
}

func TestStatusesAllSuccess(t *testing.T) {
	e := NewEvaluator(nil, "")
	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "ci", State: github.StatusStateSuccess},
		{ID: 2, Context: "lint", State: github.StatusStateSuccess},
	})
	require.NoError(t, err)
	assert.Equal(t, Success, state)
}

func TestStatusesLatestInstanceWins(t *testing.T) {
	e := NewEvaluator(nil, "")
	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "ci", State: github.StatusStateFailure},
		{ID: 2, Context: "ci", State: github.StatusStateSuccess},
	})
	require.NoError(t, err)
	assert.Equal(t, Success, state)
}

func TestStatusesAllowFailureDiscarded(t *testing.T) {
	e := NewEvaluator(nil, "")
	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "ci", State: github.StatusStateSuccess},
		{ID: 2, Context: "fuzz", State: github.StatusStateFailure, Description: `{"build_allow_failure": true}`},
	})
	require.NoError(t, err)
	assert.Equal(t, Success, state)
}

func TestStatusesPending(t *testing.T) {
	e := NewEvaluator(nil, "")
	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "ci", State: github.StatusStatePending},
	})
	require.NoError(t, err)
	assert.Equal(t, Pending, state)
}

func TestStatusesFailureWithoutRescue(t *testing.T) {
	e := NewEvaluator(nil, "")
	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "ci", State: github.StatusStateError},
	})
	require.NoError(t, err)
	assert.Equal(t, Failure, state)
}

// Scenario S4: both failing statuses are gitlab builds whose pipelines
// list same-named retried jobs, so the aggregate is Pending.
func TestRescueAllCandidatesSuperseded(t *testing.T) {
	prober := &fakeProber{
		jobs: map[int64]*gitlab.Job{
			100: {ID: 100, Name: "job_x", Pipeline: gitlab.Pipeline{ID: 10, Status: "running"}},
			200: {ID: 200, Name: "job_y", Pipeline: gitlab.Pipeline{ID: 11, Status: "running"}},
		},
		pipelineJobs: map[int64][]gitlab.Job{
			10: {{ID: 101, Name: "job_x", Status: "pending"}},
			11: {{ID: 201, Name: "job_y", Status: "pending"}},
		},
	}
	e := NewEvaluator(prober, "gitlab.example")

	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "job_x", State: github.StatusStateFailure, TargetURL: "https://gitlab.example/group/project/builds/100"},
		{ID: 2, Context: "job_y", State: github.StatusStateFailure, TargetURL: "https://gitlab.example/group/project/builds/200"},
	})
	require.NoError(t, err)
	assert.Equal(t, Pending, state)
}

func TestRescueVetoedByForeignFailure(t *testing.T) {
	prober := &fakeProber{
		jobs: map[int64]*gitlab.Job{
			100: {ID: 100, Name: "job_x", Pipeline: gitlab.Pipeline{ID: 10, Status: "running"}},
		},
		pipelineJobs: map[int64][]gitlab.Job{
			10: {{ID: 101, Name: "job_x", Status: "pending"}},
		},
	}
	e := NewEvaluator(prober, "gitlab.example")

	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "job_x", State: github.StatusStateFailure, TargetURL: "https://gitlab.example/group/project/builds/100"},
		{ID: 2, Context: "other-ci", State: github.StatusStateFailure, TargetURL: "https://jenkins.example/build/5"},
	})
	require.NoError(t, err)
	assert.Equal(t, Failure, state)
}

func TestRescueFailsWhenPipelineSettled(t *testing.T) {
	prober := &fakeProber{
		jobs: map[int64]*gitlab.Job{
			100: {ID: 100, Name: "job_x", Pipeline: gitlab.Pipeline{ID: 10, Status: "failed"}},
		},
	}
	e := NewEvaluator(prober, "gitlab.example")

	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "job_x", State: github.StatusStateFailure, TargetURL: "https://gitlab.example/group/project/builds/100"},
	})
	require.NoError(t, err)
	assert.Equal(t, Failure, state)
}

func TestRescueFailsWhenJobNotRelisted(t *testing.T) {
	prober := &fakeProber{
		jobs: map[int64]*gitlab.Job{
			100: {ID: 100, Name: "job_x", Pipeline: gitlab.Pipeline{ID: 10, Status: "running"}},
		},
		pipelineJobs: map[int64][]gitlab.Job{
			10: {{ID: 102, Name: "job_z", Status: "running"}},
		},
	}
	e := NewEvaluator(prober, "gitlab.example")

	state, err := e.Statuses(context.Background(), []github.Status{
		{ID: 1, Context: "job_x", State: github.StatusStateFailure, TargetURL: "https://gitlab.example/group/project/builds/100"},
	})
	require.NoError(t, err)
	assert.Equal(t, Failure, state)
}

func TestCheckRuns(t *testing.T) {
	e := NewEvaluator(nil, "")

	tests := []struct {
		name string
		runs []github.CheckRun
		want State
	}{
		{
			name: "all_success",
			runs: []github.CheckRun{
				{ID: 1, Name: "build", Status: "completed", Conclusion: "success"},
				{ID: 2, Name: "test", Status: "completed", Conclusion: "success"},
			},
			want: Success,
		},
		{
			name: "completed_with_failure",
			runs: []github.CheckRun{
				{ID: 1, Name: "build", Status: "completed", Conclusion: "success"},
				{ID: 2, Name: "test", Status: "completed", Conclusion: "failure"},
			},
			want: Failure,
		},
		{
			name: "still_running",
			runs: []github.CheckRun{
				{ID: 1, Name: "build", Status: "in_progress"},
			},
			want: Pending,
		},
		{
			name: "latest_run_per_name_wins",
			runs: []github.CheckRun{
				{ID: 1, Name: "build", Status: "completed", Conclusion: "failure"},
				{ID: 2, Name: "build", Status: "completed", Conclusion: "success"},
			},
			want: Success,
		},
		{
			name: "empty_is_success",
			runs: nil,
			want: Success,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.CheckRuns(tt.runs))
		})
	}
}

func TestParseBuildURL(t *testing.T) {
	project, jobID, ok := parseBuildURL("https://gitlab.example/group/sub/project/builds/42", "gitlab.example")
	require.True(t, ok)
	assert.Equal(t, "group/sub/project", project)
	assert.Equal(t, int64(42), jobID)

	_, _, ok = parseBuildURL("https://other.example/group/project/builds/42", "gitlab.example")
	assert.False(t, ok)

	_, _, ok = parseBuildURL("https://gitlab.example/group/project/jobs/42", "gitlab.example")
	assert.False(t, ok)

	_, _, ok = parseBuildURL("https://gitlab.example/group/project/builds/notanumber", "gitlab.example")
	assert.False(t, ok)
}
