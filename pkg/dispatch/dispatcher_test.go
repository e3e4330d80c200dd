package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/internal/mocks"
	"mergebot/pkg/config"
	"mergebot/pkg/engine"
	"mergebot/pkg/github"
	"mergebot/pkg/model"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body string
		want Command
	}{
		{"bot merge", CommandMerge},
		{"Bot Merge", CommandMerge},
		{"  bot merge\n", CommandMerge},
		{"bot merge force", CommandMergeForce},
		{"bot merge cancel", CommandCancel},
		{"bot rebase", CommandRebase},
		{"bot merge please", CommandNone},
		{"please bot merge", CommandNone},
		{"lgtm", CommandNone},
		{"", CommandNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCommand(tt.body), "%q", tt.body)
	}
}

// pipelineSpy records engine invocations.
type pipelineSpy struct {
	mergeCalls  []mergeCall
	cancelCalls []int
	rebaseCalls []int
	reported    []*engine.Error
	mergeErr    error
}

type mergeCall struct {
	number int
	by     string
	force  bool
}

func (p *pipelineSpy) HandleMergeCommand(_ context.Context, pr *github.PullRequest, requestedBy string, force bool) error {
	p.mergeCalls = append(p.mergeCalls, mergeCall{number: pr.Number, by: requestedBy, force: force})
	return p.mergeErr
}

func (p *pipelineSpy) HandleCancelCommand(_ context.Context, pr *github.PullRequest) error {
	p.cancelCalls = append(p.cancelCalls, pr.Number)
	return nil
}

func (p *pipelineSpy) HandleRebaseCommand(_ context.Context, pr *github.PullRequest) error {
	p.rebaseCalls = append(p.rebaseCalls, pr.Number)
	return nil
}

func (p *pipelineSpy) HandleStatusEvent(_ context.Context, _ string) error { return nil }

func (p *pipelineSpy) ReportFailure(_ context.Context, clsErr *engine.Error) {
	p.reported = append(p.reported, clsErr)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *mocks.MockHostAPI, *pipelineSpy) {
	t.Helper()
	api := mocks.NewMockHostAPI()
	spy := &pipelineSpy{}
	d := New(&config.Config{InstallationLogin: "merge-bot"}, api, spy)
	d.sleep = func(time.Duration) {}
	return d, api, spy
}

func testPR(number int, sha string) *github.PullRequest {
	mergeable := true
	repo := &github.Repo{Name: "app", Owner: github.User{Login: "org", Type: "User"}}
	return &github.PullRequest{
		Number:    number,
		Mergeable: &mergeable,
		Head:      github.Branch{Ref: "feature", SHA: sha, Repo: repo},
		Base:      github.Branch{Ref: "main", SHA: "base", Repo: repo},
	}
}

func comment(login, body string) github.Comment {
	return github.Comment{ID: 11, Body: body, User: github.User{Login: login, Type: "User"}}
}

func TestMergeCommandRoutedAndAcked(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	api.RegisterPR(testPR(3, "sha1"))

	err := d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "bot merge"))
	require.NoError(t, err)

	require.Len(t, spy.mergeCalls, 1)
	assert.Equal(t, mergeCall{number: 3, by: "alice", force: false}, spy.mergeCalls[0])
	require.Len(t, api.AckCalls, 1)
	assert.Equal(t, int64(11), api.AckCalls[0].CommentID)
}

func TestForceAndCancelAndRebaseRouting(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	api.RegisterPR(testPR(3, "sha1"))

	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "bot merge force")))
	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "bot merge cancel")))
	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "bot rebase")))

	require.Len(t, spy.mergeCalls, 1)
	assert.True(t, spy.mergeCalls[0].force)
	assert.Equal(t, []int{3}, spy.cancelCalls)
	assert.Equal(t, []int{3}, spy.rebaseCalls)
}

func TestBotAndSelfCommentsIgnored(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	api.RegisterPR(testPR(3, "sha1"))

	bot := github.Comment{ID: 1, Body: "bot merge", User: github.User{Login: "some-bot[bot]", Type: "Bot"}}
	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, bot))
	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("merge-bot", "bot merge")))

	assert.Empty(t, spy.mergeCalls)
	assert.Empty(t, api.AckCalls)
}

func TestNonCommandCommentIgnored(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "nice work!")))
	assert.Empty(t, spy.mergeCalls)
	assert.Empty(t, api.GetPRCalls, "non-commands must not hit the host API")
}

func TestCommandOnPlainIssueIgnored(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	// No PR registered: the lookup 404s, as it does for plain issues.
	// Authorization comes after the lookup, so a random commenter on an
	// issue gets silence, not a membership rejection.
	api.IsOrgMemberFunc = func(_ context.Context, _, _ string) (bool, error) {
		t.Fatal("membership must not be queried for plain issues")
		return false, nil
	}

	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("mallory", "bot merge")))
	assert.Empty(t, spy.mergeCalls)
	assert.Empty(t, api.CommentCalls)
	assert.Empty(t, api.AckCalls)
}

func TestNonMemberRejected(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	api.RegisterPR(testPR(3, "sha1"))
	api.IsOrgMemberFunc = func(_ context.Context, _, _ string) (bool, error) {
		return false, nil
	}

	err := d.HandleComment(context.Background(), "org", "app", 3, comment("mallory", "bot merge"))
	var clsErr *engine.Error
	require.ErrorAs(t, err, &clsErr)
	assert.Equal(t, engine.KindAuthorization, clsErr.Kind)

	assert.Empty(t, spy.mergeCalls)
	assert.Empty(t, spy.reported, "the delivery layer reports; the dispatcher only classifies")
	assert.Empty(t, api.AckCalls, "unauthorized commands are not acknowledged")
}

func TestDisabledOrgChecksSkipMembership(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	d.cfg.DisableOrgChecks = true
	api.RegisterPR(testPR(3, "sha1"))
	api.IsOrgMemberFunc = func(_ context.Context, _, _ string) (bool, error) {
		t.Fatal("membership must not be queried when org checks are disabled")
		return false, nil
	}

	require.NoError(t, d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "bot merge")))
	require.Len(t, spy.mergeCalls, 1)
}

func TestClassifiedEngineFailurePropagatesUnreported(t *testing.T) {
	d, api, spy := newTestDispatcher(t)
	api.RegisterPR(testPR(3, "sha1"))
	ref := model.PRRef{Owner: "org", Repo: "app", Number: 3}
	spy.mergeErr = &engine.Error{Kind: engine.KindNotMergeable, Scope: &ref, Err: assert.AnError}

	err := d.HandleComment(context.Background(), "org", "app", 3, comment("alice", "bot merge"))

	var clsErr *engine.Error
	require.ErrorAs(t, err, &clsErr)
	assert.Equal(t, engine.KindNotMergeable, clsErr.Kind)
	assert.Empty(t, spy.reported, "one user-facing comment per failure, owned by the delivery layer")
}
