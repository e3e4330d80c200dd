package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mergebot/pkg/config"
	"mergebot/pkg/engine"
	"mergebot/pkg/github"
	"mergebot/pkg/logx"
	"mergebot/pkg/model"
)

// Pipeline is the engine surface the dispatcher drives.
type Pipeline interface {
	HandleMergeCommand(ctx context.Context, pr *github.PullRequest, requestedBy string, force bool) error
	HandleCancelCommand(ctx context.Context, pr *github.PullRequest) error
	HandleRebaseCommand(ctx context.Context, pr *github.PullRequest) error
	HandleStatusEvent(ctx context.Context, sha string) error
	ReportFailure(ctx context.Context, clsErr *engine.Error)
}

// Dispatcher routes parsed comment commands into the pipeline.
type Dispatcher struct {
	cfg    *config.Config
	api    github.API
	engine Pipeline
	logger *logx.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New creates a dispatcher.
func New(cfg *config.Config, api github.API, pipeline Pipeline) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		api:    api,
		engine: pipeline,
		logger: logx.NewLogger("dispatch"),
		sleep:  time.Sleep,
	}
}

// HandleComment processes one created issue comment. The comment may sit
// on a plain issue; the PR fetch decides, not the payload's hint, because
// the hint is absent on the first comment of a fresh PR.
func (d *Dispatcher) HandleComment(ctx context.Context, owner, repo string, number int, comment github.Comment) error {
	if comment.User.IsBot() || comment.User.Login == d.cfg.InstallationLogin {
		return nil
	}
	cmd := ParseCommand(comment.Body)
	if cmd == CommandNone {
		return nil
	}
	ref := model.PRRef{Owner: owner, Repo: repo, Number: number}
	d.logger.Info("Command %q on %s by %s", cmd, ref, comment.User.Login)

	// The host may serve a stale PR right after the comment that created
	// it; a short pause keeps the first fetch from missing the PR.
	d.sleep(d.cfg.MergeCommandDelay())

	// Before anything user-visible happens: commands on plain issues are
	// ignored outright, even from strangers.
	pr, err := d.api.GetPR(ctx, owner, repo, number)
	if err != nil {
		var apiErr *github.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			d.logger.Debug("%s is not a pull request; ignoring command", ref)
			return nil
		}
		return err
	}

	if err := d.authorize(ctx, owner, comment.User.Login); err != nil {
		return &engine.Error{Kind: engine.KindAuthorization, Scope: &ref, Err: err}
	}

	if err := d.api.AckComment(ctx, owner, repo, comment.ID); err != nil {
		d.logger.Warn("Failed to ack comment %d on %s: %v", comment.ID, ref, err)
	}

	// Failures propagate unreported; the delivery layer owns the single
	// user-facing failure comment.
	switch cmd {
	case CommandMerge:
		return d.engine.HandleMergeCommand(ctx, pr, comment.User.Login, false)
	case CommandMergeForce:
		return d.engine.HandleMergeCommand(ctx, pr, comment.User.Login, true)
	case CommandCancel:
		return d.engine.HandleCancelCommand(ctx, pr)
	case CommandRebase:
		return d.engine.HandleRebaseCommand(ctx, pr)
	}
	return nil
}

// authorize requires the commenter to be a member of the base org unless
// org checks are disabled.
func (d *Dispatcher) authorize(ctx context.Context, org, login string) error {
	if d.cfg.DisableOrgChecks {
		return nil
	}
	member, err := d.api.IsOrgMember(ctx, org, login)
	if err != nil {
		return err
	}
	if !member {
		return logx.Errorf("%s is not a member of %s", login, org)
	}
	return nil
}
