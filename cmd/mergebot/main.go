// mergebot is a GitHub App daemon that merges pull requests on command,
// coordinating lockstep merges across repositories via companion
// references and lockfile rewrites.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"mergebot/pkg/config"
	"mergebot/pkg/dispatch"
	"mergebot/pkg/engine"
	"mergebot/pkg/github"
	"mergebot/pkg/gitlab"
	"mergebot/pkg/gitx"
	"mergebot/pkg/logx"
	"mergebot/pkg/metrics"
	"mergebot/pkg/status"
	"mergebot/pkg/store"
	"mergebot/pkg/webhook"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "mergebot",
		Short:         "Merge bot daemon for coordinated pull request merges",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mergebot: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mergebot %s (%s)\n", version, commit)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// One instance per worktree root: concurrent daemons would race on
	// the clones and the database.
	if err := os.MkdirAll(cfg.ReposPath, 0o755); err != nil {
		return logx.Wrap(err, "failed to create repos directory")
	}
	lock := flock.New(filepath.Join(cfg.ReposPath, "mergebot.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return logx.Wrap(err, "failed to acquire instance lock")
	}
	if !locked {
		return logx.Errorf("another mergebot instance already runs on %s", cfg.ReposPath)
	}
	defer func() { _ = lock.Unlock() }()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	keyPEM, err := cfg.PrivateKey()
	if err != nil {
		return err
	}
	tokens, err := github.NewTokenSource(cfg.GithubAppID, cfg.InstallationLogin, keyPEM)
	if err != nil {
		return err
	}
	api := github.NewClient(cfg.GithubAPIURL, tokens)

	var prober gitlab.Prober
	if cfg.GitLabURL != "" {
		prober = gitlab.NewClient(cfg.GitLabURL, cfg.GitLabAccessToken)
	}
	eval := status.NewEvaluator(prober, cfg.GitLabHost())

	recorder := metrics.NewRecorder()
	eng := engine.New(cfg, api, st, eval, gitx.NewWorktrees(cfg.ReposPath, gitx.NewExecRunner()), recorder)
	if err := eng.RecoverOnBoot(); err != nil {
		return err
	}

	server := webhook.NewServer(cfg, dispatch.New(cfg, api, eng), eng, recorder)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("mergebot %s (%s) serving on port %d", version, commit, cfg.WebhookPort)
	return server.ListenAndServe(ctx)
}
