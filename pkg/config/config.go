// Package config provides configuration loading and validation for the
// merge bot daemon.
//
// Configuration is loaded once at startup from a YAML file; secrets may be
// overridden from the environment so the file itself can live in version
// control. The loaded Config is treated as immutable for the process
// lifetime.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file-provided secrets.
const (
	EnvWebhookSecret     = "MERGEBOT_WEBHOOK_SECRET"
	EnvGitLabAccessToken = "MERGEBOT_GITLAB_ACCESS_TOKEN"
	EnvPrivateKeyPath    = "MERGEBOT_PRIVATE_KEY_PATH"
)

// Defaults applied when the file omits optional settings.
const (
	DefaultWebhookPort        = 8080
	DefaultMergeCommandDelay  = 4000  // milliseconds
	DefaultStatusSettleDelay  = 12000 // milliseconds
	DefaultGithubAPIURL       = "https://api.github.com"
	DefaultGithubSourcePrefix = "https://github.com/"
	DefaultGithubSourceSuffix = ""
)

// Config holds every recognized option of the daemon.
type Config struct {
	// InstallationLogin is the GitHub login of the bot's App installation.
	// Comments authored by this login are ignored by the dispatcher.
	InstallationLogin string `yaml:"installation_login"`

	// WebhookSecret verifies the x-hub-signature header of deliveries.
	WebhookSecret string `yaml:"webhook_secret"`

	// WebhookPort is the listen port for the webhook endpoint.
	WebhookPort int `yaml:"webhook_port"`

	// DBPath locates the embedded fingerprint database.
	DBPath string `yaml:"db_path"`

	// ReposPath is the root under which per-repository worktrees live.
	ReposPath string `yaml:"repos_path"`

	// PrivateKeyPath points at the PEM-encoded GitHub App signing key.
	PrivateKeyPath string `yaml:"private_key_path"`
	GithubAppID    int64  `yaml:"github_app_id"`

	// GithubAPIURL overrides the API base, for tests and GHE deployments.
	GithubAPIURL string `yaml:"github_api_url"`

	// DisableOrgChecks skips org-membership authorization and the
	// required review status on companions. Intended for test setups.
	DisableOrgChecks bool `yaml:"disable_org_checks"`

	// CompanionStatusSettleDelayMS is how long to wait after pushing a
	// rewritten branch before re-reading its statuses.
	CompanionStatusSettleDelayMS int `yaml:"companion_status_settle_delay"`

	// MergeCommandDelayMS is the pause between parsing a merge command and
	// fetching the PR, mitigating a read-after-write race in the host API.
	MergeCommandDelayMS int `yaml:"merge_command_delay"`

	// GithubSourcePrefix and GithubSourceSuffix wrap "owner/repo" to form
	// the canonical source URL matched against lockfile entries.
	GithubSourcePrefix string `yaml:"github_source_prefix"`
	GithubSourceSuffix string `yaml:"github_source_suffix"`

	// GitLabURL and GitLabAccessToken configure the secondary-CI probe
	// used to rescue retried jobs.
	GitLabURL         string `yaml:"gitlab_url"`
	GitLabAccessToken string `yaml:"gitlab_access_token"`

	// DependencyUpdateConfiguration maps a repository name to dependency
	// repositories whose lockfile entries are always refreshed when a
	// branch of that repository is rewritten.
	DependencyUpdateConfiguration map[string][]string `yaml:"dependency_update_configuration"`
}

// Load reads, defaults, env-overrides, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WebhookPort == 0 {
		c.WebhookPort = DefaultWebhookPort
	}
	if c.MergeCommandDelayMS == 0 {
		c.MergeCommandDelayMS = DefaultMergeCommandDelay
	}
	if c.CompanionStatusSettleDelayMS == 0 {
		c.CompanionStatusSettleDelayMS = DefaultStatusSettleDelay
	}
	if c.GithubAPIURL == "" {
		c.GithubAPIURL = DefaultGithubAPIURL
	}
	if c.GithubSourcePrefix == "" {
		c.GithubSourcePrefix = DefaultGithubSourcePrefix
	}
	if c.GithubSourceSuffix == "" {
		c.GithubSourceSuffix = DefaultGithubSourceSuffix
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv(EnvGitLabAccessToken); v != "" {
		c.GitLabAccessToken = v
	}
	if v := os.Getenv(EnvPrivateKeyPath); v != "" {
		c.PrivateKeyPath = v
	}
}

// Validate rejects configs that cannot run before any subsystem starts.
func (c *Config) Validate() error {
	var missing []string
	if c.InstallationLogin == "" {
		missing = append(missing, "installation_login")
	}
	if c.WebhookSecret == "" {
		missing = append(missing, "webhook_secret")
	}
	if c.DBPath == "" {
		missing = append(missing, "db_path")
	}
	if c.ReposPath == "" {
		missing = append(missing, "repos_path")
	}
	if c.PrivateKeyPath == "" {
		missing = append(missing, "private_key_path")
	}
	if c.GithubAppID == 0 {
		missing = append(missing, "github_app_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config is missing required options: %s", strings.Join(missing, ", "))
	}

	if c.WebhookPort < 1 || c.WebhookPort > 65535 {
		return fmt.Errorf("webhook_port %d is out of range", c.WebhookPort)
	}
	if c.GitLabURL != "" {
		if _, err := url.Parse(c.GitLabURL); err != nil {
			return fmt.Errorf("gitlab_url is not a valid URL: %w", err)
		}
	}
	return nil
}

// PrivateKey reads the App signing key from disk.
func (c *Config) PrivateKey() ([]byte, error) {
	key, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", c.PrivateKeyPath, err)
	}
	return key, nil
}

// MergeCommandDelay returns the merge-command pre-fetch delay.
func (c *Config) MergeCommandDelay() time.Duration {
	return time.Duration(c.MergeCommandDelayMS) * time.Millisecond
}

// StatusSettleDelay returns the post-push status settle delay.
func (c *Config) StatusSettleDelay() time.Duration {
	return time.Duration(c.CompanionStatusSettleDelayMS) * time.Millisecond
}

// SourceURL builds the canonical source URL for owner/repo, matched
// against lockfile package sources.
func (c *Config) SourceURL(owner, repo string) string {
	return c.GithubSourcePrefix + owner + "/" + repo + c.GithubSourceSuffix
}

// GitLabHost returns the host part of gitlab_url, empty when unset.
func (c *Config) GitLabHost() string {
	if c.GitLabURL == "" {
		return ""
	}
	u, err := url.Parse(c.GitLabURL)
	if err != nil {
		return ""
	}
	return u.Host
}
