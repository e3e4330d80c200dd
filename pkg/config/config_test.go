package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
installation_login: merge-bot[bot]
webhook_secret: hunter2
db_path: /var/lib/mergebot/db.sqlite
repos_path: /var/lib/mergebot/repos
private_key_path: /etc/mergebot/app.pem
github_app_id: 12345
gitlab_url: https://gitlab.example
gitlab_access_token: glpat-abc
dependency_update_configuration:
  companion-repo:
    - core-repo
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "merge-bot[bot]", cfg.InstallationLogin)
	assert.Equal(t, DefaultWebhookPort, cfg.WebhookPort)
	assert.Equal(t, "gitlab.example", cfg.GitLabHost())
	assert.Equal(t, []string{"core-repo"}, cfg.DependencyUpdateConfiguration["companion-repo"])
	assert.Equal(t, "https://github.com/org/repo", cfg.SourceURL("org", "repo"))
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(writeConfigFile(t, "webhook_port: 9000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "installation_login")
	assert.Contains(t, err.Error(), "webhook_secret")
}

func TestEnvOverridesSecret(t *testing.T) {
	t.Setenv(EnvWebhookSecret, "from-env")

	cfg, err := Load(writeConfigFile(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.WebhookSecret)
}

func TestDelaysConvertToDurations(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, validConfig+"merge_command_delay: 250\ncompanion_status_settle_delay: 500\n"))
	require.NoError(t, err)
	assert.Equal(t, "250ms", cfg.MergeCommandDelay().String())
	assert.Equal(t, "500ms", cfg.StatusSettleDelay().String())
}

func TestPortRange(t *testing.T) {
	_, err := Load(writeConfigFile(t, validConfig+"webhook_port: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
