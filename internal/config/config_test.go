package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseValidConfig() *Config {
	return &Config{
		GitLabToken:   "glpat-token",
		WebhookSecret: "shh",
		AgentAPIKey:   "sk-agent",
		ExecutorMode:  ExecutorInProcess,
		StateBackend:  StateBackendMemory,
	}
}

func TestConfigValidate_RequiresCoreCredentials(t *testing.T) {
	cfg := baseValidConfig()
	require.NoError(t, cfg.Validate())

	missingToken := baseValidConfig()
	missingToken.GitLabToken = ""
	assert.Error(t, missingToken.Validate())

	missingSecret := baseValidConfig()
	missingSecret.WebhookSecret = ""
	assert.Error(t, missingSecret.Validate())

	missingAgentKey := baseValidConfig()
	missingAgentKey.AgentAPIKey = ""
	assert.Error(t, missingAgentKey.Validate())
}

func TestConfigValidate_IsolatedModeRequiresWorkerImage(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ExecutorMode = ExecutorIsolated
	assert.Error(t, cfg.Validate())

	cfg.WorkerImage = "registry.example.com/agent-worker:latest"
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_SharedStateRequiresRedisURL(t *testing.T) {
	cfg := baseValidConfig()
	cfg.StateBackend = StateBackendShared
	assert.Error(t, cfg.Validate())

	cfg.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_PollerRequiresSomethingToPoll(t *testing.T) {
	cfg := baseValidConfig()
	cfg.PollerEnabled = true
	assert.Error(t, cfg.Validate())

	cfg.ProjectCloneURLs = "42=https://gitlab.com/group/project.git"
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_RejectsMalformedProjectCloneURLs(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ProjectCloneURLs = "not-a-valid-entry"
	assert.Error(t, cfg.Validate())
}

func TestTrackerConfigValidate_RequiresAllFieldsWhenPresent(t *testing.T) {
	tracker := &TrackerConfig{
		BaseURL:         "https://example.atlassian.net",
		Email:           "bot@example.com",
		APIToken:        "token",
		ProjectKeys:     "ABC,DEF",
		GitLabProjectID: 7,
		GitLabCloneURL:  "https://gitlab.com/group/project.git",
	}
	assert.NoError(t, tracker.Validate())

	incomplete := &TrackerConfig{BaseURL: "https://example.atlassian.net"}
	assert.Error(t, incomplete.Validate())

	var nilTracker *TrackerConfig
	assert.NoError(t, nilTracker.Validate())
}

func TestProjectAllowlistSet_SplitsAndTrims(t *testing.T) {
	cfg := &Config{ProjectAllowlist: " 1, 2,3 ,3"}
	set := cfg.ProjectAllowlistSet()

	assert.Len(t, set, 3)
	for _, id := range []string{"1", "2", "3"} {
		_, ok := set[id]
		assert.True(t, ok, "expected %q in allowlist set", id)
	}
}

func TestProjectCloneURLMap_ParsesIDEqualsURLPairs(t *testing.T) {
	cfg := &Config{ProjectCloneURLs: "1=https://gitlab.com/a/b.git, 2=https://gitlab.com/c/d.git"}

	got, err := cfg.ProjectCloneURLMap()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		1: "https://gitlab.com/a/b.git",
		2: "https://gitlab.com/c/d.git",
	}, got)
}

func TestProjectCloneURLMap_RejectsEntryWithoutEquals(t *testing.T) {
	cfg := &Config{ProjectCloneURLs: "1https://gitlab.com/a/b.git"}
	_, err := cfg.ProjectCloneURLMap()
	assert.Error(t, err)
}
