// Package config loads the controller's typed configuration from the
// environment via cleanenv, read and validated once at process startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

// ExecutorMode selects the task executor tier of isolation.
type ExecutorMode string

const (
	ExecutorInProcess ExecutorMode = "in_process"
	ExecutorIsolated  ExecutorMode = "isolated"
)

// StateBackend selects single- vs multi-replica dedup/lock/worker-result storage.
type StateBackend string

const (
	StateBackendMemory StateBackend = "memory"
	StateBackendShared StateBackend = "shared"
)

// TrackerConfig is the Jira integration block. A nil *TrackerConfig disables
// the tracker poller and the Jira-linked coding pipeline entirely, an
// explicit discriminated variant rather than reflecting over which
// environment variables happen to be set.
type TrackerConfig struct {
	BaseURL          string `env:"JIRA_BASE_URL"`
	Email            string `env:"JIRA_EMAIL"`
	APIToken         string `env:"JIRA_API_TOKEN"`
	TriggerStatus    string `env:"JIRA_TRIGGER_STATUS" env-default:"To Do"`
	InProgressStatus string `env:"JIRA_IN_PROGRESS_STATUS" env-default:"In Progress"`
	InReviewStatus   string `env:"JIRA_IN_REVIEW_STATUS" env-default:"In Review"`
	ProjectKeys      string `env:"JIRA_PROJECT_KEYS"`
	TargetBranch     string `env:"JIRA_TARGET_BRANCH" env-default:"main"`

	// GitLabProjectID and GitLabCloneURL name the single repository the
	// tracker-driven coding pipeline opens merge requests against. One Jira
	// integration feeds exactly one codebase; a deployment automating
	// several repositories runs one controller instance per repository.
	GitLabProjectID int    `env:"JIRA_GITLAB_PROJECT_ID"`
	GitLabCloneURL  string `env:"JIRA_GITLAB_CLONE_URL"`
}

func (t *TrackerConfig) Validate() error {
	if t == nil {
		return nil
	}
	if t.BaseURL == "" || t.Email == "" || t.APIToken == "" {
		return errors.New("tracker configuration present but incomplete: base URL, email and API token are all required")
	}
	if t.ProjectKeys == "" {
		return errors.New("tracker configuration present but JIRA_PROJECT_KEYS is empty")
	}
	if t.GitLabProjectID == 0 || t.GitLabCloneURL == "" {
		return errors.New("tracker configuration present but JIRA_GITLAB_PROJECT_ID and JIRA_GITLAB_CLONE_URL are both required")
	}
	return nil
}

// ProjectKeyList splits the comma-separated project-key list.
func (t *TrackerConfig) ProjectKeyList() []string {
	return splitCSV(t.ProjectKeys)
}

// Config is the controller's full runtime configuration.
type Config struct {
	GitLabBaseURL string `env:"GITLAB_BASE_URL" env-default:"https://gitlab.com"`
	GitLabToken   string `env:"GITLAB_TOKEN"`

	WebhookSecret string `env:"WEBHOOK_SECRET"`

	AgentProvider string        `env:"AGENT_PROVIDER" env-default:"byok"`
	AgentBaseURL  string        `env:"AGENT_BASE_URL"`
	AgentAPIKey   string        `env:"AGENT_API_KEY"`
	AgentModel    string        `env:"AGENT_MODEL"`
	AgentTimeout  time.Duration `env:"AGENT_TIMEOUT" env-default:"300s"`

	ExecutorMode ExecutorMode `env:"EXECUTOR_MODE" env-default:"in_process"`
	StateBackend StateBackend `env:"STATE_BACKEND" env-default:"memory"`
	RedisURL     string       `env:"REDIS_URL"`

	ProjectAllowlist string `env:"PROJECT_ALLOWLIST"`

	// ProjectCloneURLs maps a GitLab numeric project id to its clone URL, as
	// "id=url" pairs separated by commas. The poller needs it because
	// GitLab's merge-request listing endpoint identifies a project by id or
	// path but never returns a clone URL alongside it.
	ProjectCloneURLs string `env:"PROJECT_CLONE_URLS"`

	PollerEnabled    bool          `env:"POLLER_ENABLED" env-default:"false"`
	PollerInterval   time.Duration `env:"POLLER_INTERVAL" env-default:"30s"`
	PollerLookback   time.Duration `env:"POLLER_LOOKBACK" env-default:"1h"`
	PollerMaxBackoff time.Duration `env:"POLLER_MAX_BACKOFF" env-default:"5m"`

	CommandPrefix string `env:"COMMAND_PREFIX" env-default:"/copilot "`
	AgentIdentity string `env:"AGENT_IDENTITY" env-default:"copilot-agent"`

	Tracker *TrackerConfig

	WorkerImage         string        `env:"WORKER_IMAGE"`
	WorkerNamespace     string        `env:"WORKER_NAMESPACE" env-default:"default"`
	WorkerCPULimit      string        `env:"WORKER_CPU_LIMIT" env-default:"1"`
	WorkerMemLimit      string        `env:"WORKER_MEM_LIMIT" env-default:"512Mi"`
	WorkerTimeout       time.Duration `env:"WORKER_TIMEOUT" env-default:"600s"`
	WorkerSecretRefs    string        `env:"WORKER_SECRET_REFS"`
	WorkerConfigMapRefs string        `env:"WORKER_CONFIGMAP_REFS"`

	GitAllowHTTP bool `env:"GIT_ALLOW_HTTP" env-default:"false"`

	ListenAddr string `env:"LISTEN_ADDR" env-default:":8080"`
}

// Load reads the process environment into a Config and validates it.
// A misconfigured process fails fast at startup rather than running in a
// degraded state, since this controller has no admin console to surface a
// later fix through.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to read environment configuration")
	}

	if hasAnyJiraEnv() {
		cfg.Tracker = &TrackerConfig{}
		if err := cleanenv.ReadEnv(cfg.Tracker); err != nil {
			return nil, errors.Wrap(err, "failed to read tracker configuration")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GitLabToken == "" {
		return fmt.Errorf("GITLAB_TOKEN is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.AgentAPIKey == "" {
		return fmt.Errorf("AGENT_API_KEY is required: at least one LLM credential must be configured")
	}
	if c.ExecutorMode != ExecutorInProcess && c.ExecutorMode != ExecutorIsolated {
		return fmt.Errorf("EXECUTOR_MODE must be %q or %q, got %q", ExecutorInProcess, ExecutorIsolated, c.ExecutorMode)
	}
	if c.ExecutorMode == ExecutorIsolated && c.WorkerImage == "" {
		return fmt.Errorf("WORKER_IMAGE is required when EXECUTOR_MODE=isolated")
	}
	if c.StateBackend == StateBackendShared && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when STATE_BACKEND=shared")
	}
	if c.PollerEnabled && c.ProjectCloneURLs == "" && c.Tracker == nil {
		return fmt.Errorf("POLLER_ENABLED=true requires PROJECT_CLONE_URLS or a tracker configuration to have something to poll")
	}
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if _, err := c.ProjectCloneURLMap(); err != nil {
		return err
	}
	return nil
}

// ProjectAllowlistSet returns the allowlist as a set for O(1) lookups.
func (c *Config) ProjectAllowlistSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, p := range splitCSV(c.ProjectAllowlist) {
		set[p] = struct{}{}
	}
	return set
}

// ProjectCloneURLMap parses ProjectCloneURLs into a project-id -> clone-URL
// lookup.
func (c *Config) ProjectCloneURLMap() (map[int]string, error) {
	out := make(map[int]string)
	for _, pair := range splitCSV(c.ProjectCloneURLs) {
		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid PROJECT_CLONE_URLS entry %q: expected id=url", pair)
		}
		projectID, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("invalid project id in PROJECT_CLONE_URLS entry %q: %w", pair, err)
		}
		out[projectID] = strings.TrimSpace(url)
	}
	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hasAnyJiraEnv reports whether any Jira-related environment variable is
// set, used to decide whether TrackerConfig should be populated at all
// (its absence, not its zero value, disables the tracker poller).
func hasAnyJiraEnv() bool {
	for _, k := range []string{"JIRA_BASE_URL", "JIRA_EMAIL", "JIRA_API_TOKEN", "JIRA_PROJECT_KEYS"} {
		if os.Getenv(k) != "" {
			return true
		}
	}
	return false
}
