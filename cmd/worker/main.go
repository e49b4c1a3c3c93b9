// Command worker is the isolated-worker entrypoint: the image the
// controller's executor/isolated package launches as a disposable
// Kubernetes Job, one per task. It knows nothing about GitLab webhooks,
// Jira, or the HTTP control plane; it reads a single task description out
// of its environment, runs one agent session against a freshly cloned
// working directory, and publishes the result to the shared store for the
// controller to pick back up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/forgeagent/controller/internal/agent"
	"github.com/forgeagent/controller/internal/agent/byok"
	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/executor"
	"github.com/forgeagent/controller/internal/gitutil"
	"github.com/forgeagent/controller/internal/logging"
	"github.com/forgeagent/controller/internal/store/redisstore"
)

const resultTTL = time.Hour

func main() {
	log := logging.New(true, slog.LevelInfo)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Error("worker task failed", "error", gitutil.SanitizeError(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	taskID := os.Getenv("TASK_ID")
	if taskID == "" {
		return fmt.Errorf("TASK_ID is required")
	}
	log = log.With("task_id", taskID)
	ctx = logging.WithLogger(ctx, log)

	kind := events.Kind(os.Getenv("TASK_KIND"))
	repoURL := os.Getenv("REPO_URL")
	branch := os.Getenv("BRANCH")
	systemPrompt := os.Getenv("SYSTEM_PROMPT")
	userPrompt := os.Getenv("USER_PROMPT")
	forgeBaseURL := os.Getenv("FORGE_BASE_URL")
	redisURL := os.Getenv("REDIS_URL")
	gitToken := os.Getenv("GITLAB_TOKEN")
	allowHTTP := os.Getenv("GIT_ALLOW_HTTP") == "true"
	scratchDir := envOr("WORKER_SCRATCH_DIR", "/scratch")

	if repoURL == "" || branch == "" {
		return fmt.Errorf("REPO_URL and BRANCH are required")
	}
	if redisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if err := validateRepoAuthority(repoURL, forgeBaseURL); err != nil {
		return err
	}

	results, err := redisstore.New(redisURL)
	if err != nil {
		return fmt.Errorf("connect to result store: %w", err)
	}

	timeout := 600 * time.Second
	if raw := os.Getenv("TASK_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	log.Info("cloning repository", "branch", branch)
	cloneDir, err := gitutil.Clone(ctx, repoURL, branch, gitToken, scratchDir, allowHTTP)
	if err != nil {
		return fmt.Errorf("clone repository: %w", err)
	}
	defer os.RemoveAll(cloneDir)

	runner := byok.New(os.Getenv("AGENT_BASE_URL"), os.Getenv("AGENT_API_KEY"), os.Getenv("AGENT_MODEL"))

	log.Info("running agent session", "kind", kind)
	text, err := runner.RunSession(ctx, systemPrompt, userPrompt, cloneDir, timeout)
	if err != nil {
		return fmt.Errorf("agent session failed: %w", err)
	}

	result, err := buildResult(ctx, kind, cloneDir, text)
	if err != nil {
		return fmt.Errorf("build task result: %w", err)
	}

	payload, err := executor.MarshalResult(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	if err := results.PutResult(ctx, taskID, payload, resultTTL); err != nil {
		return fmt.Errorf("publish task result: %w", err)
	}

	log.Info("task result published", "result_kind", result.Kind())
	return nil
}

// buildResult turns the agent's raw result text into the TaskResult the
// controller expects for kind. For review tasks the text is the result
// verbatim; for coding tasks it stages exactly the files the agent claimed
// to touch in its fenced edit block and captures the staged diff against the
// clone's current HEAD. Never a blanket "add all": whatever else ended up in
// the clone (build artefacts, caches) stays unstaged, so an agent that
// claimed no files yields an empty diff and an EmptyCodingResult.
func buildResult(ctx context.Context, kind events.Kind, cloneDir, text string) (executor.TaskResult, error) {
	switch kind {
	case events.KindMRReview:
		return executor.ReviewResult{SummaryText: text}, nil

	case events.KindMRCopilotCommand, events.KindJiraCoding:
		touched, err := agent.ApplyTextFileEdits(cloneDir, text)
		if err != nil {
			return nil, fmt.Errorf("apply agent file edits: %w", err)
		}
		if err := gitutil.StageAll(ctx, cloneDir, touched); err != nil {
			return nil, err
		}

		diff, err := gitutil.StagedDiff(ctx, cloneDir)
		if err != nil {
			return nil, err
		}
		if len(diff) == 0 {
			return executor.EmptyCodingResult{SummaryText: text}, nil
		}
		if err := gitutil.ValidatePatch(diff); err != nil {
			return nil, fmt.Errorf("captured diff failed validation: %w", err)
		}

		head, err := gitutil.HeadSha(ctx, cloneDir)
		if err != nil {
			return nil, err
		}
		return executor.CodingResult{SummaryText: text, PatchBytes: diff, BaseCommitSHA: head}, nil

	default:
		return nil, fmt.Errorf("unsupported task kind %q", kind)
	}
}

// validateRepoAuthority rejects a REPO_URL whose host doesn't match the
// controller's configured forge, so a compromised task description (or a
// controller bug) can never point an isolated worker's credentials at an
// arbitrary host.
func validateRepoAuthority(repoURL, forgeBaseURL string) error {
	if forgeBaseURL == "" {
		return nil
	}
	repo, err := url.Parse(repoURL)
	if err != nil {
		return fmt.Errorf("invalid REPO_URL: %w", err)
	}
	base, err := url.Parse(forgeBaseURL)
	if err != nil {
		return fmt.Errorf("invalid FORGE_BASE_URL: %w", err)
	}
	if !strings.EqualFold(repo.Hostname(), base.Hostname()) {
		return fmt.Errorf("REPO_URL host %q does not match configured forge host %q", repo.Hostname(), base.Hostname())
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
