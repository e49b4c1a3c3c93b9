// Package isolated implements executor.Executor by dispatching each task
// to a disposable Kubernetes-Job worker and retrieving its result out of
// band via the shared store, so the agent's file-system access is bounded
// and the controller's write-capable credentials never reach it.
package isolated

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/forgeagent/controller/internal/executor"
	"github.com/forgeagent/controller/internal/executor/k8sworker"
	"github.com/forgeagent/controller/internal/store"
)

const resultPollInterval = 2 * time.Second

// Config carries the Kubernetes-side parameters needed to launch a worker.
type Config struct {
	Namespace       string
	Image           string
	CPULimit        string
	MemLimit        string
	SecretRefs      []string
	ConfigMapRefs   []string
	TTLAfterSeconds int32

	// WaitTimeout bounds the wait for the worker to reach a terminal state.
	// It is deliberately separate from TaskParams.Timeout, which bounds only
	// the agent session inside the worker; the worker also clones and diffs.
	WaitTimeout  time.Duration
	ForgeBaseURL string
	RedisURL     string
}

// Executor dispatches tasks to isolated Kubernetes-Job workers.
type Executor struct {
	orchestrator *k8sworker.Orchestrator
	results      store.ResultStore
	cfg          Config
}

func New(orchestrator *k8sworker.Orchestrator, results store.ResultStore, cfg Config) *Executor {
	return &Executor{orchestrator: orchestrator, results: results, cfg: cfg}
}

func workerName(taskID string) string {
	n := taskID
	if len(n) > 16 {
		n = n[:16]
	}
	return "agent-task-" + n
}

func (e *Executor) Execute(ctx context.Context, params executor.TaskParams) (executor.TaskResult, error) {
	name := workerName(params.TaskID)

	// Step 2: an already-completed result makes this call idempotent.
	if payload, ok, err := e.results.GetResult(ctx, params.TaskID); err != nil {
		return nil, errors.Wrap(err, "checking for cached task result failed")
	} else if ok {
		return executor.UnmarshalResult(payload)
	}

	// Step 3: stale remnants from a prior attempt must not return stale
	// results, so a finished-but-unread worker is deleted and re-created.
	phase, err := e.orchestrator.Phase(ctx, e.cfg.Namespace, name)
	if err != nil {
		return nil, err
	}
	switch phase {
	case k8sworker.PhaseAbsent:
		if err := e.launch(ctx, name, params); err != nil {
			return nil, err
		}
	case k8sworker.PhaseSucceeded, k8sworker.PhaseFailed:
		if err := e.orchestrator.Delete(ctx, e.cfg.Namespace, name); err != nil {
			return nil, err
		}
		if err := e.launch(ctx, name, params); err != nil {
			return nil, err
		}
	case k8sworker.PhaseRunning:
		// Already in flight for this task_id; fall through to the wait.
	}

	timeout := e.cfg.WaitTimeout
	if timeout <= 0 {
		timeout = params.Timeout
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	finalPhase, err := e.orchestrator.WaitForTerminal(ctx, e.cfg.Namespace, name, resultPollInterval, timeout)
	if err != nil {
		_ = e.orchestrator.Delete(ctx, e.cfg.Namespace, name)
		return nil, errors.Wrap(err, "isolated worker timed out")
	}

	payload, ok, err := e.results.GetResult(ctx, params.TaskID)
	if err != nil {
		return nil, errors.Wrap(err, "reading published task result failed")
	}
	if !ok {
		// The worker finished but its store publish never landed; its Job
		// annotation is the fallback publication path.
		annotated, found, aerr := e.orchestrator.ResultFromAnnotation(ctx, e.cfg.Namespace, name)
		if aerr != nil {
			return nil, aerr
		}
		if !found {
			return nil, fmt.Errorf("worker %s reached terminal state %s but published no result", name, finalPhase)
		}
		payload = []byte(annotated)
	}
	return executor.UnmarshalResult(payload)
}

func (e *Executor) launch(ctx context.Context, name string, params executor.TaskParams) error {
	env := map[string]string{
		"TASK_KIND":      string(params.Kind),
		"TASK_ID":        params.TaskID,
		"REPO_URL":       params.RepoCloneURL,
		"BRANCH":         params.Branch,
		"SYSTEM_PROMPT":  params.SystemPrompt,
		"USER_PROMPT":    params.UserPrompt,
		"REDIS_URL":      e.cfg.RedisURL,
		"FORGE_BASE_URL": e.cfg.ForgeBaseURL,
		"TASK_TIMEOUT":   params.Timeout.String(),
	}
	spec := k8sworker.Spec{
		Name:            name,
		Namespace:       e.cfg.Namespace,
		Image:           e.cfg.Image,
		Env:             env,
		CPULimit:        e.cfg.CPULimit,
		MemLimit:        e.cfg.MemLimit,
		SecretRefs:      e.cfg.SecretRefs,
		ConfigMapRefs:   e.cfg.ConfigMapRefs,
		TTLAfterSeconds: e.cfg.TTLAfterSeconds,
	}
	return e.orchestrator.Create(ctx, spec)
}

var _ executor.Executor = (*Executor)(nil)
