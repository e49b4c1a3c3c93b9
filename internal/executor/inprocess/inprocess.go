// Package inprocess implements executor.Executor by running the agent
// session directly inside the controller process against a locally cloned
// workspace.
package inprocess

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/forgeagent/controller/internal/agent"
	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/executor"
)

// Executor runs agent sessions in the controller's own process.
type Executor struct {
	Runner agent.SessionRunner
}

func New(runner agent.SessionRunner) *Executor {
	return &Executor{Runner: runner}
}

func (e *Executor) Execute(ctx context.Context, params executor.TaskParams) (executor.TaskResult, error) {
	if params.WorkingDirectory == "" {
		return nil, fmt.Errorf("in-process executor requires TaskParams.WorkingDirectory")
	}

	result, err := e.Runner.RunSession(ctx, params.SystemPrompt, params.UserPrompt, params.WorkingDirectory, params.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "agent session failed")
	}

	switch params.Kind {
	case events.KindMRReview:
		return executor.ReviewResult{SummaryText: result}, nil
	case events.KindMRCopilotCommand, events.KindJiraCoding:
		// A tool-using runner has already written its changes to disk in
		// the controller's own clone. A text-only runner (no filesystem
		// access of its own) instead embeds a fenced {"path","content"}
		// array in its result, which ApplyTextFileEdits materializes onto
		// the same clone. Either way the coding pipeline stages and
		// commits whatever ends up on disk, so no patch is carried here.
		if _, err := agent.ApplyTextFileEdits(params.WorkingDirectory, result); err != nil {
			return nil, errors.Wrap(err, "apply agent file edits")
		}
		return executor.CodingResult{SummaryText: result, PatchBytes: nil, BaseCommitSHA: ""}, nil
	default:
		return nil, fmt.Errorf("unsupported task kind %q", params.Kind)
	}
}

var _ executor.Executor = (*Executor)(nil)
