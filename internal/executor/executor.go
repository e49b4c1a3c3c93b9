// Package executor defines the uniform task-executor contract and the
// TaskParams/TaskResult data model shared by the in-process and
// isolated-worker implementations.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeagent/controller/internal/events"
)

// TaskParams is the immutable description of a unit of agent work.
type TaskParams struct {
	TaskID           string        `json:"task_id"`
	Kind             events.Kind   `json:"kind"`
	RepoCloneURL     string        `json:"repo_clone_url"`
	Branch           string        `json:"branch"`
	SystemPrompt     string        `json:"system_prompt"`
	UserPrompt       string        `json:"user_prompt"`
	Timeout          time.Duration `json:"timeout"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
}

// DeriveTaskID computes the stable task_id hash from kind|project|iid_or_key|head_sha.
func DeriveTaskID(kind events.Kind, projectOrKey, iidOrEmpty, headSHA string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", kind, projectOrKey, iidOrEmpty, headSHA)))
	return hex.EncodeToString(sum[:])
}

// TaskResult is the tagged union of possible agent outcomes.
type TaskResult interface {
	Kind() string
}

// ReviewResult is produced for mr_review tasks.
type ReviewResult struct {
	SummaryText string `json:"summary_text"`
}

func (ReviewResult) Kind() string { return "review" }

// CodingResult is produced for mr_copilot_command/jira_coding tasks that
// changed files. PatchBytes is a binary-safe unified diff captured against
// BaseCommitSHA.
type CodingResult struct {
	SummaryText   string `json:"summary_text"`
	PatchBytes    []byte `json:"patch_bytes,omitempty"`
	BaseCommitSHA string `json:"base_commit_sha,omitempty"`
}

func (CodingResult) Kind() string { return "coding" }

// EmptyCodingResult is produced for coding tasks that made no changes.
type EmptyCodingResult struct {
	SummaryText string `json:"summary_text"`
}

func (EmptyCodingResult) Kind() string { return "empty_coding" }

// resultEnvelope is the JSON wire shape used to serialize/deserialize the
// TaskResult union through the shared store.
type resultEnvelope struct {
	Kind          string `json:"kind"`
	SummaryText   string `json:"summary_text"`
	PatchBytes    []byte `json:"patch_bytes,omitempty"`
	BaseCommitSHA string `json:"base_commit_sha,omitempty"`
}

// MarshalResult encodes a TaskResult for storage in the shared store.
func MarshalResult(r TaskResult) ([]byte, error) {
	env := resultEnvelope{Kind: r.Kind()}
	switch v := r.(type) {
	case ReviewResult:
		env.SummaryText = v.SummaryText
	case CodingResult:
		env.SummaryText = v.SummaryText
		env.PatchBytes = v.PatchBytes
		env.BaseCommitSHA = v.BaseCommitSHA
	case EmptyCodingResult:
		env.SummaryText = v.SummaryText
	default:
		return nil, fmt.Errorf("unknown TaskResult implementation %T", r)
	}
	return json.Marshal(env)
}

// UnmarshalResult decodes a TaskResult previously written by MarshalResult.
func UnmarshalResult(data []byte) (TaskResult, error) {
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode task result envelope: %w", err)
	}
	switch env.Kind {
	case "review":
		return ReviewResult{SummaryText: env.SummaryText}, nil
	case "coding":
		return CodingResult{SummaryText: env.SummaryText, PatchBytes: env.PatchBytes, BaseCommitSHA: env.BaseCommitSHA}, nil
	case "empty_coding":
		return EmptyCodingResult{SummaryText: env.SummaryText}, nil
	default:
		return nil, fmt.Errorf("unknown task result kind %q", env.Kind)
	}
}

// Executor is the uniform task-execution contract.
type Executor interface {
	Execute(ctx context.Context, params TaskParams) (TaskResult, error)
}
