package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/forgeagent/controller/internal/apperr"
	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/executor"
	"github.com/forgeagent/controller/internal/forge"
	"github.com/forgeagent/controller/internal/gitutil"
	"github.com/forgeagent/controller/internal/instructions"
	"github.com/forgeagent/controller/internal/logging"
	"github.com/forgeagent/controller/internal/metrics"
	"github.com/forgeagent/controller/internal/store"
	"github.com/forgeagent/controller/internal/tracker"
)

// CodingPipeline turns an mr_copilot_command or jira_coding Event into a
// commit-and-push on a branch, and, for Jira-sourced work, a new merge
// request linked back from the issue.
type CodingPipeline struct {
	Forge    forge.Client
	Tracker  tracker.Client // nil when the tracker integration is disabled
	Store    store.Store
	Executor executor.Executor

	GitToken  string
	AllowHTTP bool

	LockTTL      time.Duration
	AgentTimeout time.Duration
	CloneDir     string

	AuthorName  string
	AuthorEmail string

	// InReviewStatus is the Jira transition target once a fix is pushed and
	// an MR is opened. Only consulted for jira_coding events.
	InReviewStatus string
}

func (p *CodingPipeline) lockTTL() time.Duration {
	if p.LockTTL > 0 {
		return p.LockTTL
	}
	return defaultLockTTL
}

func (p *CodingPipeline) agentTimeout() time.Duration {
	if p.AgentTimeout > 0 {
		return p.AgentTimeout
	}
	return defaultAgentTimeout
}

func (p *CodingPipeline) cloneDir() string {
	if p.CloneDir != "" {
		return p.CloneDir
	}
	return os.TempDir()
}

func (p *CodingPipeline) authorName() string {
	if p.AuthorName != "" {
		return p.AuthorName
	}
	return "copilot-agent"
}

func (p *CodingPipeline) authorEmail() string {
	if p.AuthorEmail != "" {
		return p.AuthorEmail
	}
	return "copilot-agent@users.noreply.gitlab.com"
}

func (p *CodingPipeline) inReviewStatus() string {
	if p.InReviewStatus != "" {
		return p.InReviewStatus
	}
	return "In Review"
}

// Run executes the coding pipeline for ev, which must be of kind
// events.KindMRCopilotCommand or events.KindJiraCoding. The repo lock is
// mandatory here: unlike the review pipeline, coding always mutates refs.
func (p *CodingPipeline) Run(ctx context.Context, ev *events.Event) error {
	log := logging.FromContext(ctx)
	start := time.Now()
	outcome := metrics.OutcomeError
	defer func() {
		metrics.CodingTasksTotal.WithLabelValues(outcome).Inc()
		metrics.CodingTasksDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	dedupKey := ev.DedupKey()
	if seen, err := p.Store.IsSeen(ctx, dedupKey); err != nil {
		return apperr.New(apperr.KindExternalUnavailable, err, "check coding dedup store")
	} else if seen {
		outcome = metrics.OutcomeDuplicate
		log.Debug("coding task already processed, skipping", "dedup_key", dedupKey)
		return nil
	}

	lease, err := p.Store.Acquire(ctx, store.LockKey(ev.RepoCloneURL), p.lockTTL())
	if err != nil {
		return apperr.New(apperr.KindTransient, err, "acquire repo lock")
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			log.Warn("failed to release repo lock", "error", err)
		}
	}()

	cloneDir, branch, taskProject, taskIIDOrKey, err := p.prepareClone(ctx, ev)
	if err != nil {
		p.postFailureNote(ctx, ev, err)
		return apperr.New(apperr.KindTransient, err, "prepare clone for coding task")
	}
	defer os.RemoveAll(cloneDir)

	userPrompt := codingUserPrompt(ev)
	if extra, err := instructions.Scan(cloneDir, 0); err != nil {
		log.Warn("failed to scan repository instruction files", "error", err)
	} else if extra != "" {
		userPrompt += "\n\n" + extra
	}

	taskID := executor.DeriveTaskID(ev.Kind, taskProject, taskIIDOrKey, ev.HeadSHA)
	params := executor.TaskParams{
		TaskID:           taskID,
		Kind:             ev.Kind,
		RepoCloneURL:     ev.RepoCloneURL,
		Branch:           branch,
		SystemPrompt:     codingSystemPrompt,
		UserPrompt:       userPrompt,
		Timeout:          p.agentTimeout(),
		WorkingDirectory: cloneDir,
	}

	result, err := p.Executor.Execute(ctx, params)
	if err != nil {
		p.postFailureNote(ctx, ev, err)
		return apperr.New(apperr.KindAgentTimeout, err, "execute coding task")
	}

	changed, err := p.applyResult(ctx, cloneDir, result)
	if err != nil {
		p.postFailureNote(ctx, ev, err)
		return err
	}
	if !changed {
		p.reportNoChanges(ctx, ev)
		p.markSeen(ctx, dedupKey)
		outcome = metrics.OutcomeNoChanges
		return nil
	}

	committed, err := gitutil.CommitAllStaged(ctx, cloneDir, commitMessage(ev), p.authorName(), p.authorEmail())
	if err != nil {
		wrapped := apperr.New(apperr.KindTransient, err, "commit staged changes")
		p.postFailureNote(ctx, ev, wrapped)
		return wrapped
	}
	if !committed {
		p.reportNoChanges(ctx, ev)
		p.markSeen(ctx, dedupKey)
		outcome = metrics.OutcomeNoChanges
		return nil
	}

	if err := gitutil.Push(ctx, cloneDir, ev.RepoCloneURL, branch, p.GitToken, p.AllowHTTP); err != nil {
		wrapped := apperr.New(apperr.KindTransient, err, "push branch")
		p.postFailureNote(ctx, ev, wrapped)
		return wrapped
	}

	if err := p.reportSuccess(ctx, ev, branch); err != nil {
		log.Error("failed to report coding task success", "error", err)
	}
	p.markSeen(ctx, dedupKey)

	outcome = metrics.OutcomeSuccess
	return nil
}

// markSeen records ev's dedup key on best-effort basis; a failure here only
// risks a redundant rerun on the next poll cycle or webhook retry, not
// correctness, so it is logged rather than propagated.
func (p *CodingPipeline) markSeen(ctx context.Context, dedupKey string) {
	if err := p.Store.MarkSeen(ctx, dedupKey, defaultDedupTTL); err != nil {
		logging.FromContext(ctx).Warn("failed to mark coding task seen", "error", err, "dedup_key", dedupKey)
	}
}

// prepareClone clones the repository at the correct starting point for ev's
// kind and, for Jira-sourced work, checks out the unique agent/{issue_key}
// branch.
func (p *CodingPipeline) prepareClone(ctx context.Context, ev *events.Event) (cloneDir, branch, taskProject, taskIIDOrKey string, err error) {
	switch ev.Kind {
	case events.KindMRCopilotCommand:
		cloneDir, err = gitutil.Clone(ctx, ev.RepoCloneURL, ev.MR.SourceBranch, p.GitToken, p.cloneDir(), p.AllowHTTP)
		if err != nil {
			return "", "", "", "", errors.Wrap(err, "clone merge request source branch")
		}
		return cloneDir, ev.MR.SourceBranch, strconv.Itoa(ev.ProjectID), strconv.Itoa(ev.MR.IID), nil

	case events.KindJiraCoding:
		cloneDir, err = gitutil.Clone(ctx, ev.RepoCloneURL, ev.TargetRef, p.GitToken, p.cloneDir(), p.AllowHTTP)
		if err != nil {
			return "", "", "", "", errors.Wrap(err, "clone target branch")
		}
		branch, err = gitutil.CheckoutNewUniqueBranch(ctx, cloneDir, "agent/"+ev.Jira.IssueKey)
		if err != nil {
			os.RemoveAll(cloneDir)
			return "", "", "", "", errors.Wrap(err, "checkout unique agent branch")
		}
		return cloneDir, branch, ev.Jira.IssueKey, "", nil

	default:
		return "", "", "", "", fmt.Errorf("coding pipeline cannot handle event kind %q", ev.Kind)
	}
}

// applyResult reconciles a coding task's result against the clone:
//   - EmptyCodingResult: nothing to do.
//   - CodingResult with patch_bytes: ApplyCodingResult; the base commit the
//     patch was captured against must still be the clone's HEAD, otherwise
//     someone pushed in between and the pipeline must abort rather than
//     silently create a merge conflict.
//   - CodingResult with no patch_bytes: the in-process executor already
//     wrote the agent's changes to this clone's working tree directly; stage
//     everything for the commit step.
func (p *CodingPipeline) applyResult(ctx context.Context, cloneDir string, result executor.TaskResult) (bool, error) {
	switch r := result.(type) {
	case executor.EmptyCodingResult:
		return false, nil

	case executor.CodingResult:
		if len(r.PatchBytes) == 0 {
			if err := gitutil.StageAllChanges(ctx, cloneDir); err != nil {
				return false, apperr.New(apperr.KindTransient, err, "stage in-process agent changes")
			}
			return true, nil
		}

		head, err := gitutil.HeadSha(ctx, cloneDir)
		if err != nil {
			return false, apperr.New(apperr.KindTransient, err, "read clone head sha")
		}
		if r.BaseCommitSHA != head {
			mismatch := fmt.Errorf("patch base commit %s does not match clone HEAD %s; repo moved since the worker captured its diff", r.BaseCommitSHA, head)
			return false, apperr.New(apperr.KindResultInvalid, mismatch, "")
		}
		if err := gitutil.ApplyPatch(ctx, cloneDir, r.PatchBytes); err != nil {
			return false, apperr.New(apperr.KindResultInvalid, err, "apply coding patch")
		}
		return true, nil

	default:
		return false, fmt.Errorf("unexpected task result kind %T for coding task", result)
	}
}

func commitMessage(ev *events.Event) string {
	switch ev.Kind {
	case events.KindMRCopilotCommand:
		return fmt.Sprintf("Apply /copilot command on !%d", ev.MR.IID)
	case events.KindJiraCoding:
		return fmt.Sprintf("%s: %s", ev.Jira.IssueKey, ev.Jira.Summary)
	default:
		return "agent commit"
	}
}

// reportNoChanges posts the "no changes needed" outcome to whichever
// originator triggered ev: an MR note for a /copilot command, a Jira comment
// for tracker-driven coding. The issue is deliberately left in its current
// status; an operator resets it if a retry is warranted.
func (p *CodingPipeline) reportNoChanges(ctx context.Context, ev *events.Event) {
	log := logging.FromContext(ctx)
	switch ev.Kind {
	case events.KindMRCopilotCommand:
		if err := p.Forge.CreateNote(ctx, strconv.Itoa(ev.ProjectID), ev.MR.IID, "no changes needed"); err != nil {
			log.Error("failed to post no-changes note", "error", err)
		}
	case events.KindJiraCoding:
		if p.Tracker == nil {
			log.Error("jira coding task produced no changes but no tracker client is configured")
			return
		}
		if err := p.Tracker.AddComment(ctx, ev.Jira.IssueKey, "no changes needed"); err != nil {
			log.Error("failed to post no-changes jira comment", "error", err)
		}
	}
}

// reportSuccess posts a success note on the MR, or for jira_coding events
// opens the merge request, comments on the issue with a link to it, and
// transitions the issue to the configured in-review status.
func (p *CodingPipeline) reportSuccess(ctx context.Context, ev *events.Event, branch string) error {
	switch ev.Kind {
	case events.KindMRCopilotCommand:
		return p.Forge.CreateNote(ctx, strconv.Itoa(ev.ProjectID), ev.MR.IID, "✅ Changes pushed")

	case events.KindJiraCoding:
		if p.Tracker == nil {
			return fmt.Errorf("jira coding task succeeded but no tracker client is configured")
		}
		project := strconv.Itoa(ev.ProjectID)
		title := fmt.Sprintf("%s: %s", ev.Jira.IssueKey, ev.Jira.Summary)
		iid, err := p.Forge.CreateMergeRequest(ctx, project, branch, ev.TargetRef, title, ev.Jira.Description)
		if err != nil {
			return errors.Wrap(err, "create merge request")
		}
		if err := p.Tracker.AddComment(ctx, ev.Jira.IssueKey, fmt.Sprintf("Opened merge request !%d", iid)); err != nil {
			return errors.Wrap(err, "add jira comment linking merge request")
		}
		if err := p.Tracker.TransitionIssue(ctx, ev.Jira.IssueKey, p.inReviewStatus()); err != nil {
			return errors.Wrap(err, "transition jira issue to in-review status")
		}
		return nil

	default:
		return nil
	}
}

// postFailureNote posts a best-effort failure note to whichever originator
// triggered ev. A secondary failure here is logged and swallowed, never
// propagated; cause is expected to already be scrubbed of credentials by
// the caller's apperr/gitutil error path.
func (p *CodingPipeline) postFailureNote(ctx context.Context, ev *events.Event, cause error) {
	log := logging.FromContext(ctx)
	msg := fmt.Sprintf("coding task failed: %s", gitutil.SanitizeError(cause).Error())
	switch ev.Kind {
	case events.KindMRCopilotCommand:
		if err := p.Forge.CreateNote(ctx, strconv.Itoa(ev.ProjectID), ev.MR.IID, msg); err != nil {
			log.Error("failed to post best-effort failure note", "error", err)
		}
	case events.KindJiraCoding:
		if p.Tracker == nil {
			return
		}
		if err := p.Tracker.AddComment(ctx, ev.Jira.IssueKey, msg); err != nil {
			log.Error("failed to post best-effort failure comment", "error", err)
		}
	}
}
