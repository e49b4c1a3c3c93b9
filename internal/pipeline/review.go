// Package pipeline implements the two flows that turn a normalized Event
// into durable side effects against the forge and the issue tracker: the
// review pipeline (inline discussions + a summary note) and the coding
// pipeline (a committed, pushed branch and, for Jira-sourced work, a new
// merge request). Both follow the same shape: acquire state, call out,
// reconcile, mark seen.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/forgeagent/controller/internal/apperr"
	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/executor"
	"github.com/forgeagent/controller/internal/forge"
	"github.com/forgeagent/controller/internal/gitutil"
	"github.com/forgeagent/controller/internal/instructions"
	"github.com/forgeagent/controller/internal/logging"
	"github.com/forgeagent/controller/internal/metrics"
	"github.com/forgeagent/controller/internal/review"
	"github.com/forgeagent/controller/internal/store"
)

const (
	defaultLockTTL      = 300 * time.Second
	defaultDedupTTL     = 24 * time.Hour
	defaultAgentTimeout = 300 * time.Second
)

// ReviewPipeline turns an mr_review Event into inline discussions plus a
// summary note on the merge request.
type ReviewPipeline struct {
	Forge     forge.Client
	Store     store.Store
	Executor  executor.Executor
	GitToken  string
	AllowHTTP bool

	LockTTL      time.Duration
	DedupTTL     time.Duration
	AgentTimeout time.Duration
	CloneDir     string
}

func (p *ReviewPipeline) lockTTL() time.Duration {
	if p.LockTTL > 0 {
		return p.LockTTL
	}
	return defaultLockTTL
}

func (p *ReviewPipeline) dedupTTL() time.Duration {
	if p.DedupTTL > 0 {
		return p.DedupTTL
	}
	return defaultDedupTTL
}

func (p *ReviewPipeline) agentTimeout() time.Duration {
	if p.AgentTimeout > 0 {
		return p.AgentTimeout
	}
	return defaultAgentTimeout
}

func (p *ReviewPipeline) cloneDir() string {
	if p.CloneDir != "" {
		return p.CloneDir
	}
	return os.TempDir()
}

// Run executes the review pipeline for ev, which must be of kind
// events.KindMRReview. The "already reviewed" check happens against the
// shared dedup store before any lock is taken or any clone made, so a
// duplicate webhook delivery never pays for a wasted clone.
func (p *ReviewPipeline) Run(ctx context.Context, ev *events.Event) error {
	log := logging.FromContext(ctx)
	start := time.Now()
	outcome := metrics.OutcomeError
	defer func() {
		metrics.ReviewsTotal.WithLabelValues(outcome).Inc()
		metrics.ReviewsDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	dedupKey := ev.DedupKey()
	if seen, err := p.Store.IsSeen(ctx, dedupKey); err != nil {
		return apperr.New(apperr.KindExternalUnavailable, err, "check review dedup store")
	} else if seen {
		outcome = metrics.OutcomeDuplicate
		log.Debug("review already posted, skipping", "dedup_key", dedupKey)
		return nil
	}

	project := strconv.Itoa(ev.ProjectID)
	lease, err := p.Store.Acquire(ctx, store.LockKey(ev.RepoCloneURL), p.lockTTL())
	if err != nil {
		return apperr.New(apperr.KindTransient, err, "acquire repo lock")
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			log.Warn("failed to release repo lock", "error", err)
		}
	}()

	cloneDir, err := gitutil.Clone(ctx, ev.RepoCloneURL, ev.MR.SourceBranch, p.GitToken, p.cloneDir(), p.AllowHTTP)
	if err != nil {
		p.postFailureNote(ctx, project, ev.MR.IID, "review failed", err)
		return apperr.New(apperr.KindTransient, err, "clone repo for review")
	}
	defer os.RemoveAll(cloneDir)

	userPrompt := reviewUserPrompt(ev)
	if extra, err := instructions.Scan(cloneDir, 0); err != nil {
		log.Warn("failed to scan repository instruction files", "error", err)
	} else if extra != "" {
		userPrompt += "\n\n" + extra
	}

	taskID := executor.DeriveTaskID(events.KindMRReview, project, strconv.Itoa(ev.MR.IID), ev.HeadSHA)
	params := executor.TaskParams{
		TaskID:           taskID,
		Kind:             events.KindMRReview,
		RepoCloneURL:     ev.RepoCloneURL,
		Branch:           ev.MR.SourceBranch,
		SystemPrompt:     reviewSystemPrompt,
		UserPrompt:       userPrompt,
		Timeout:          p.agentTimeout(),
		WorkingDirectory: cloneDir,
	}

	result, err := p.Executor.Execute(ctx, params)
	if err != nil {
		p.postFailureNote(ctx, project, ev.MR.IID, "review failed", err)
		return apperr.New(apperr.KindAgentTimeout, err, "execute review task")
	}
	reviewResult, ok := result.(executor.ReviewResult)
	if !ok {
		err := fmt.Errorf("executor returned %T for a review task", result)
		p.postFailureNote(ctx, project, ev.MR.IID, "review failed", err)
		return apperr.New(apperr.KindResultInvalid, err, "unexpected review result type")
	}

	parsed := review.Parse(reviewResult.SummaryText)

	details, err := p.Forge.GetMRDetails(ctx, project, ev.MR.IID)
	if err != nil {
		p.postFailureNote(ctx, project, ev.MR.IID, "review failed", err)
		return apperr.New(apperr.KindExternalUnavailable, err, "fetch merge request details")
	}

	for _, c := range parsed.Comments {
		p.postComment(ctx, project, ev.MR.IID, details, c)
	}

	if parsed.SummaryParagraph != "" {
		if err := p.Forge.CreateNote(ctx, project, ev.MR.IID, parsed.SummaryParagraph); err != nil {
			log.Error("failed to post review summary note", "error", err)
		}
	}

	if err := p.Store.MarkSeen(ctx, dedupKey, p.dedupTTL()); err != nil {
		log.Error("failed to mark review as seen", "error", err)
	}

	outcome = metrics.OutcomeSuccess
	return nil
}

// postComment posts one parsed comment as either an inline discussion (when
// its (file, line) is a valid position in the MR's diff) or a general note
// prefixed with "file:line — " (when it is not). Position validity failures
// never fail the whole review.
func (p *ReviewPipeline) postComment(ctx context.Context, project string, iid int, details *forge.MRDetails, c review.Comment) {
	log := logging.FromContext(ctx)
	change, valid := forge.ValidPosition(details.Changes, c.FilePath, c.Line)
	if !valid {
		body := fmt.Sprintf("%s:%d — %s", c.FilePath, c.Line, c.Body)
		if err := p.Forge.CreateNote(ctx, project, iid, body); err != nil {
			log.Error("failed to post fallback review note", "error", err, "file", c.FilePath, "line", c.Line)
		}
		return
	}

	position := forge.Position{
		DiffRefs:     details.DiffRefs,
		PositionType: "text",
		OldPath:      change.OldPath,
		NewPath:      change.NewPath,
		NewLine:      c.Line,
	}
	body := renderCommentBody(c)
	if err := p.Forge.CreateDiscussion(ctx, project, iid, position, body); err != nil {
		log.Error("failed to post inline discussion", "error", err, "file", c.FilePath, "line", c.Line)
	}
}

func renderCommentBody(c review.Comment) string {
	body := fmt.Sprintf("[%s] %s", severityLabel(c.Severity), c.Body)
	if block := review.RenderSuggestionBlock(c.Replacement); block != "" {
		body += "\n\n" + block
	}
	return body
}

func severityLabel(s review.Severity) string {
	switch s {
	case review.SeverityError:
		return "ERROR"
	case review.SeverityInfo:
		return "INFO"
	default:
		return "WARNING"
	}
}

func (p *ReviewPipeline) postFailureNote(ctx context.Context, project string, iid int, reason string, cause error) {
	log := logging.FromContext(ctx)
	msg := fmt.Sprintf("%s: %s", reason, gitutil.SanitizeError(cause).Error())
	if err := p.Forge.CreateNote(ctx, project, iid, msg); err != nil {
		log.Error("failed to post best-effort failure note", "error", err)
	}
}
