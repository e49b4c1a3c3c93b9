// Package poller implements the cooperative background polling fallback for
// both the GitLab forge (open merge requests and their notes) and the Jira
// tracker (issues sitting in the configured trigger status). Pollers exist
// for the cases webhooks miss entirely: a delivery dropped by a flaky
// network, a webhook secret rotated out of sync, or a controller restart
// that lost in-flight webhook deliveries. Each poller runs its own
// independent per-source cycle and feeds the same pipeline.Run entrypoints
// the webhook handler uses.
package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/forge"
	"github.com/forgeagent/controller/internal/logging"
	"github.com/forgeagent/controller/internal/metrics"
	"github.com/forgeagent/controller/internal/store"
	"github.com/forgeagent/controller/internal/tracker"
)

// Status is a point-in-time snapshot of a poller's health, safe to read
// from a goroutine other than the one running Run.
type Status struct {
	Running  bool
	Failures int
	Cursor   time.Time
}

// PipelineRunner is the narrow surface pollers need from a pipeline; both
// pipeline.ReviewPipeline and pipeline.CodingPipeline satisfy it.
type PipelineRunner interface {
	Run(ctx context.Context, ev *events.Event) error
}

// Project is one repository the ForgePoller watches.
type Project struct {
	ID       string
	CloneURL string
}

const maxBackoffShift = 10 // caps the 2^failures growth before the MaxBackoff clamp even applies

// ForgePoller lists open merge requests and their notes across a fixed set
// of projects, turning unseen ones into mr_review / mr_copilot_command
// events. It never advances its cursor past a cycle that errored, so a
// transient GitLab outage cannot cause events to be silently skipped.
type ForgePoller struct {
	Forge         forge.Client
	Store         store.Store
	Review        PipelineRunner
	Coding        PipelineRunner
	Projects      []Project
	CommandPrefix string
	AgentIdentity string

	Interval   time.Duration
	Lookback   time.Duration
	MaxBackoff time.Duration

	mu       sync.Mutex
	running  bool
	failures int
	cursor   time.Time
}

// Status reports the poller's current running state, consecutive failure
// count and read watermark. Safe to call concurrently with Run.
func (p *ForgePoller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Running: p.running, Failures: p.failures, Cursor: p.cursor}
}

// Run blocks, running poll cycles at Interval (backed off on failure) until
// ctx is cancelled.
func (p *ForgePoller) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	p.mu.Lock()
	if p.cursor.IsZero() {
		p.cursor = time.Now().UTC().Add(-p.lookback())
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		wait := p.runCycle(ctx)
		select {
		case <-ctx.Done():
			log.Info("forge poller stopping")
			return
		case <-time.After(wait):
		}
	}
}

func (p *ForgePoller) lookback() time.Duration {
	if p.Lookback > 0 {
		return p.Lookback
	}
	return time.Hour
}

func (p *ForgePoller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return 30 * time.Second
}

func (p *ForgePoller) maxBackoff() time.Duration {
	if p.MaxBackoff > 0 {
		return p.MaxBackoff
	}
	return 5 * time.Minute
}

// runCycle polls every configured project once and returns how long the
// caller should sleep before the next cycle.
func (p *ForgePoller) runCycle(ctx context.Context) time.Duration {
	log := logging.FromContext(ctx)
	pollStart := time.Now().UTC()
	p.mu.Lock()
	cursorTime := p.cursor
	p.mu.Unlock()
	cursor := cursorTime.Format(time.RFC3339)

	var cycleErr error
	for _, proj := range p.Projects {
		if err := p.pollProject(ctx, proj, cursor); err != nil {
			log.Error("forge poll cycle failed for project", "project", proj.ID, "error", err)
			cycleErr = err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cycleErr != nil {
		metrics.PollerCycleFailuresTotal.WithLabelValues("gitlab").Inc()
		p.failures++
		return backoff(p.interval(), p.failures, p.maxBackoff())
	}

	p.failures = 0
	p.cursor = pollStart
	return p.interval()
}

func (p *ForgePoller) pollProject(ctx context.Context, proj Project, cursor string) error {
	mrs, err := p.Forge.ListOpenMRs(ctx, proj.ID, cursor)
	if err != nil {
		return fmt.Errorf("list open merge requests for project %s: %w", proj.ID, err)
	}

	for _, mr := range mrs {
		if err := p.maybeReview(ctx, proj, mr); err != nil {
			return err
		}
		if err := p.maybeCoding(ctx, proj, mr, cursor); err != nil {
			return err
		}
	}
	return nil
}

func (p *ForgePoller) maybeReview(ctx context.Context, proj Project, mr forge.MRSummary) error {
	log := logging.FromContext(ctx)
	dedupKey := store.ReviewDedupKey(proj.ID, strconv.Itoa(mr.IID), mr.HeadSHA)
	seen, err := p.Store.IsSeen(ctx, dedupKey)
	if err != nil {
		return fmt.Errorf("check review dedup for %s!%d: %w", proj.ID, mr.IID, err)
	}
	if seen {
		return nil
	}

	details, err := p.Forge.GetMRDetails(ctx, proj.ID, mr.IID)
	if err != nil {
		return fmt.Errorf("get merge request details for %s!%d: %w", proj.ID, mr.IID, err)
	}

	ev := buildMREvent(events.KindMRReview, proj, mr, details)
	if err := p.Review.Run(ctx, ev); err != nil {
		log.Error("poller-driven review pipeline failed", "project", proj.ID, "iid", mr.IID, "error", err)
	}
	return nil
}

func (p *ForgePoller) maybeCoding(ctx context.Context, proj Project, mr forge.MRSummary, cursor string) error {
	log := logging.FromContext(ctx)
	notes, err := p.Forge.ListMRNotes(ctx, proj.ID, mr.IID, cursor)
	if err != nil {
		return fmt.Errorf("list notes for %s!%d: %w", proj.ID, mr.IID, err)
	}

	for _, n := range notes {
		if !strings.HasPrefix(n.Body, p.CommandPrefix) {
			continue
		}
		if p.AgentIdentity != "" && strings.EqualFold(n.Author, p.AgentIdentity) {
			continue
		}

		dedupKey := store.NoteDedupKey(proj.ID, strconv.Itoa(mr.IID), strconv.Itoa(n.ID))
		seen, err := p.Store.IsSeen(ctx, dedupKey)
		if err != nil {
			return fmt.Errorf("check note dedup for %s!%d note %d: %w", proj.ID, mr.IID, n.ID, err)
		}
		if seen {
			continue
		}

		details, err := p.Forge.GetMRDetails(ctx, proj.ID, mr.IID)
		if err != nil {
			return fmt.Errorf("get merge request details for %s!%d: %w", proj.ID, mr.IID, err)
		}

		ev := buildMREvent(events.KindMRCopilotCommand, proj, mr, details)
		ev.MR.NoteBody = n.Body
		ev.MR.NoteID = int64(n.ID)
		ev.MR.NoteAuthor = n.Author

		if err := p.Coding.Run(ctx, ev); err != nil {
			log.Error("poller-driven coding pipeline failed", "project", proj.ID, "iid", mr.IID, "note_id", n.ID, "error", err)
		}
	}
	return nil
}

func buildMREvent(kind events.Kind, proj Project, mr forge.MRSummary, details *forge.MRDetails) *events.Event {
	projectID, _ := strconv.Atoi(proj.ID)
	return &events.Event{
		Kind:         kind,
		ProjectID:    projectID,
		RepoCloneURL: proj.CloneURL,
		TargetRef:    details.TargetBranch,
		HeadSHA:      mr.HeadSHA,
		MR: &events.MRPayload{
			IID:          mr.IID,
			Title:        details.Title,
			Description:  details.Description,
			SourceBranch: details.SourceBranch,
			TargetBranch: details.TargetBranch,
		},
	}
}

// TrackerPoller lists issues sitting in the configured trigger status across
// a fixed set of Jira project keys and turns unseen ones into jira_coding
// events, all routed against a single GitLab repository (one tracker
// integration automates exactly one codebase).
type TrackerPoller struct {
	Tracker tracker.Client
	Store   store.Store
	Coding  PipelineRunner

	ProjectKeys      []string
	TriggerStatus    string
	InProgressStatus string
	GitLabProjectID  int
	GitLabCloneURL   string
	TargetBranch     string

	Interval   time.Duration
	MaxBackoff time.Duration

	mu       sync.Mutex
	running  bool
	failures int
}

func (p *TrackerPoller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return 30 * time.Second
}

func (p *TrackerPoller) maxBackoff() time.Duration {
	if p.MaxBackoff > 0 {
		return p.MaxBackoff
	}
	return 5 * time.Minute
}

// Status reports the poller's current running state and consecutive
// failure count. Safe to call concurrently with Run. The tracker poller has
// no cursor: every cycle re-runs the full trigger-status search.
func (p *TrackerPoller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Running: p.running, Failures: p.failures}
}

// Run blocks, running poll cycles until ctx is cancelled.
func (p *TrackerPoller) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		wait := p.runCycle(ctx)
		select {
		case <-ctx.Done():
			log.Info("tracker poller stopping")
			return
		case <-time.After(wait):
		}
	}
}

func (p *TrackerPoller) runCycle(ctx context.Context) time.Duration {
	log := logging.FromContext(ctx)
	issues, err := p.Tracker.SearchByStatus(ctx, p.jql())
	if err != nil {
		log.Error("tracker poll cycle failed", "error", err)
		metrics.PollerCycleFailuresTotal.WithLabelValues("jira").Inc()
		p.mu.Lock()
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		return backoff(p.interval(), failures, p.maxBackoff())
	}

	for _, issue := range issues {
		if err := p.maybeCoding(ctx, issue); err != nil {
			log.Error("poller-driven jira coding pipeline failed", "issue", issue.Key, "error", err)
		}
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
	return p.interval()
}

func (p *TrackerPoller) jql() string {
	keys := make([]string, len(p.ProjectKeys))
	for i, k := range p.ProjectKeys {
		keys[i] = fmt.Sprintf("%q", k)
	}
	return fmt.Sprintf("project in (%s) AND status = %q ORDER BY created ASC", strings.Join(keys, ", "), p.TriggerStatus)
}

func (p *TrackerPoller) maybeCoding(ctx context.Context, issue tracker.Issue) error {
	dedupKey := "jira:" + issue.Key
	seen, err := p.Store.IsSeen(ctx, dedupKey)
	if err != nil {
		return fmt.Errorf("check jira dedup for %s: %w", issue.Key, err)
	}
	if seen {
		return nil
	}

	// Pick the issue up: once it leaves the trigger status it cannot be
	// re-listed, so a restart never re-runs it.
	if p.InProgressStatus != "" {
		if err := p.Tracker.TransitionIssue(ctx, issue.Key, p.InProgressStatus); err != nil {
			return fmt.Errorf("transition %s to %q: %w", issue.Key, p.InProgressStatus, err)
		}
	}

	ev := &events.Event{
		Kind:         events.KindJiraCoding,
		ProjectID:    p.GitLabProjectID,
		RepoCloneURL: p.GitLabCloneURL,
		TargetRef:    p.TargetBranch,
		Jira: &events.JiraPayload{
			IssueKey:    issue.Key,
			Summary:     issue.Summary,
			Description: issue.Description,
		},
	}
	return p.Coding.Run(ctx, ev)
}

// backoff returns base * 2^failures, clamped to max.
func backoff(base time.Duration, failures int, max time.Duration) time.Duration {
	shift := failures
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := base << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}
