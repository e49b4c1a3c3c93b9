// Package events defines the normalized Event shape that both the webhook
// receiver and the pollers emit, so every downstream pipeline consumes a
// single representation regardless of how the work was discovered.
package events

import "strconv"

// Kind discriminates the normalized event payloads.
type Kind string

const (
	KindMRReview         Kind = "mr_review"
	KindMRCopilotCommand Kind = "mr_copilot_command"
	KindJiraCoding       Kind = "jira_coding"
)

// MRPayload carries the merge-request-specific fields for mr_review and
// mr_copilot_command events.
type MRPayload struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	NoteBody     string `json:"note_body,omitempty"`
	NoteID       int64  `json:"note_id,omitempty"`
	NoteAuthor   string `json:"note_author,omitempty"`
}

// JiraPayload carries the issue-specific fields for jira_coding events.
type JiraPayload struct {
	IssueKey    string `json:"issue_key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

// Event is the normalized, discriminated representation of either a webhook
// arrival or a poller-discovered work item.
type Event struct {
	Kind           Kind   `json:"kind"`
	ProjectID      int    `json:"project_id"`
	RepoCloneURL   string `json:"repo_clone_url"`
	TargetRef      string `json:"target_ref"`
	HeadSHA        string `json:"head_sha,omitempty"`
	AuthorIdentity string `json:"author_identity,omitempty"`

	MR   *MRPayload   `json:"mr,omitempty"`
	Jira *JiraPayload `json:"jira,omitempty"`
}

// DedupKey returns the canonical dedup-store key for this event, using the
// review:/note:/jira: key schemes matched by store.ReviewDedupKey and
// store.NoteDedupKey.
func (e *Event) DedupKey() string {
	switch e.Kind {
	case KindMRReview:
		return "review:" + projectStr(e.ProjectID) + ":" + iidStr(e.MR) + ":" + e.HeadSHA
	case KindMRCopilotCommand:
		return "note:" + projectStr(e.ProjectID) + ":" + iidStr(e.MR) + ":" + noteIDStr(e.MR)
	case KindJiraCoding:
		return "jira:" + e.Jira.IssueKey
	default:
		return ""
	}
}

func projectStr(id int) string { return strconv.Itoa(id) }
func iidStr(mr *MRPayload) string {
	if mr == nil {
		return ""
	}
	return strconv.Itoa(mr.IID)
}
func noteIDStr(mr *MRPayload) string {
	if mr == nil {
		return ""
	}
	return strconv.FormatInt(mr.NoteID, 10)
}
