// Package forge wraps the subset of the GitLab API this controller needs:
// reading merge request diff anchors and changes, listing open MRs and
// notes, and posting discussions/notes/new MRs. It's a narrow interface over
// the upstream GitLab SDK, built against GitLab's MR/discussion object
// model.
package forge

import (
	"context"
	"time"

	"github.com/pkg/errors"
	gl "gitlab.com/gitlab-org/api/client-go"
)

// DiffRefs anchors a merge request to a specific diff version. GitLab
// requires all three SHAs verbatim when creating an inline discussion.
type DiffRefs struct {
	BaseSHA  string
	StartSHA string
	HeadSHA  string
}

// Hunk is one contiguous run of added/context lines in a file's diff,
// expressed as new-file line numbers.
type Hunk struct {
	NewStart int
	NewLines int
}

// MRFileChange is one file touched by a merge request.
type MRFileChange struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// MRDetails is the subset of a merge request's metadata the pipelines need.
type MRDetails struct {
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	DiffRefs     DiffRefs
	Changes      []MRFileChange
}

// MRSummary is a row from a project's open-MR listing, carrying just enough
// for the poller to dedup and decide whether a full GetMRDetails call is
// warranted.
type MRSummary struct {
	IID       int
	UpdatedAt string
	HeadSHA   string
}

// Note is one comment on a merge request, from the standard "Notes" API
// (as opposed to a diff-anchored discussion).
type Note struct {
	ID        int
	Body      string
	Author    string
	CreatedAt string
}

// Position is the GitLab quintuple required to anchor a discussion to a
// specific (file, line) in a merge request's diff.
type Position struct {
	DiffRefs
	PositionType string // always "text" for line comments
	OldPath      string
	NewPath      string
	NewLine      int
}

// Client is the narrow surface this controller needs from GitLab's API.
type Client interface {
	GetMRDetails(ctx context.Context, project string, iid int) (*MRDetails, error)
	ListOpenMRs(ctx context.Context, project string, updatedAfter string) ([]MRSummary, error)
	ListMRNotes(ctx context.Context, project string, iid int, createdAfter string) ([]Note, error)
	CreateDiscussion(ctx context.Context, project string, iid int, position Position, body string) error
	CreateNote(ctx context.Context, project string, iid int, body string) error
	CreateMergeRequest(ctx context.Context, project, source, target, title, description string) (int, error)
}

type client struct {
	cl *gl.Client
}

// New constructs a Client authenticated against baseURL with token.
func New(baseURL, token string) (Client, error) {
	cl, err := gl.NewClient(token, gl.WithBaseURL(baseURL))
	if err != nil {
		return nil, errors.Wrap(err, "init gitlab client")
	}
	return &client{cl: cl}, nil
}

func (c *client) GetMRDetails(ctx context.Context, project string, iid int) (*MRDetails, error) {
	mr, _, err := c.cl.MergeRequests.GetMergeRequest(project, iid, nil, gl.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "get merge request %s!%d", project, iid)
	}

	changes, _, err := c.cl.MergeRequests.ListMergeRequestDiffs(project, iid, nil, gl.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "list merge request diffs %s!%d", project, iid)
	}

	details := &MRDetails{
		Title:        mr.Title,
		Description:  mr.Description,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
	}
	if mr.DiffRefs.BaseSha != "" || mr.DiffRefs.HeadSha != "" {
		details.DiffRefs = DiffRefs{
			BaseSHA:  mr.DiffRefs.BaseSha,
			StartSHA: mr.DiffRefs.StartSha,
			HeadSHA:  mr.DiffRefs.HeadSha,
		}
	}

	for _, d := range changes {
		if d.DeletedFile {
			continue
		}
		hunks, err := ParseHunks(d.Diff)
		if err != nil {
			// A file whose hunk header can't be parsed simply contributes
			// no valid positions; its comments degrade to summary notes.
			continue
		}
		details.Changes = append(details.Changes, MRFileChange{
			OldPath: d.OldPath,
			NewPath: d.NewPath,
			Hunks:   hunks,
		})
	}

	return details, nil
}

func (c *client) ListOpenMRs(ctx context.Context, project string, updatedAfter string) ([]MRSummary, error) {
	opts := &gl.ListProjectMergeRequestsOptions{
		State: gl.Ptr("opened"),
	}
	if updatedAfter != "" {
		t, err := time.Parse(time.RFC3339, updatedAfter)
		if err != nil {
			return nil, errors.Wrap(err, "parse updatedAfter")
		}
		opts.UpdatedAfter = gl.Ptr(t)
	}

	var out []MRSummary
	for {
		mrs, resp, err := c.cl.MergeRequests.ListProjectMergeRequests(project, opts, gl.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "list open merge requests for %s", project)
		}
		for _, mr := range mrs {
			out = append(out, MRSummary{
				IID:       mr.IID,
				UpdatedAt: formatRFC3339(mr.UpdatedAt),
				HeadSHA:   mr.SHA,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *client) ListMRNotes(ctx context.Context, project string, iid int, createdAfter string) ([]Note, error) {
	opts := &gl.ListMergeRequestNotesOptions{
		OrderBy: gl.Ptr("created_at"),
		Sort:    gl.Ptr("asc"),
	}

	var out []Note
	for {
		notes, resp, err := c.cl.Notes.ListMergeRequestNotes(project, iid, opts, gl.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "list notes for %s!%d", project, iid)
		}
		for _, n := range notes {
			createdAt := formatRFC3339(n.CreatedAt)
			if createdAfter != "" && createdAt <= createdAfter {
				continue
			}
			author := ""
			if n.Author.Username != "" {
				author = n.Author.Username
			}
			out = append(out, Note{ID: n.ID, Body: n.Body, Author: author, CreatedAt: createdAt})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *client) CreateDiscussion(ctx context.Context, project string, iid int, position Position, body string) error {
	opts := &gl.CreateMergeRequestDiscussionOptions{
		Body: gl.Ptr(body),
		Position: &gl.PositionOptions{
			BaseSHA:      gl.Ptr(position.BaseSHA),
			StartSHA:     gl.Ptr(position.StartSHA),
			HeadSHA:      gl.Ptr(position.HeadSHA),
			PositionType: gl.Ptr(position.PositionType),
			OldPath:      gl.Ptr(position.OldPath),
			NewPath:      gl.Ptr(position.NewPath),
			NewLine:      gl.Ptr(position.NewLine),
		},
	}
	_, _, err := c.cl.Discussions.CreateMergeRequestDiscussion(project, iid, opts, gl.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "create discussion on %s!%d", project, iid)
	}
	return nil
}

func (c *client) CreateNote(ctx context.Context, project string, iid int, body string) error {
	opts := &gl.CreateMergeRequestNoteOptions{Body: gl.Ptr(body)}
	_, _, err := c.cl.Notes.CreateMergeRequestNote(project, iid, opts, gl.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "create note on %s!%d", project, iid)
	}
	return nil
}

func (c *client) CreateMergeRequest(ctx context.Context, project, source, target, title, description string) (int, error) {
	opts := &gl.CreateMergeRequestOptions{
		SourceBranch: gl.Ptr(source),
		TargetBranch: gl.Ptr(target),
		Title:        gl.Ptr(title),
		Description:  gl.Ptr(description),
	}
	mr, _, err := c.cl.MergeRequests.CreateMergeRequest(project, opts, gl.WithContext(ctx))
	if err != nil {
		return 0, errors.Wrapf(err, "create merge request %s -> %s on %s", source, target, project)
	}
	return mr.IID, nil
}

var _ Client = (*client)(nil)

// formatRFC3339 renders a *time.Time as returned by the GitLab client,
// treating a nil pointer (a field GitLab omitted) as the empty string.
func formatRFC3339(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
