package pipeline

import (
	"fmt"

	"github.com/forgeagent/controller/internal/events"
)

const reviewSystemPrompt = `You are an automated code reviewer. Read the working directory and
produce a review of the changes on this branch relative to its target branch.
Respond with a fenced JSON code block containing an array of objects shaped
{"file","line","severity","comment","suggestion","suggestion_start_offset","suggestion_end_offset"},
followed by a short prose summary paragraph.`

const codingSystemPrompt = `You are an automated coding agent. Read the working directory, make the
minimal set of changes needed to satisfy the request below, and leave the
working tree in the state you want committed. Respond with a short prose
summary of what you changed.

If you have no direct filesystem access, instead respond with a fenced JSON
code block containing an array of {"path","content"} objects giving the full
contents of every file you want changed, followed by the prose summary.`

func reviewUserPrompt(ev *events.Event) string {
	return fmt.Sprintf("Review merge request !%d %q.\n\n%s", ev.MR.IID, ev.MR.Title, ev.MR.Description)
}

func codingUserPromptForMR(ev *events.Event) string {
	return fmt.Sprintf("Merge request !%d %q requested:\n\n%s", ev.MR.IID, ev.MR.Title, ev.MR.NoteBody)
}

func codingUserPromptForJira(ev *events.Event) string {
	return fmt.Sprintf("Jira issue %s %q:\n\n%s", ev.Jira.IssueKey, ev.Jira.Summary, ev.Jira.Description)
}

func codingUserPrompt(ev *events.Event) string {
	switch ev.Kind {
	case events.KindMRCopilotCommand:
		return codingUserPromptForMR(ev)
	case events.KindJiraCoding:
		return codingUserPromptForJira(ev)
	default:
		return ""
	}
}
