package events

import "testing"

func TestDedupKey_MRReview(t *testing.T) {
	ev := Event{
		Kind:      KindMRReview,
		ProjectID: 7,
		HeadSHA:   "abc123",
		MR:        &MRPayload{IID: 42},
	}
	want := "review:7:42:abc123"
	if got := ev.DedupKey(); got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}
}

func TestDedupKey_MRCopilotCommand(t *testing.T) {
	ev := Event{
		Kind:      KindMRCopilotCommand,
		ProjectID: 7,
		MR:        &MRPayload{IID: 42, NoteID: 999},
	}
	want := "note:7:42:999"
	if got := ev.DedupKey(); got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}
}

func TestDedupKey_JiraCoding(t *testing.T) {
	ev := Event{
		Kind: KindJiraCoding,
		Jira: &JiraPayload{IssueKey: "PROJ-123"},
	}
	want := "jira:PROJ-123"
	if got := ev.DedupKey(); got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}
}

func TestDedupKey_UnknownKindReturnsEmpty(t *testing.T) {
	ev := Event{Kind: Kind("bogus")}
	if got := ev.DedupKey(); got != "" {
		t.Errorf("DedupKey() = %q, want empty", got)
	}
}

func TestDedupKey_NilMRPayloadDoesNotPanic(t *testing.T) {
	ev := Event{Kind: KindMRReview, ProjectID: 1}
	if got := ev.DedupKey(); got != "review:1::" {
		t.Errorf("DedupKey() = %q, want %q", got, "review:1::")
	}
}

func TestDedupKey_DistinguishesNotesOnSameMR(t *testing.T) {
	base := Event{Kind: KindMRCopilotCommand, ProjectID: 1, MR: &MRPayload{IID: 5}}
	first := base
	first.MR = &MRPayload{IID: 5, NoteID: 1}
	second := base
	second.MR = &MRPayload{IID: 5, NoteID: 2}

	if first.DedupKey() == second.DedupKey() {
		t.Errorf("expected distinct dedup keys for different note IDs, got %q for both", first.DedupKey())
	}
}
