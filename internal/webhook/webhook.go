// Package webhook implements the controller's single inbound HTTP
// endpoint: shared-secret verification, payload parsing, event-kind
// routing (merge request / note), and project-allowlist enforcement. It
// normalizes accepted deliveries into events.Event and hands them to a
// Dispatcher for background-task pipeline execution; no pipeline work
// happens in the request path itself. Verification is constant-time shared-
// secret comparison against GitLab's plain X-Gitlab-Token header rather than
// an HMAC signature.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/metrics"
)

const (
	secretHeader = "X-Gitlab-Token"
	eventHeader  = "X-Gitlab-Event"

	eventKindMergeRequest = "Merge Request Hook"
	eventKindNote         = "Note Hook"

	actionOpen   = "open"
	actionUpdate = "update"

	noteableMergeRequest = "MergeRequest"

	// maxWebhookBodySize bounds the request body we will read, so a
	// misbehaving or malicious sender can't exhaust memory in the request
	// path (no pipeline work happens here regardless).
	maxWebhookBodySize = 1 << 20
)

// Dispatcher hands an accepted Event off for background pipeline execution.
// The webhook handler never waits on it: the HTTP response is written
// immediately after Dispatch is called.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event)
}

// DispatchFunc adapts a plain function to Dispatcher.
type DispatchFunc func(ctx context.Context, ev events.Event)

func (f DispatchFunc) Dispatch(ctx context.Context, ev events.Event) { f(ctx, ev) }

// Handler is the controller's single webhook endpoint.
type Handler struct {
	Secret        string
	CommandPrefix string
	AgentIdentity string
	Allowlist     map[string]struct{} // empty means every project is allowed
	Dispatch      Dispatcher
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(h.Secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, "ignored")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("read_body").Inc()
		writeJSON(w, http.StatusBadRequest, "ignored")
		return
	}

	var ev *events.Event
	var accepted bool
	switch r.Header.Get(eventHeader) {
	case eventKindMergeRequest:
		ev, accepted, err = decodeMergeRequest(body)
	case eventKindNote:
		ev, accepted, err = decodeNote(body, h.CommandPrefix, h.AgentIdentity)
	default:
		accepted = false
	}
	if err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("decode").Inc()
		writeJSON(w, http.StatusBadRequest, "ignored")
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, "ignored")
		return
	}
	if !allowed(h.Allowlist, ev.ProjectID) {
		writeJSON(w, http.StatusOK, "ignored")
		return
	}

	h.Dispatch.Dispatch(context.Background(), *ev)
	writeJSON(w, http.StatusOK, "queued")
}

func allowed(allowlist map[string]struct{}, projectID int) bool {
	if len(allowlist) == 0 {
		return true
	}
	_, ok := allowlist[strconv.Itoa(projectID)]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, statusField string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": statusField})
}

// decodeMergeRequest parses a "Merge Request Hook" body into an Event. Only
// {open, update} actions are accepted; an update that carries no oldrev is a
// metadata-only change (label/assignee edits) and is dropped. GitLab sends
// far more fields than the pipelines consume, so decoding is tolerant of
// unknown fields at every level; only malformed JSON is an error.
func decodeMergeRequest(body []byte) (*events.Event, bool, error) {
	var p mergeRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false, err
	}
	if p.ObjectKind != "merge_request" {
		return nil, false, nil
	}

	action := p.ObjectAttributes.Action
	switch action {
	case actionOpen:
	case actionUpdate:
		if p.ObjectAttributes.OldRev == "" {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}

	ev := &events.Event{
		Kind:           events.KindMRReview,
		ProjectID:      p.Project.ID,
		RepoCloneURL:   p.Project.GitHTTPURL,
		TargetRef:      p.ObjectAttributes.TargetBranch,
		HeadSHA:        p.ObjectAttributes.LastCommit.ID,
		AuthorIdentity: p.User.Username,
		MR: &events.MRPayload{
			IID:          p.ObjectAttributes.IID,
			Title:        p.ObjectAttributes.Title,
			Description:  p.ObjectAttributes.Description,
			SourceBranch: p.ObjectAttributes.SourceBranch,
			TargetBranch: p.ObjectAttributes.TargetBranch,
		},
	}
	return ev, true, nil
}

// decodeNote parses a "Note Hook" body into an Event. Only notes on a merge
// request whose body starts with commandPrefix are accepted; a note
// authored by the agent's own identity is dropped silently (loop break),
// matching against agentIdentity case-insensitively.
func decodeNote(body []byte, commandPrefix, agentIdentity string) (*events.Event, bool, error) {
	var p notePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false, err
	}
	if p.ObjectKind != "note" {
		return nil, false, nil
	}
	if p.ObjectAttributes.NoteableType != noteableMergeRequest {
		return nil, false, nil
	}
	if !strings.HasPrefix(p.ObjectAttributes.Note, commandPrefix) {
		return nil, false, nil
	}
	if agentIdentity != "" && strings.EqualFold(p.User.Username, agentIdentity) {
		return nil, false, nil
	}

	ev := &events.Event{
		Kind:           events.KindMRCopilotCommand,
		ProjectID:      p.Project.ID,
		RepoCloneURL:   p.Project.GitHTTPURL,
		TargetRef:      p.MergeRequest.TargetBranch,
		HeadSHA:        p.MergeRequest.LastCommit.ID,
		AuthorIdentity: p.User.Username,
		MR: &events.MRPayload{
			IID:          p.MergeRequest.IID,
			Title:        p.MergeRequest.Title,
			Description:  p.MergeRequest.Description,
			SourceBranch: p.MergeRequest.SourceBranch,
			TargetBranch: p.MergeRequest.TargetBranch,
			NoteBody:     p.ObjectAttributes.Note,
			NoteID:       p.ObjectAttributes.ID,
			NoteAuthor:   p.User.Username,
		},
	}
	return ev, true, nil
}
