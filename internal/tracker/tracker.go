// Package tracker is a hand-rolled client against the Jira Cloud REST API
// v3, built directly on net/http since no actively maintained Jira Go SDK
// covers the REST paths and Atlassian Document Format comment bodies this
// package needs.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Issue is the subset of a Jira issue's fields the coding pipeline needs.
type Issue struct {
	Key         string
	Summary     string
	Description string
	Status      string
}

// Client is the narrow surface this controller needs from Jira.
type Client interface {
	SearchByStatus(ctx context.Context, jql string) ([]Issue, error)
	TransitionIssue(ctx context.Context, key, statusName string) error
	AddComment(ctx context.Context, key, text string) error
}

type client struct {
	baseURL string
	email   string
	token   string
	http    *http.Client
}

// New constructs a Client authenticated against an Atlassian Cloud site via
// email + API token basic auth.
func New(baseURL, email, token string) Client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		token:   token,
		http:    &http.Client{},
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "jira request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("jira %s %s: HTTP %d: %s", method, path, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode jira response")
	}
	return nil
}

type searchResult struct {
	StartAt    int `json:"startAt"`
	MaxResults int `json:"maxResults"`
	Total      int `json:"total"`
	Issues     []struct {
		Key    string `json:"key"`
		Fields struct {
			Summary     string `json:"summary"`
			Description any    `json:"description"`
			Status      struct {
				Name string `json:"name"`
			} `json:"status"`
		} `json:"fields"`
	} `json:"issues"`
}

// SearchByStatus returns every issue matching the given JQL, auto-paginating
// via startAt/maxResults.
func (c *client) SearchByStatus(ctx context.Context, jql string) ([]Issue, error) {
	const pageSize = 50
	var out []Issue
	startAt := 0
	for {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("startAt", fmt.Sprintf("%d", startAt))
		q.Set("maxResults", fmt.Sprintf("%d", pageSize))
		q.Set("fields", "summary,description,status")

		var res searchResult
		if err := c.do(ctx, http.MethodGet, "/rest/api/3/search?"+q.Encode(), nil, &res); err != nil {
			return nil, errors.Wrap(err, "search issues")
		}
		for _, i := range res.Issues {
			out = append(out, Issue{
				Key:         i.Key,
				Summary:     i.Fields.Summary,
				Description: adfToPlainText(i.Fields.Description),
				Status:      i.Fields.Status.Name,
			})
		}
		startAt += len(res.Issues)
		if len(res.Issues) == 0 || startAt >= res.Total {
			break
		}
	}
	return out, nil
}

type transitionsResponse struct {
	Transitions []struct {
		ID string `json:"id"`
		To struct {
			Name string `json:"name"`
		} `json:"to"`
	} `json:"transitions"`
}

// TransitionIssue looks up the transition id whose target status matches
// statusName, then posts it. Jira's transitions are keyed by id, not name,
// so this is always a two-step lookup-then-post.
func (c *client) TransitionIssue(ctx context.Context, key, statusName string) error {
	var res transitionsResponse
	path := fmt.Sprintf("/rest/api/3/issue/%s/transitions", url.PathEscape(key))
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return errors.Wrap(err, "list transitions")
	}

	var transitionID string
	for _, t := range res.Transitions {
		if strings.EqualFold(t.To.Name, statusName) {
			transitionID = t.ID
			break
		}
	}
	if transitionID == "" {
		return fmt.Errorf("no transition to status %q available for issue %s", statusName, key)
	}

	payload := map[string]any{
		"transition": map[string]string{"id": transitionID},
	}
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return errors.Wrapf(err, "post transition to %q", statusName)
	}
	return nil
}

// AddComment posts a plain-text comment, wrapped in the minimal Atlassian
// Document Format paragraph Jira Cloud's v3 API requires.
func (c *client) AddComment(ctx context.Context, key, text string) error {
	payload := map[string]any{
		"body": map[string]any{
			"type":    "doc",
			"version": 1,
			"content": []any{
				map[string]any{
					"type": "paragraph",
					"content": []any{
						map[string]any{"type": "text", "text": text},
					},
				},
			},
		},
	}
	path := fmt.Sprintf("/rest/api/3/issue/%s/comment", url.PathEscape(key))
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return errors.Wrap(err, "add comment")
	}
	return nil
}

// adfToPlainText extracts the plain-text content of an Atlassian Document
// Format node tree. Only the shapes the coding pipeline's prompt needs
// (paragraphs and text runs) are rendered; unrecognized nodes are skipped
// rather than erroring, since the field is supplementary prompt context.
func adfToPlainText(doc any) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	walkADF(m, &sb)
	return strings.TrimSpace(sb.String())
}

func walkADF(node map[string]any, sb *strings.Builder) {
	if t, _ := node["type"].(string); t == "text" {
		if text, _ := node["text"].(string); text != "" {
			sb.WriteString(text)
		}
	}
	content, _ := node["content"].([]any)
	for _, c := range content {
		if cm, ok := c.(map[string]any); ok {
			walkADF(cm, sb)
		}
	}
	if t, _ := node["type"].(string); t == "paragraph" || t == "heading" {
		sb.WriteString("\n")
	}
}

var _ Client = (*client)(nil)
