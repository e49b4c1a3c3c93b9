package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchByStatus_PaginatesAndExtractsFields(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("startAt") == "0" {
			fmt.Fprint(w, `{"startAt":0,"maxResults":1,"total":2,"issues":[
				{"key":"PE-1","fields":{"summary":"first","status":{"name":"To Do"},
				 "description":{"type":"doc","version":1,"content":[{"type":"paragraph","content":[{"type":"text","text":"desc one"}]}]}}}
			]}`)
			return
		}
		fmt.Fprint(w, `{"startAt":1,"maxResults":1,"total":2,"issues":[
			{"key":"PE-2","fields":{"summary":"second","status":{"name":"To Do"}}}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "bot@example.com", "tok")
	issues, err := c.SearchByStatus(context.Background(), `status = "To Do"`)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "PE-1", issues[0].Key)
	assert.Equal(t, "desc one", issues[0].Description)
	assert.Equal(t, "PE-2", issues[1].Key)
	assert.Equal(t, 2, calls)
}

func TestTransitionIssue_LooksUpIDThenPosts(t *testing.T) {
	var mu sync.Mutex
	posted := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/3/issue/DEVOPS-42/transitions":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"transitions": []map[string]any{
				{"id": "31", "to": map[string]string{"name": "In Progress"}},
				{"id": "41", "to": map[string]string{"name": "In Review"}},
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/3/issue/DEVOPS-42/transitions":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			tr, _ := body["transition"].(map[string]any)
			assert.Equal(t, "41", tr["id"])
			posted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "bot@example.com", "tok")
	err := c.TransitionIssue(context.Background(), "DEVOPS-42", "In Review")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, posted)
}

func TestTransitionIssue_NoMatchingTransitionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"transitions": []map[string]any{
			{"id": "31", "to": map[string]string{"name": "In Progress"}},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "bot@example.com", "tok")
	err := c.TransitionIssue(context.Background(), "DEVOPS-42", "Done")
	assert.Error(t, err)
}

func TestAddComment_SendsADFParagraph(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/3/issue/PE-7001/comment", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		doc := body["body"].(map[string]any)
		content := doc["content"].([]any)
		para := content[0].(map[string]any)
		pc := para["content"].([]any)
		tn := pc[0].(map[string]any)
		gotText, _ = tn["text"].(string)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "bot@example.com", "tok")
	err := c.AddComment(context.Background(), "PE-7001", "Automated MR created: https://example.com/mr/1")
	require.NoError(t, err)
	assert.Equal(t, "Automated MR created: https://example.com/mr/1", gotText)
}
