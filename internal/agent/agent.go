// Package agent defines the external collaborator boundary for the LLM
// coding/review session. Its implementation (prompt templating, model
// choice, tool use) is explicitly out of scope for this controller; only
// the contract the executors depend on lives here.
package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// SessionRunner runs one LLM agent session against a working directory and
// returns a single text result. Implementations are expected to stream the
// agent's tool-use transcript to their own logging and return only the
// final text; callers treat it as an opaque external collaborator.
type SessionRunner interface {
	RunSession(ctx context.Context, systemPrompt, userPrompt, workingDirectory string, timeout time.Duration) (string, error)
}

// AllowlistedEnv returns the minimal environment forwarded to the agent
// subprocess: LLM credentials only. Service credentials (forge token,
// tracker token, webhook secret) must never appear here, so a prompt
// injection inside the agent's context cannot exfiltrate them.
func AllowlistedEnv(provider, baseURL, apiKey, model string) []string {
	env := []string{
		"AGENT_PROVIDER=" + provider,
		"AGENT_MODEL=" + model,
	}
	if baseURL != "" {
		env = append(env, "AGENT_BASE_URL="+baseURL)
	}
	if apiKey != "" {
		env = append(env, "AGENT_API_KEY="+apiKey)
	}
	return env
}

// fileEdit is the wire shape a text-only SessionRunner (one with no
// filesystem access of its own, like the bundled byok.Runner) emits in
// place of editing a working directory directly.
type fileEdit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

var fencedFileEditArray = regexp.MustCompile(`(?s)` + "```" + `(?:json)?\s*(\[\s*\{.*?\}\s*\])\s*` + "```")

// ApplyTextFileEdits looks for a fenced JSON array of {"path","content"}
// objects in a coding session's result text and writes each file under
// workingDirectory, returning the paths written. A tool-using SessionRunner
// that already edited workingDirectory directly emits no such block, and
// callers get back a nil slice; the worker stages only the returned paths,
// so such a session yields an empty diff there. Unparsable or absent blocks
// are not an error.
func ApplyTextFileEdits(workingDirectory, text string) ([]string, error) {
	loc := fencedFileEditArray.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, nil
	}

	var edits []fileEdit
	if err := json.Unmarshal([]byte(text[loc[2]:loc[3]]), &edits); err != nil {
		return nil, nil
	}

	touched := make([]string, 0, len(edits))
	for _, e := range edits {
		if e.Path == "" || strings.Contains(e.Path, "..") || filepath.IsAbs(e.Path) {
			continue
		}
		full := filepath.Join(workingDirectory, e.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return touched, err
		}
		if err := os.WriteFile(full, []byte(e.Content), 0o644); err != nil {
			return touched, err
		}
		touched = append(touched, e.Path)
	}
	return touched, nil
}
