// Package byok implements agent.SessionRunner as a bring-your-own-key HTTP
// client against an OpenAI-chat-completions-compatible endpoint, the common
// wire shape across BYOK providers and gateways.
package byok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/forgeagent/controller/internal/agent"
)

// Runner calls a chat-completions-compatible endpoint with a system and user
// message and returns the first choice's message content.
type Runner struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

// New constructs a Runner. baseURL defaults to the OpenAI API itself when
// empty, matching "BYOK with no base URL override" in the configuration.
func New(baseURL, apiKey, model string) *Runner {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Runner{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTP:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// RunSession sends systemPrompt and userPrompt as a two-message chat
// completion request and returns the model's reply text. workingDirectory is
// unused; a chat endpoint has no filesystem access of its own.
func (r *Runner) RunSession(ctx context.Context, systemPrompt, userPrompt, _ string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody := chatRequest{
		Model: r.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "marshal chat completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build chat completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.APIKey)

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "chat completion request failed")
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode chat completion response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil {
			return "", fmt.Errorf("chat completion failed: HTTP %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("chat completion failed: HTTP %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

var _ agent.SessionRunner = (*Runner)(nil)
