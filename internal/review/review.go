// Package review parses the agent's free-form ReviewResult text into a
// structured ParsedReview and renders suggestion blocks for its comments.
// Which (file, line) positions accept inline discussions is decided by
// forge.ValidPosition, not here.
// Structured extraction from free text uses a regex-driven fenced-block
// scan: pull the JSON array out of a ```json ... ``` block (or a bare
// top-level array) and treat whatever follows as the summary paragraph.
package review

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Severity is the comment severity the agent assigns.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Replacement is an optional suggestion block attached to a comment.
type Replacement struct {
	Text       string
	LinesAbove int
	LinesBelow int
}

// Comment is one positioned finding extracted from the agent's output.
type Comment struct {
	FilePath    string
	Line        int
	Severity    Severity
	Body        string
	Replacement *Replacement
}

// ParsedReview is the structured extraction of a ReviewResult's summary text.
type ParsedReview struct {
	Comments         []Comment
	SummaryParagraph string
}

// rawComment is the wire shape the agent is asked to emit.
type rawComment struct {
	File                  string `json:"file"`
	Line                  int    `json:"line"`
	Severity              string `json:"severity"`
	Comment               string `json:"comment"`
	Suggestion            string `json:"suggestion,omitempty"`
	SuggestionStartOffset int    `json:"suggestion_start_offset,omitempty"`
	SuggestionEndOffset   int    `json:"suggestion_end_offset,omitempty"`
}

var fencedJSONArray = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

// Parse extracts a ParsedReview from raw agent output. On unparsable output
// it degrades gracefully: the whole text becomes the summary paragraph and
// no comments are returned, rather than dropping the review entirely.
func Parse(text string) ParsedReview {
	arrayText, rest, ok := extractJSONArray(text)
	if !ok {
		return ParsedReview{SummaryParagraph: strings.TrimSpace(text)}
	}

	var raws []rawComment
	if err := json.Unmarshal([]byte(arrayText), &raws); err != nil {
		return ParsedReview{SummaryParagraph: strings.TrimSpace(text)}
	}

	comments := make([]Comment, 0, len(raws))
	for _, r := range raws {
		// Drop comments missing required fields (file, line, body) rather
		// than failing the whole review.
		if r.File == "" || r.Line == 0 || r.Comment == "" {
			continue
		}
		c := Comment{
			FilePath: r.File,
			Line:     r.Line,
			Severity: normalizeSeverity(r.Severity),
			Body:     r.Comment,
		}
		if r.Suggestion != "" && r.SuggestionStartOffset+r.SuggestionEndOffset <= 200 {
			c.Replacement = &Replacement{
				Text:       r.Suggestion,
				LinesAbove: r.SuggestionStartOffset,
				LinesBelow: r.SuggestionEndOffset,
			}
		}
		comments = append(comments, c)
	}

	return ParsedReview{
		Comments:         comments,
		SummaryParagraph: strings.TrimSpace(rest),
	}
}

func normalizeSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return SeverityError
	case "info":
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// extractJSONArray finds a JSON array in text, from a fenced code block if
// present, otherwise the first top-level [...], and returns the array text
// plus everything else as the candidate summary.
func extractJSONArray(text string) (arrayText, rest string, ok bool) {
	if loc := fencedJSONArray.FindStringSubmatchIndex(text); loc != nil {
		arrayText = text[loc[2]:loc[3]]
		rest = text[:loc[0]] + text[loc[1]:]
		return arrayText, rest, true
	}

	start := strings.Index(text, "[")
	if start < 0 {
		return "", text, false
	}
	end := matchingBracket(text, start)
	if end < 0 {
		return "", text, false
	}
	return text[start : end+1], text[:start] + text[end+1:], true
}

// matchingBracket finds the index of the ']' that closes the '[' at start,
// respecting string literals so brackets inside JSON string values don't
// confuse the scan.
func matchingBracket(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RenderSuggestionBlock formats a fenced suggestion block, or "" if the
// offsets are unreasonably large (the caller should then drop the block
// but keep the comment).
func RenderSuggestionBlock(r *Replacement) string {
	if r == nil {
		return ""
	}
	if r.LinesAbove+r.LinesBelow > 200 {
		return ""
	}
	return "```suggestion:-" + strconv.Itoa(r.LinesAbove) + "+" + strconv.Itoa(r.LinesBelow) + "\n" + r.Text + "\n```"
}
