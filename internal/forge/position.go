package forge

import (
	"fmt"
	"regexp"
	"strconv"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParseHunks extracts the @@ -old,+new @@ hunk headers from a unified diff
// string, returning only the new-file side: the lines GitLab will accept an
// inline discussion position against.
func ParseHunks(diff string) ([]Hunk, error) {
	var hunks []Hunk
	for _, line := range splitLines(diff) {
		m := hunkHeader.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		newStart, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("invalid hunk header %q: %w", line, err)
		}
		newLines := 1
		if m[4] != "" {
			newLines, err = strconv.Atoi(m[4])
			if err != nil {
				return nil, fmt.Errorf("invalid hunk header %q: %w", line, err)
			}
		}
		hunks = append(hunks, Hunk{NewStart: newStart, NewLines: newLines})
	}
	return hunks, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// ValidPosition reports whether (file, line) falls within a hunk of the
// matching file's changes, i.e. GitLab will accept an inline discussion
// anchored there. A file with no matching NewPath, or a line outside every
// hunk's new-side range, is invalid and must degrade to a summary note.
func ValidPosition(changes []MRFileChange, file string, line int) (MRFileChange, bool) {
	for _, c := range changes {
		if c.NewPath != file {
			continue
		}
		for _, h := range c.Hunks {
			if line >= h.NewStart && line < h.NewStart+h.NewLines {
				return c, true
			}
		}
		return MRFileChange{}, false
	}
	return MRFileChange{}, false
}
