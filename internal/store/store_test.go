package store

import "testing"

func TestKeyHelpers(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{LockKey("https://gitlab.example.com/a/b.git"), "lock:https://gitlab.example.com/a/b.git"},
		{DedupKey("jira:ABC-1"), "dedup:jira:ABC-1"},
		{ResultKey("task-123"), "result:task-123"},
		{ReviewDedupKey("42", "7", "c1"), "review:42:7:c1"},
		{NoteDedupKey("42", "7", "99"), "note:42:7:99"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}
