package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHunks(t *testing.T) {
	diff := "@@ -10,3 +10,4 @@ func foo() {\n" +
		" context\n" +
		"-old\n" +
		"+new1\n" +
		"+new2\n" +
		"@@ -40 +41 @@\n" +
		"+solo\n"

	hunks, err := ParseHunks(diff)
	require.NoError(t, err)
	require.Len(t, hunks, 2)
	assert.Equal(t, Hunk{NewStart: 10, NewLines: 4}, hunks[0])
	assert.Equal(t, Hunk{NewStart: 41, NewLines: 1}, hunks[1])
}

func TestParseHunks_NoHunksIsEmptyNotError(t *testing.T) {
	hunks, err := ParseHunks("no hunk headers here")
	require.NoError(t, err)
	assert.Empty(t, hunks)
}

func TestValidPosition(t *testing.T) {
	changes := []MRFileChange{
		{NewPath: "a.py", Hunks: []Hunk{{NewStart: 10, NewLines: 4}}},
		{NewPath: "b.py", Hunks: []Hunk{{NewStart: 1, NewLines: 1}}},
	}

	_, ok := ValidPosition(changes, "a.py", 12)
	assert.True(t, ok)

	_, ok = ValidPosition(changes, "a.py", 20)
	assert.False(t, ok, "line outside every hunk must be invalid")

	_, ok = ValidPosition(changes, "missing.py", 1)
	assert.False(t, ok, "file with no matching NewPath must be invalid")
}
