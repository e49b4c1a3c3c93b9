package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeagent/controller/internal/events"
)

func TestDeriveTaskID_StableAndDistinct(t *testing.T) {
	a := DeriveTaskID(events.KindMRReview, "42", "7", "abc123")
	b := DeriveTaskID(events.KindMRReview, "42", "7", "abc123")
	assert.Equal(t, a, b)

	c := DeriveTaskID(events.KindMRReview, "42", "7", "def456")
	assert.NotEqual(t, a, c)
}

func TestMarshalUnmarshalResult_RoundTripsEachVariant(t *testing.T) {
	cases := []TaskResult{
		ReviewResult{SummaryText: "looks good"},
		CodingResult{SummaryText: "fixed the bug", PatchBytes: []byte("diff --git a b\n"), BaseCommitSHA: "deadbeef"},
		EmptyCodingResult{SummaryText: "no changes were necessary"},
	}

	for _, want := range cases {
		payload, err := MarshalResult(want)
		require.NoError(t, err)

		got, err := UnmarshalResult(payload)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestUnmarshalResult_RejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalResult([]byte(`{"kind":"mystery"}`))
	assert.Error(t, err)
}

type unknownResult struct{}

func (unknownResult) Kind() string { return "unknown" }

func TestMarshalResult_RejectsUnknownImplementation(t *testing.T) {
	_, err := MarshalResult(unknownResult{})
	assert.Error(t, err)
}
