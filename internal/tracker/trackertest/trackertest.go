// Package trackertest provides a testify/mock implementation of
// tracker.Client for pipeline-level tests.
package trackertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/forgeagent/controller/internal/tracker"
)

// MockClient is a testify mock satisfying tracker.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) SearchByStatus(ctx context.Context, jql string) ([]tracker.Issue, error) {
	args := m.Called(ctx, jql)
	i, _ := args.Get(0).([]tracker.Issue)
	return i, args.Error(1)
}

func (m *MockClient) TransitionIssue(ctx context.Context, key, statusName string) error {
	args := m.Called(ctx, key, statusName)
	return args.Error(0)
}

func (m *MockClient) AddComment(ctx context.Context, key, text string) error {
	args := m.Called(ctx, key, text)
	return args.Error(0)
}

var _ tracker.Client = (*MockClient)(nil)
