// Package forgetest provides a testify/mock implementation of forge.Client
// for pipeline- and poller-level tests.
package forgetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/forgeagent/controller/internal/forge"
)

// MockClient is a testify mock satisfying forge.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) GetMRDetails(ctx context.Context, project string, iid int) (*forge.MRDetails, error) {
	args := m.Called(ctx, project, iid)
	d, _ := args.Get(0).(*forge.MRDetails)
	return d, args.Error(1)
}

func (m *MockClient) ListOpenMRs(ctx context.Context, project string, updatedAfter string) ([]forge.MRSummary, error) {
	args := m.Called(ctx, project, updatedAfter)
	s, _ := args.Get(0).([]forge.MRSummary)
	return s, args.Error(1)
}

func (m *MockClient) ListMRNotes(ctx context.Context, project string, iid int, createdAfter string) ([]forge.Note, error) {
	args := m.Called(ctx, project, iid, createdAfter)
	n, _ := args.Get(0).([]forge.Note)
	return n, args.Error(1)
}

func (m *MockClient) CreateDiscussion(ctx context.Context, project string, iid int, position forge.Position, body string) error {
	args := m.Called(ctx, project, iid, position, body)
	return args.Error(0)
}

func (m *MockClient) CreateNote(ctx context.Context, project string, iid int, body string) error {
	args := m.Called(ctx, project, iid, body)
	return args.Error(0)
}

func (m *MockClient) CreateMergeRequest(ctx context.Context, project, source, target, title, description string) (int, error) {
	args := m.Called(ctx, project, source, target, title, description)
	return args.Int(0), args.Error(1)
}

var _ forge.Client = (*MockClient)(nil)
