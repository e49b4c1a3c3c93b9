package isolated

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/executor"
	"github.com/forgeagent/controller/internal/executor/k8sworker"
	"github.com/forgeagent/controller/internal/store/memstore"
)

func testParams(taskID string) executor.TaskParams {
	return executor.TaskParams{
		TaskID:       taskID,
		Kind:         events.KindMRReview,
		RepoCloneURL: "https://gitlab.example.com/group/project.git",
		Branch:       "main",
		Timeout:      50 * time.Millisecond,
	}
}

func TestExecute_ReturnsCachedResultWithoutLaunching(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	results := memstore.New()
	e := New(k8sworker.New(clientset), results, Config{Namespace: "agents"})

	want := executor.ReviewResult{SummaryText: "already done"}
	payload, err := executor.MarshalResult(want)
	require.NoError(t, err)
	require.NoError(t, results.PutResult(context.Background(), "task-1", payload, time.Hour))

	got, err := e.Execute(context.Background(), testParams("task-1"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	jobs, err := clientset.BatchV1().Jobs("agents").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items, "no Job should have been launched for a cached result")
}

func TestExecute_LaunchesWorkerAndTimesOutWithoutAResult(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	results := memstore.New()
	e := New(k8sworker.New(clientset), results, Config{Namespace: "agents", Image: "registry.example.com/agent-worker:latest"})

	_, err := e.Execute(context.Background(), testParams("task-2"))
	assert.Error(t, err)
}

func TestExecute_DeletesAndRelaunchesAFinishedUnreadJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	results := memstore.New()
	orchestrator := k8sworker.New(clientset)
	e := New(orchestrator, results, Config{Namespace: "agents", Image: "registry.example.com/agent-worker:latest"})

	name := workerName("task-3")
	require.NoError(t, orchestrator.Create(context.Background(), k8sworker.Spec{Name: name, Namespace: "agents"}))
	job, err := clientset.BatchV1().Jobs("agents").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Succeeded = 1
	_, err = clientset.BatchV1().Jobs("agents").UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), testParams("task-3"))
	assert.Error(t, err, "relaunched job publishes no result under the fake clientset, so this still times out")

	// The stale job must have been deleted and a fresh one created before the
	// wait began (the final delete is the timeout path reaping the relaunch).
	var creates, deletes int
	for _, action := range clientset.Actions() {
		switch action.GetVerb() {
		case "create":
			creates++
		case "delete":
			deletes++
		}
	}
	assert.GreaterOrEqual(t, creates, 2, "expected the stale job to be recreated")
	assert.GreaterOrEqual(t, deletes, 1, "expected the stale job to be deleted")
}
