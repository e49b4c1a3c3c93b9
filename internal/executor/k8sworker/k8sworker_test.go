package k8sworker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testSpec(name string) Spec {
	return Spec{
		Name:            name,
		Namespace:       "agents",
		Image:           "registry.example.com/agent-worker:latest",
		Env:             map[string]string{"TASK_ID": "abc123"},
		CPULimit:        "1",
		MemLimit:        "512Mi",
		SecretRefs:      []string{"agent-secrets"},
		ConfigMapRefs:   []string{"agent-config"},
		TTLAfterSeconds: 3600,
	}
}

func TestOrchestrator_PhaseAbsentBeforeCreate(t *testing.T) {
	o := New(fake.NewSimpleClientset())

	phase, err := o.Phase(context.Background(), "agents", "agent-task-abc123")
	require.NoError(t, err)
	assert.Equal(t, PhaseAbsent, phase)

	exists, err := o.Exists(context.Background(), "agents", "agent-task-abc123")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOrchestrator_CreateThenPhaseRunning(t *testing.T) {
	o := New(fake.NewSimpleClientset())
	spec := testSpec("agent-task-abc123")

	require.NoError(t, o.Create(context.Background(), spec))

	exists, err := o.Exists(context.Background(), spec.Namespace, spec.Name)
	require.NoError(t, err)
	assert.True(t, exists)

	phase, err := o.Phase(context.Background(), spec.Namespace, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, phase)
}

func TestOrchestrator_PhaseReflectsJobStatus(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	o := New(clientset)
	spec := testSpec("agent-task-done")
	require.NoError(t, o.Create(context.Background(), spec))

	job, err := clientset.BatchV1().Jobs(spec.Namespace).Get(context.Background(), spec.Name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Succeeded = 1
	_, err = clientset.BatchV1().Jobs(spec.Namespace).UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	phase, err := o.Phase(context.Background(), spec.Namespace, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, phase)
}

func TestOrchestrator_ResultFromAnnotation(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	o := New(clientset)
	spec := testSpec("agent-task-annotated")
	require.NoError(t, o.Create(context.Background(), spec))

	_, ok, err := o.ResultFromAnnotation(context.Background(), spec.Namespace, spec.Name)
	require.NoError(t, err)
	assert.False(t, ok, "no annotation stamped yet")

	job, err := clientset.BatchV1().Jobs(spec.Namespace).Get(context.Background(), spec.Name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Annotations = map[string]string{ResultAnnotation: `{"kind":"review","summary_text":"ok"}`}
	_, err = clientset.BatchV1().Jobs(spec.Namespace).Update(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	val, ok, err := o.ResultFromAnnotation(context.Background(), spec.Namespace, spec.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, val, "review")
}

func TestOrchestrator_DeleteIsIdempotent(t *testing.T) {
	o := New(fake.NewSimpleClientset())
	spec := testSpec("agent-task-gone")
	require.NoError(t, o.Create(context.Background(), spec))

	assert.NoError(t, o.Delete(context.Background(), spec.Namespace, spec.Name))
	assert.NoError(t, o.Delete(context.Background(), spec.Namespace, spec.Name))

	phase, err := o.Phase(context.Background(), spec.Namespace, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, PhaseAbsent, phase)
}

func TestOrchestrator_WaitForTerminalReturnsOnceSucceeded(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	o := New(clientset)
	spec := testSpec("agent-task-wait")
	require.NoError(t, o.Create(context.Background(), spec))

	job, err := clientset.BatchV1().Jobs(spec.Namespace).Get(context.Background(), spec.Name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Succeeded = 1
	_, err = clientset.BatchV1().Jobs(spec.Namespace).UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	phase, err := o.WaitForTerminal(context.Background(), spec.Namespace, spec.Name, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, phase)
}

func TestOrchestrator_WaitForTerminalTimesOut(t *testing.T) {
	o := New(fake.NewSimpleClientset())
	spec := testSpec("agent-task-stuck")
	require.NoError(t, o.Create(context.Background(), spec))

	_, err := o.WaitForTerminal(context.Background(), spec.Namespace, spec.Name, 5*time.Millisecond, 30*time.Millisecond)
	assert.Error(t, err)
}
