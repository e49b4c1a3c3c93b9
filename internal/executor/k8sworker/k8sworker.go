// Package k8sworker creates, watches, and reaps the Kubernetes Jobs that
// back the isolated-worker executor. One Job, one Pod, per task.
package k8sworker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Spec describes one isolated worker's Job.
type Spec struct {
	Name            string
	Namespace       string
	Image           string
	Env             map[string]string
	CPULimit        string
	MemLimit        string
	SecretRefs      []string
	ConfigMapRefs   []string
	TTLAfterSeconds int32
}

// ResultAnnotation is the Job annotation a worker may stamp with its
// JSON-encoded result, read by the executor as a fallback when the worker
// finished but its shared-store publish never landed.
const ResultAnnotation = "forgeagent.io/task-result"

// Orchestrator creates and tears down worker Jobs.
type Orchestrator struct {
	Clientset kubernetes.Interface
}

func New(clientset kubernetes.Interface) *Orchestrator {
	return &Orchestrator{Clientset: clientset}
}

// Phase mirrors the terminal states a Job's single Pod can reach.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseAbsent    Phase = "absent"
)

// Exists reports whether a Job with this name is currently present.
func (o *Orchestrator) Exists(ctx context.Context, namespace, name string) (bool, error) {
	_, err := o.Clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "get job failed")
	}
	return true, nil
}

// Phase returns the current phase of a worker's Job.
func (o *Orchestrator) Phase(ctx context.Context, namespace, name string) (Phase, error) {
	job, err := o.Clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return PhaseAbsent, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get job failed")
	}
	if job.Status.Succeeded > 0 {
		return PhaseSucceeded, nil
	}
	if job.Status.Failed > 0 {
		return PhaseFailed, nil
	}
	return PhaseRunning, nil
}

// ResultFromAnnotation reads the worker Job's ResultAnnotation, reporting
// ok=false when the Job is gone or the annotation was never stamped.
func (o *Orchestrator) ResultFromAnnotation(ctx context.Context, namespace, name string) (string, bool, error) {
	job, err := o.Clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get job failed")
	}
	val, ok := job.Annotations[ResultAnnotation]
	if !ok || val == "" {
		return "", false, nil
	}
	return val, true, nil
}

// Delete removes a worker's Job (and, via propagation policy, its Pod).
func (o *Orchestrator) Delete(ctx context.Context, namespace, name string) error {
	policy := metav1.DeletePropagationForeground
	err := o.Clientset.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrap(err, "delete job failed")
	}
	return nil
}

// Create launches a worker Job matching Spec, with a hardened Pod spec:
// dropped capabilities, non-root, read-only root filesystem with a
// writable scratch area, and secrets/config mounted from the platform's
// stores rather than passed as plain env values.
func (o *Orchestrator) Create(ctx context.Context, spec Spec) error {
	falseVal := false
	trueVal := true

	var envFrom []corev1.EnvFromSource
	for _, ref := range spec.SecretRefs {
		envFrom = append(envFrom, corev1.EnvFromSource{SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: ref}}})
	}
	for _, ref := range spec.ConfigMapRefs {
		envFrom = append(envFrom, corev1.EnvFromSource{ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: ref}}})
	}

	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{},
	}
	if spec.CPULimit != "" {
		resources.Limits[corev1.ResourceCPU] = resource.MustParse(spec.CPULimit)
	}
	if spec.MemLimit != "" {
		resources.Limits[corev1.ResourceMemory] = resource.MustParse(spec.MemLimit)
	}

	backoffLimit := int32(0)
	ttl := spec.TTLAfterSeconds

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: spec.Name},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: &trueVal,
					},
					Containers: []corev1.Container{
						{
							Name:      "agent-worker",
							Image:     spec.Image,
							Env:       env,
							EnvFrom:   envFrom,
							Resources: resources,
							SecurityContext: &corev1.SecurityContext{
								ReadOnlyRootFilesystem:   &trueVal,
								AllowPrivilegeEscalation: &falseVal,
								RunAsNonRoot:             &trueVal,
								Capabilities: &corev1.Capabilities{
									Drop: []corev1.Capability{"ALL"},
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "scratch", MountPath: "/scratch"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{Name: "scratch", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
					},
				},
			},
		},
	}

	_, err := o.Clientset.BatchV1().Jobs(spec.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return errors.Wrap(err, "create job failed")
	}
	return nil
}

// WaitForTerminal polls the Job's phase every pollInterval until it reaches
// a terminal state or timeout elapses.
func (o *Orchestrator) WaitForTerminal(ctx context.Context, namespace, name string, pollInterval, timeout time.Duration) (Phase, error) {
	deadline := time.Now().Add(timeout)
	for {
		phase, err := o.Phase(ctx, namespace, name)
		if err != nil {
			return "", err
		}
		if phase == PhaseSucceeded || phase == PhaseFailed || phase == PhaseAbsent {
			return phase, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("worker %s/%s did not reach a terminal state within %s", namespace, name, timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
