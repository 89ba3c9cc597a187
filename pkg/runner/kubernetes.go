package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/pointer"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/source"
)

const (
	// ConfigMaps are capped at 1MiB including metadata.
	maxSnapshotBytes = 1000 * 1024

	snapshotKey   = "snapshot.tar.gz"
	snapshotMount = "/snapshot"
	configMount   = "/docker-config"
	mainContainer = "stage"
)

// unpack extracts the snapshot into the workspace before handing over to the stage command.
const unpackScript = `set -e
mkdir -p ` + containerWorkspace + `
tar -xzf ` + snapshotMount + `/` + snapshotKey + ` -C ` + containerWorkspace + `
cd ` + containerWorkspace + `
exec "$@"`

// Kubernetes runs each execution as a single-attempt Job. Sensitive values travel in a Secret
// that is deleted with the Job.
type Kubernetes struct {
	log                logr.Logger
	clientset          kubernetes.Interface
	namespace          string
	serviceAccountName string
	pollInterval       time.Duration
}

func NewKubernetes(
	log logr.Logger,
	clientset kubernetes.Interface,
	namespace, serviceAccountName string,
	pollInterval time.Duration,
) *Kubernetes {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Kubernetes{
		log:                log.WithName("kubernetes-environment"),
		clientset:          clientset,
		namespace:          namespace,
		serviceAccountName: serviceAccountName,
		pollInterval:       pollInterval,
	}
}

func (k *Kubernetes) Execute(ctx context.Context, e *Execution) (int, error) {
	log := k.log.WithValues("name", e.Name, "namespace", k.namespace)

	var snapshot bytes.Buffer
	if err := source.Pack(&snapshot, e.SourceDir, "", nil); err != nil {
		return -1, fmt.Errorf("cannot pack workspace: %w", err)
	}
	if snapshot.Len() > maxSnapshotBytes {
		return -1, fmt.Errorf("workspace is %d bytes, exceeding the %d byte limit", snapshot.Len(), maxSnapshotBytes)
	}

	dockerConfig, err := os.ReadFile(filepath.Join(e.DockerConfigDir, "config.json"))
	if err != nil {
		return -1, err
	}

	meta := metav1.ObjectMeta{Name: e.Name, Namespace: k.namespace, Labels: e.Labels()}

	defer k.cleanup(context.WithoutCancel(ctx), log, e.Name)

	secret := &corev1.Secret{
		ObjectMeta: meta,
		Type:       corev1.SecretTypeOpaque,
		StringData: e.Env,
		Data:       map[string][]byte{},
	}
	secretFiles := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: e.Name + "-files", Namespace: k.namespace, Labels: e.Labels()},
		Type:       corev1.SecretTypeOpaque,
		Data:       map[string][]byte{"config.json": dockerConfig},
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: meta,
		BinaryData: map[string][]byte{snapshotKey: snapshot.Bytes()},
	}

	if _, err = k.clientset.CoreV1().Secrets(k.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		return -1, fmt.Errorf("cannot create secret: %w", err)
	}
	if _, err = k.clientset.CoreV1().Secrets(k.namespace).Create(ctx, secretFiles, metav1.CreateOptions{}); err != nil {
		return -1, fmt.Errorf("cannot create secret: %w", err)
	}
	if _, err = k.clientset.CoreV1().ConfigMaps(k.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return -1, fmt.Errorf("cannot create configmap: %w", err)
	}
	if _, err = k.clientset.BatchV1().Jobs(k.namespace).Create(ctx, k.job(e, meta), metav1.CreateOptions{}); err != nil {
		return -1, fmt.Errorf("cannot create job: %w", err)
	}
	log.Info("Created stage job")

	var finished *batchv1.Job
	err = wait.PollUntilContextCancel(ctx, k.pollInterval, true, func(ctx context.Context) (bool, error) {
		job, err := k.clientset.BatchV1().Jobs(k.namespace).Get(ctx, e.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, err
			}
			log.V(1).Info("Transient error polling job", "error", err.Error())
			return false, nil
		}
		if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
			finished = job
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("cannot observe job: %w", err)
	}

	pod, err := k.jobPod(ctx, e.Name)
	if err != nil {
		return -1, err
	}
	if err = k.copyLogs(ctx, pod.Name, e.Output); err != nil {
		return -1, err
	}

	exitCode := exitCodeOf(pod)
	if exitCode < 0 {
		if finished.Status.Succeeded > 0 {
			exitCode = 0
		} else {
			exitCode = 1
		}
	}

	return exitCode, nil
}

func (k *Kubernetes) job(e *Execution, meta metav1.ObjectMeta) *batchv1.Job {
	command := append([]string{"/bin/sh", "-c", unpackScript, "--"}, e.Command...)

	return &batchv1.Job{
		ObjectMeta: meta,
		Spec: batchv1.JobSpec{
			BackoffLimit:            pointer.Int32(0),
			TTLSecondsAfterFinished: pointer.Int32(3600),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: e.Labels()},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.serviceAccountName,
					Containers: []corev1.Container{
						{
							Name:    mainContainer,
							Image:   e.Image,
							Command: command,
							EnvFrom: []corev1.EnvFromSource{
								{SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: e.Name}}},
							},
							Env: []corev1.EnvVar{
								{Name: sweeperv1.EnvDockerConfig, Value: configMount},
							},
							SecurityContext: &corev1.SecurityContext{Privileged: pointer.Bool(e.Privileged)},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "snapshot", MountPath: snapshotMount, ReadOnly: true},
								{Name: "docker-config", MountPath: configMount, ReadOnly: true},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "snapshot",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: e.Name},
								},
							},
						},
						{
							Name: "docker-config",
							VolumeSource: corev1.VolumeSource{
								Secret: &corev1.SecretVolumeSource{SecretName: e.Name + "-files"},
							},
						},
					},
				},
			},
		},
	}
}

func (k *Kubernetes) jobPod(ctx context.Context, jobName string) (*corev1.Pod, error) {
	selector := labels.SelectorFromSet(labels.Set{"job-name": jobName}).String()

	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("cannot list job pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("job %q has no pods", jobName)
	}

	return &pods.Items[len(pods.Items)-1], nil
}

func (k *Kubernetes) copyLogs(ctx context.Context, podName string, w io.Writer) error {
	req := k.clientset.CoreV1().Pods(k.namespace).GetLogs(podName, &corev1.PodLogOptions{Container: mainContainer})

	rc, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("cannot stream pod logs: %w", err)
	}
	defer rc.Close()

	if _, err = io.Copy(w, rc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cannot read pod logs: %w", err)
	}
	return nil
}

func (k *Kubernetes) cleanup(ctx context.Context, log logr.Logger, name string) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	for _, del := range []func() error{
		func() error { return k.clientset.BatchV1().Jobs(k.namespace).Delete(ctx, name, opts) },
		func() error { return k.clientset.CoreV1().Secrets(k.namespace).Delete(ctx, name, opts) },
		func() error { return k.clientset.CoreV1().Secrets(k.namespace).Delete(ctx, name+"-files", opts) },
		func() error { return k.clientset.CoreV1().ConfigMaps(k.namespace).Delete(ctx, name, opts) },
	} {
		if err := del(); err != nil && !apierrors.IsNotFound(err) {
			log.Error(err, "Failed to clean up stage resource")
		}
	}
}

func exitCodeOf(pod *corev1.Pod) int {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == mainContainer && cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return -1
}
