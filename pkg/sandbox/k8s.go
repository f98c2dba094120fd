package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const (
	k8sLabelRunHandle = "warden.dev/handle"
	k8sLabelManaged   = "warden.dev/managed"
	k8sDefaultImage   = "wardenhq/agent-base:latest"
	k8sAgentBinary    = "warden-agent"
)

// K8s runs each agent as a Kubernetes Job. The handle is allocated at
// provisioning time; the Job itself is created at launch because the
// prompt is part of the pod command. Kill works by handle label so it
// also covers sandboxes that never launched.
type K8s struct {
	log       *wlog.Logger
	clientset kubernetes.Interface
	namespace string

	mu      sync.RWMutex
	pending map[string]Spec
}

func NewK8s(log *wlog.Logger, namespace string) (*K8s, error) {
	config, err := k8sConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s client: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &K8s{
		log:       log.Component("sandbox-k8s"),
		clientset: clientset,
		namespace: namespace,
		pending:   make(map[string]Spec),
	}, nil
}

// k8sConfig prefers in-cluster credentials, then KUBECONFIG, then
// ~/.kube/config.
func k8sConfig() (*rest.Config, error) {
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (k *K8s) Name() string { return "k8s" }

func (k *K8s) Create(_ context.Context, spec Spec) (*Sandbox, error) {
	handle := fmt.Sprintf("warden-%s", uuid.New().String()[:8])
	k.mu.Lock()
	k.pending[handle] = spec
	k.mu.Unlock()
	return &Sandbox{Handle: handle, Backend: k.Name()}, nil
}

func (k *K8s) Connect(ctx context.Context, handle string) (*Sandbox, error) {
	k.mu.RLock()
	_, tracked := k.pending[handle]
	k.mu.RUnlock()
	if tracked {
		return &Sandbox{Handle: handle, Backend: k.Name()}, nil
	}

	_, err := k.job(ctx, handle)
	if err != nil {
		return nil, err
	}
	return &Sandbox{Handle: handle, Backend: k.Name()}, nil
}

func (k *K8s) Kill(ctx context.Context, handle string) error {
	k.mu.Lock()
	delete(k.pending, handle)
	k.mu.Unlock()

	err := k.clientset.BatchV1().Jobs(k.namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: ptr.To(metav1.DeletePropagationBackground)},
		metav1.ListOptions{LabelSelector: fmt.Sprintf("%s=%s", k8sLabelRunHandle, handle)},
	)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return werr.New(werr.CodeSandbox, fmt.Errorf("delete job for %s: %w", handle, err))
	}
	return nil
}

func (k *K8s) Launch(ctx context.Context, handle string, spec LaunchSpec) (Process, error) {
	k.mu.Lock()
	created, tracked := k.pending[handle]
	delete(k.pending, handle)
	k.mu.Unlock()
	if !tracked {
		return nil, ErrGone
	}

	image := created.Image
	if image == "" {
		image = k8sDefaultImage
	}

	cmd := []string{k8sAgentBinary, "--prompt", spec.Prompt}
	if spec.Model != "" {
		cmd = append(cmd, "--model", spec.Model)
	}
	if len(spec.AllowedTools) > 0 {
		cmd = append(cmd, "--allowed-tools", strings.Join(spec.AllowedTools, ","))
	}
	if spec.TimeoutSec > 0 {
		cmd = append(cmd, "--timeout", fmt.Sprintf("%d", spec.TimeoutSec))
	}

	env := make(map[string]string, len(created.Env)+len(spec.Env))
	for key, v := range created.Env {
		env[key] = v
	}
	for key, v := range spec.Env {
		env[key] = v
	}

	labels := map[string]string{
		k8sLabelRunHandle: handle,
		k8sLabelManaged:   "true",
	}
	for key, v := range created.Labels {
		labels[key] = v
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   handle,
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			Parallelism:  ptr.To(int32(1)),
			Completions:  ptr.To(int32(1)),
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "agent",
							Image:      image,
							Command:    cmd,
							Env:        envMapToEnvVars(env),
							WorkingDir: spec.WorkDir,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    mustParseQuantity("250m"),
									corev1.ResourceMemory: mustParseQuantity("512Mi"),
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := k.clientset.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("create job: %w", err))
	}
	k.log.Info("job created", "handle", handle, "namespace", k.namespace)

	return &k8sProcess{backend: k, handle: handle}, nil
}

// ReadFile fetches a file through the pod proxy subresource. The agent
// image serves its working directory on a small file endpoint.
func (k *K8s) ReadFile(ctx context.Context, handle, path string, maxBytes int64) ([]byte, error) {
	pod, err := k.pod(ctx, handle)
	if err != nil {
		return nil, err
	}

	result := k.clientset.CoreV1().RESTClient().Get().
		Namespace(k.namespace).
		Resource("pods").
		Name(pod.Name).
		SubResource("proxy").
		Suffix("files", strings.TrimPrefix(path, "/")).
		Do(ctx)
	data, err := result.Raw()
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return data, nil
}

type k8sProcess struct {
	backend *K8s
	handle  string

	outputOnce sync.Once
	output     io.Reader
}

// Output streams the agent pod's logs. The pod may not exist yet when
// the caller attaches, so the stream is opened lazily behind a pipe.
func (p *k8sProcess) Output() io.Reader {
	p.outputOnce.Do(func() {
		pr, pw := io.Pipe()
		p.output = pr
		go func() {
			pw.CloseWithError(p.streamLogs(context.Background(), pw))
		}()
	})
	return p.output
}

func (p *k8sProcess) streamLogs(ctx context.Context, w io.Writer) error {
	pod, err := p.waitForPod(ctx)
	if err != nil {
		return err
	}
	stream, err := p.backend.clientset.CoreV1().Pods(p.backend.namespace).
		GetLogs(pod.Name, &corev1.PodLogOptions{Follow: true}).
		Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream logs: %w", err)
	}
	defer stream.Close()
	_, err = io.Copy(w, stream)
	return err
}

func (p *k8sProcess) waitForPod(ctx context.Context) (*corev1.Pod, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		pod, err := p.backend.pod(ctx, p.handle)
		if err == nil && pod.Status.Phase != corev1.PodPending {
			return pod, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *k8sProcess) Wait(ctx context.Context) (int, error) {
	if p.output != nil {
		io.Copy(io.Discard, p.output)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		job, err := p.backend.job(ctx, p.handle)
		if err != nil {
			return -1, err
		}
		if done, failed := jobFinished(job); done {
			code := 0
			if failed {
				code = 1
				if pod, podErr := p.backend.pod(ctx, p.handle); podErr == nil {
					for _, status := range pod.Status.ContainerStatuses {
						if status.State.Terminated != nil {
							code = int(status.State.Terminated.ExitCode)
						}
					}
				}
			}
			return code, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (k *K8s) job(ctx context.Context, handle string) (*batchv1.Job, error) {
	jobs, err := k.clientset.BatchV1().Jobs(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", k8sLabelRunHandle, handle),
	})
	if err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("list jobs: %w", err))
	}
	if len(jobs.Items) == 0 {
		return nil, ErrGone
	}
	return &jobs.Items[0], nil
}

func (k *K8s) pod(ctx context.Context, handle string) (*corev1.Pod, error) {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", k8sLabelRunHandle, handle),
	})
	if err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("list pods: %w", err))
	}
	if len(pods.Items) == 0 {
		return nil, ErrGone
	}
	return &pods.Items[0], nil
}

func jobFinished(job *batchv1.Job) (done, failed bool) {
	for _, condition := range job.Status.Conditions {
		if condition.Status != corev1.ConditionTrue {
			continue
		}
		switch condition.Type {
		case batchv1.JobComplete:
			return true, false
		case batchv1.JobFailed:
			return true, true
		}
	}
	return false, false
}

func envMapToEnvVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	vars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		vars = append(vars, corev1.EnvVar{Name: k, Value: v})
	}
	return vars
}

func mustParseQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		panic(fmt.Sprintf("invalid quantity %q: %v", s, err))
	}
	return q
}

var _ Provisioner = (*K8s)(nil)
