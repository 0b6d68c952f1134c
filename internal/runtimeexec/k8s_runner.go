package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/platform/k8s"
)

const (
	KindKubernetes = "kubernetes_job"

	apiAttempts = 4
)

type KubernetesConfig struct {
	Namespace      string
	JobTTLSeconds  int32
	ServiceAccount string
	PollInterval   time.Duration
	Timeout        time.Duration
}

// KubernetesJobRunner runs each task as a batch/v1 Job with a single pod and
// no in-cluster retries.
type KubernetesJobRunner struct {
	client *k8s.Client
	cfg    KubernetesConfig
	logger *slog.Logger
}

func NewKubernetesJobRunner(client *k8s.Client, cfg KubernetesConfig, logger *slog.Logger) (*KubernetesJobRunner, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	cfg.Namespace = strings.TrimSpace(cfg.Namespace)
	if cfg.Namespace == "" {
		cfg.Namespace = strings.TrimSpace(client.Namespace())
	}
	if cfg.Namespace == "" {
		return nil, errors.New("job namespace is required")
	}
	if cfg.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	cfg.ServiceAccount = strings.TrimSpace(cfg.ServiceAccount)
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &KubernetesJobRunner{client: client, cfg: cfg, logger: logger}, nil
}

func (r *KubernetesJobRunner) Kind() string {
	return KindKubernetes
}

func (r *KubernetesJobRunner) Submit(ctx context.Context, spec domain.JobSpec) (JobHandle, error) {
	job, err := r.buildJob(spec)
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: %v", domain.ErrJobSubmission, err)
	}
	handle := JobHandle{Runner: r.Kind(), Name: job.Metadata.Name, Namespace: r.cfg.Namespace}

	err = r.retry(ctx, func() error {
		return r.client.CreateJob(ctx, r.cfg.Namespace, job)
	})
	switch {
	case err == nil:
	case errors.Is(err, k8s.ErrAlreadyExists):
		// A retried create whose first attempt landed.
		r.logger.Info("job already exists", "job", handle.Name, "namespace", handle.Namespace)
	case ctx.Err() != nil:
		return JobHandle{}, ctx.Err()
	default:
		return JobHandle{}, fmt.Errorf("%w: create job %s: %v", domain.ErrJobSubmission, handle.Name, err)
	}
	handle.SubmittedAt = time.Now().UTC()
	r.logger.Info("job submitted", "job", handle.Name, "namespace", handle.Namespace, "image", spec.Image)
	return handle, nil
}

func (r *KubernetesJobRunner) Await(ctx context.Context, handle JobHandle) (Outcome, error) {
	outcome, err := awaitTerminal(ctx, pollConfig{interval: r.cfg.PollInterval, timeout: r.cfg.Timeout}, r.logger, handle,
		func(ctx context.Context) (Observation, error) {
			return r.Inspect(ctx, handle)
		})
	if err == nil && !outcome.Succeeded() && strings.HasPrefix(outcome.Reason, "timed out") {
		if cancelErr := r.Cancel(context.WithoutCancel(ctx), handle); cancelErr != nil {
			r.logger.Warn("delete timed out job failed", "job", handle.Name, "error", cancelErr)
		}
	}
	return outcome, err
}

func (r *KubernetesJobRunner) Cancel(ctx context.Context, handle JobHandle) error {
	err := r.client.DeleteJob(ctx, r.namespace(handle), handle.Name)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return nil
	}
	return err
}

// Inspect maps the job's conditions to an Observation.
func (r *KubernetesJobRunner) Inspect(ctx context.Context, handle JobHandle) (Observation, error) {
	namespace := r.namespace(handle)
	job, err := r.client.GetJob(ctx, namespace, handle.Name)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Status: "pending", Message: "job_not_found"}, nil
		}
		return Observation{}, err
	}

	status := "pending"
	message := ""
	if cond, ok := job.Condition("Failed"); ok {
		status = string(StatusFailed)
		message = conditionMessage(cond)
	} else if cond, ok := job.Condition("Complete"); ok {
		status = string(StatusSucceeded)
		message = conditionMessage(cond)
	} else if job.Status.Active > 0 {
		status = "running"
	}

	return Observation{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"k8s_namespace": namespace,
			"k8s_job_name":  handle.Name,
			"active":        job.Status.Active,
			"succeeded":     job.Status.Succeeded,
			"failed":        job.Status.Failed,
		},
	}, nil
}

func (r *KubernetesJobRunner) buildJob(spec domain.JobSpec) (k8s.Job, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return k8s.Job{}, errors.New("job name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return k8s.Job{}, errors.New("image is required")
	}
	if len(spec.Command) == 0 {
		return k8s.Job{}, errors.New("command is required")
	}
	containerName := sanitizeName(spec.Container)
	if containerName == "" {
		containerName = "task"
	}

	labels := map[string]string{
		"app.kubernetes.io/name":      "tac-pipeline",
		"app.kubernetes.io/component": "task-job",
	}
	annotations := map[string]string{}
	for key, value := range spec.Labels {
		if validLabelValue(value) {
			labels[key] = value
		} else {
			annotations[key] = value
		}
	}

	container := k8s.Container{
		Name:    containerName,
		Image:   spec.Image,
		Command: append([]string(nil), spec.Command...),
		Env:     envVars(spec.Env),
	}
	applyResources(&container, spec.Resources)

	podSpec := k8s.PodSpec{
		RestartPolicy:      "Never",
		ServiceAccountName: r.cfg.ServiceAccount,
		Containers:         []k8s.Container{container},
	}

	backoffLimit := int32(0)
	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:        name,
			Namespace:   r.cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: k8s.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}
	if r.cfg.JobTTLSeconds > 0 {
		ttl := r.cfg.JobTTLSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	if r.cfg.Timeout > 0 {
		deadline := int64(r.cfg.Timeout / time.Second)
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

func (r *KubernetesJobRunner) namespace(handle JobHandle) string {
	if ns := strings.TrimSpace(handle.Namespace); ns != "" {
		return ns
	}
	return r.cfg.Namespace
}

// retry repeats fn while the API reports throttling, server errors or
// transport failures.
func (r *KubernetesJobRunner) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !k8s.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, apiAttempts-1), ctx))
}

func conditionMessage(cond k8s.JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}

func envVars(env map[string]string) []k8s.EnvVar {
	keys := sortedEnvKeys(env)
	out := make([]k8s.EnvVar, 0, len(keys))
	for _, key := range keys {
		out = append(out, k8s.EnvVar{Name: key, Value: env[key]})
	}
	return out
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func applyResources(container *k8s.Container, res domain.Resources) {
	if res.IsZero() {
		return
	}
	if res.GPUs > 0 {
		container.Resources.Limits = map[string]string{"nvidia.com/gpu": strconv.Itoa(res.GPUs)}
	}
	requests := map[string]string{}
	if cpu := strings.TrimSpace(res.CPU); cpu != "" {
		requests["cpu"] = cpu
	}
	if mem := strings.TrimSpace(res.Memory); mem != "" {
		requests["memory"] = mem
	}
	if len(requests) > 0 {
		container.Resources.Requests = requests
	}
}

func validLabelValue(value string) bool {
	if len(value) > 63 {
		return false
	}
	for i, r := range value {
		alnum := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
		if alnum {
			continue
		}
		if (r == '-' || r == '_' || r == '.') && i > 0 && i < len(value)-1 {
			continue
		}
		return false
	}
	return true
}
