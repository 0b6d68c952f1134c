package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

const KindDocker = "docker"

type DockerConfig struct {
	Bin          string
	Network      string
	PollInterval time.Duration
	Timeout      time.Duration
}

type commandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// DockerRunner runs each task as a detached local container. Containers are
// left behind after exit so their logs stay inspectable.
type DockerRunner struct {
	cfg    DockerConfig
	run    commandFunc
	logger *slog.Logger
}

func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) (*DockerRunner, error) {
	cfg.Bin = strings.TrimSpace(cfg.Bin)
	if cfg.Bin == "" {
		cfg.Bin = "docker"
	}
	if _, err := exec.LookPath(cfg.Bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return newDockerRunner(cfg, execCommand, logger), nil
}

func newDockerRunner(cfg DockerConfig, run commandFunc, logger *slog.Logger) *DockerRunner {
	if cfg.Bin == "" {
		cfg.Bin = "docker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerRunner{cfg: cfg, run: run, logger: logger}
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (r *DockerRunner) Kind() string {
	return KindDocker
}

func (r *DockerRunner) Submit(ctx context.Context, spec domain.JobSpec) (JobHandle, error) {
	args, err := r.runArgs(spec)
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: %v", domain.ErrJobSubmission, err)
	}
	out, err := r.run(ctx, r.cfg.Bin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return JobHandle{}, ctx.Err()
		}
		return JobHandle{}, fmt.Errorf("%w: docker run: %v: %s", domain.ErrJobSubmission, err, strings.TrimSpace(string(out)))
	}
	handle := JobHandle{Runner: r.Kind(), Name: spec.Name, SubmittedAt: time.Now().UTC()}
	r.logger.Info("container started", "job", handle.Name, "image", spec.Image)
	return handle, nil
}

func (r *DockerRunner) Await(ctx context.Context, handle JobHandle) (Outcome, error) {
	outcome, err := awaitTerminal(ctx, pollConfig{interval: r.cfg.PollInterval, timeout: r.cfg.Timeout}, r.logger, handle,
		func(ctx context.Context) (Observation, error) {
			return r.Inspect(ctx, handle)
		})
	if err == nil && !outcome.Succeeded() && strings.HasPrefix(outcome.Reason, "timed out") {
		if cancelErr := r.Cancel(context.WithoutCancel(ctx), handle); cancelErr != nil {
			r.logger.Warn("remove timed out container failed", "job", handle.Name, "error", cancelErr)
		}
	}
	return outcome, err
}

func (r *DockerRunner) Cancel(ctx context.Context, handle JobHandle) error {
	out, err := r.run(ctx, r.cfg.Bin, "rm", "--force", handle.Name)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if isNoSuchContainer(text) {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, text)
	}
	return nil
}

type dockerInspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	Error      string    `json:"Error"`
	OOMKilled  bool      `json:"OOMKilled"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (r *DockerRunner) Inspect(ctx context.Context, handle JobHandle) (Observation, error) {
	name := strings.TrimSpace(handle.Name)
	if name == "" {
		return Observation{}, errors.New("docker container name is required")
	}
	out, err := r.run(ctx, r.cfg.Bin, "inspect", "--format", "{{json .State}}", name)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if isNoSuchContainer(text) {
			return Observation{Status: "pending", Message: "container_not_found"}, nil
		}
		return Observation{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}

	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return Observation{}, fmt.Errorf("parse docker inspect: %w", err)
	}

	status := "pending"
	message := strings.TrimSpace(state.Status)
	switch strings.ToLower(message) {
	case "running":
		status = "running"
	case "exited", "dead":
		if state.ExitCode == 0 && !state.OOMKilled {
			status = string(StatusSucceeded)
			break
		}
		status = string(StatusFailed)
		message = fmt.Sprintf("exit code %d", state.ExitCode)
		if state.OOMKilled {
			message += " (oom killed)"
		}
		if e := strings.TrimSpace(state.Error); e != "" {
			message += ": " + e
		}
	}

	return Observation{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"docker_container": name,
			"exit_code":        state.ExitCode,
			"finished_at":      state.FinishedAt,
		},
	}, nil
}

// runArgs overrides the image entrypoint with Command[0] so the container
// sees the same argument vector a Kubernetes pod would.
func (r *DockerRunner) runArgs(spec domain.JobSpec) ([]string, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("docker container name is required")
	}
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		return nil, errors.New("image is required")
	}
	if len(spec.Command) == 0 {
		return nil, errors.New("command is required")
	}

	args := []string{"run", "--detach", "--name", name}
	if network := strings.TrimSpace(r.cfg.Network); network != "" {
		args = append(args, "--network", network)
	}

	labelKeys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedEnvKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	if spec.Resources.GPUs > 0 {
		args = append(args, "--gpus", strconv.Itoa(spec.Resources.GPUs))
	}
	if cpu := strings.TrimSpace(spec.Resources.CPU); cpu != "" {
		if parsed, ok := parseCPU(cpu); ok {
			args = append(args, "--cpus", strconv.FormatFloat(parsed, 'g', -1, 64))
		}
	}
	if mem := strings.TrimSpace(spec.Resources.Memory); mem != "" {
		args = append(args, "--memory", dockerMemory(mem))
	}

	args = append(args, "--entrypoint", spec.Command[0], image)
	return append(args, spec.Command[1:]...), nil
}

// parseCPU accepts Kubernetes quantities such as "2", "0.5" or "500m".
func parseCPU(value string) (float64, bool) {
	if milli, ok := strings.CutSuffix(value, "m"); ok {
		n, err := strconv.ParseFloat(milli, 64)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n / 1000, true
	}
	n, err := strconv.ParseFloat(value, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// dockerMemory turns binary Kubernetes suffixes ("512Mi", "2Gi") into the
// single-letter form docker expects.
func dockerMemory(value string) string {
	for _, suffix := range []string{"Ki", "Mi", "Gi"} {
		if n, ok := strings.CutSuffix(value, suffix); ok {
			return n + strings.ToLower(suffix[:1])
		}
	}
	return value
}

func isNoSuchContainer(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "no such object") || strings.Contains(lower, "no such container") || strings.Contains(lower, "not found")
}
