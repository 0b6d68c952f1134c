package runtimeexec

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/platform/env"
	"github.com/animus-labs/tac-pipeline/internal/platform/k8s"
)

type Config struct {
	Executor       string
	Namespace      string
	JobTTLSeconds  int
	ServiceAccount string
	PollInterval   time.Duration
	Timeout        time.Duration
	DockerBin      string
	DockerNetwork  string
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Int("TAC_K8S_JOB_TTL_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}
	poll, err := env.Duration("TAC_JOB_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("TAC_JOB_TIMEOUT", 6*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Executor:       strings.ToLower(strings.TrimSpace(env.String("TAC_EXECUTOR", "kubernetes"))),
		Namespace:      strings.TrimSpace(env.String("TAC_K8S_NAMESPACE", "")),
		JobTTLSeconds:  ttl,
		ServiceAccount: env.String("TAC_K8S_SERVICE_ACCOUNT", ""),
		PollInterval:   poll,
		Timeout:        timeout,
		DockerBin:      env.String("TAC_DOCKER_BIN", "docker"),
		DockerNetwork:  env.String("TAC_DOCKER_NETWORK", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Executor {
	case "kubernetes", "k8s", KindDocker:
	default:
		return fmt.Errorf("unsupported executor %q", c.Executor)
	}
	if c.JobTTLSeconds < 0 {
		return errors.New("job ttl must be non-negative")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Timeout < 0 {
		return errors.New("job timeout must be non-negative")
	}
	return nil
}

// New builds the runner selected by cfg.Executor. The Kubernetes runner
// talks to the API server of the cluster it runs in.
func New(cfg Config, logger *slog.Logger) (Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Executor {
	case KindDocker:
		return NewDockerRunner(DockerConfig{
			Bin:          cfg.DockerBin,
			Network:      cfg.DockerNetwork,
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.Timeout,
		}, logger)
	default:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, fmt.Errorf("k8s client init: %w", err)
		}
		return NewKubernetesJobRunner(client, KubernetesConfig{
			Namespace:      cfg.Namespace,
			JobTTLSeconds:  int32(cfg.JobTTLSeconds),
			ServiceAccount: cfg.ServiceAccount,
			PollInterval:   cfg.PollInterval,
			Timeout:        cfg.Timeout,
		}, logger)
	}
}
