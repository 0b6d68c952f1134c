package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/platform/env"
)

type appConfig struct {
	LogLevel           string
	LogFormat          string
	PipelineFile       string
	Parallelism        int
	JobAttempts        int
	StoreRetryAttempts int
}

func appConfigFromEnv() (appConfig, error) {
	parallelism, err := env.Int("TAC_PARALLELISM", 1)
	if err != nil {
		return appConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	attempts, err := env.Int("TAC_JOB_ATTEMPTS", 1)
	if err != nil {
		return appConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	storeAttempts, err := env.Int("TAC_STORE_RETRY_ATTEMPTS", 5)
	if err != nil {
		return appConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	cfg := appConfig{
		LogLevel:           strings.ToLower(strings.TrimSpace(env.String("TAC_LOG_LEVEL", "info"))),
		LogFormat:          strings.ToLower(strings.TrimSpace(env.String("TAC_LOG_FORMAT", "json"))),
		PipelineFile:       strings.TrimSpace(env.String("TAC_PIPELINE_FILE", "")),
		Parallelism:        parallelism,
		JobAttempts:        attempts,
		StoreRetryAttempts: storeAttempts,
	}
	if err := cfg.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return cfg, nil
}

func (c appConfig) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.LogFormat)
	}
	if c.Parallelism < 1 {
		return errors.New("parallelism must be at least 1")
	}
	if c.JobAttempts < 1 {
		return errors.New("job attempts must be at least 1")
	}
	if c.StoreRetryAttempts < 1 {
		return errors.New("store retry attempts must be at least 1")
	}
	return nil
}

func parseLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", value)
}

func newLogger(w io.Writer, cfg appConfig) *slog.Logger {
	level, _ := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
