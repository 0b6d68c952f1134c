package runtimeexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const maxConsecutiveProbeErrors = 5

type pollConfig struct {
	interval time.Duration
	timeout  time.Duration
}

// awaitTerminal probes on a ticker until the job finishes, the timeout
// passes or ctx ends. Probe errors are tolerated a few times in a row before
// the job is reported failed.
func awaitTerminal(ctx context.Context, cfg pollConfig, logger *slog.Logger, handle JobHandle, probe func(context.Context) (Observation, error)) (Outcome, error) {
	var deadline <-chan time.Time
	if cfg.timeout > 0 {
		remaining := cfg.timeout
		if !handle.SubmittedAt.IsZero() {
			remaining = time.Until(handle.SubmittedAt.Add(cfg.timeout))
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	errCount := 0
	var last Observation
	for {
		obs, err := probe(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			errCount++
			logger.Warn("job status probe failed", "job", handle.Name, "attempt", errCount, "error", err)
			if errCount >= maxConsecutiveProbeErrors {
				return Outcome{
					Status: StatusFailed,
					Reason: fmt.Sprintf("job status unavailable: %v", err),
				}, nil
			}
		case obs.terminal():
			return Outcome{Status: Status(obs.Status), Reason: obs.Message, Details: obs.Details}, nil
		default:
			errCount = 0
			if obs.Status != last.Status {
				logger.Debug("job status", "job", handle.Name, "status", obs.Status)
			}
			last = obs
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline:
			return Outcome{
				Status:  StatusFailed,
				Reason:  fmt.Sprintf("timed out after %s", cfg.timeout),
				Details: last.Details,
			}, nil
		case <-ticker.C:
		}
	}
}
