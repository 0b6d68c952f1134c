package target

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:        5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// RetryingStore retries operations that failed with domain.ErrStoreUnavailable.
// Any other error, including a plain "not there", is returned on first sight.
type RetryingStore struct {
	next   Store
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetryingStore(next Store, cfg RetryConfig, logger *slog.Logger) *RetryingStore {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &RetryingStore{next: next, cfg: cfg, logger: logger}
}

func (s *RetryingStore) Exists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := s.retry(ctx, "exists", uri, func() error {
		var err error
		exists, err = s.next.Exists(ctx, uri)
		return err
	})
	return exists, err
}

func (s *RetryingStore) OpenRead(ctx context.Context, uri string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.retry(ctx, "open_read", uri, func() error {
		var err error
		rc, err = s.next.OpenRead(ctx, uri)
		return err
	})
	return rc, err
}

func (s *RetryingStore) OpenWrite(ctx context.Context, uri string) (io.WriteCloser, error) {
	var wc io.WriteCloser
	err := s.retry(ctx, "open_write", uri, func() error {
		var err error
		wc, err = s.next.OpenWrite(ctx, uri)
		return err
	})
	return wc, err
}

func (s *RetryingStore) retry(ctx context.Context, op, uri string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		if s.logger != nil && attempt < s.cfg.Attempts {
			s.logger.Warn("store unavailable, retrying", "op", op, "path", uri, "attempt", attempt, "error", err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.Attempts-1)), ctx)
	return backoff.Retry(operation, policy)
}
