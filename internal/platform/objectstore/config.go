package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/platform/env"
)

// Config selects the S3-compatible endpoint and the single bucket every
// artifact of the pipeline lives in.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	bucket, err := env.Required("TAC_S3_BUCKET")
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("TAC_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("TAC_S3_ENDPOINT", "s3.amazonaws.com"),
		AccessKey: env.String("TAC_S3_ACCESS_KEY", ""),
		SecretKey: env.String("TAC_S3_SECRET_KEY", ""),
		Region:    env.String("TAC_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    bucket,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.Contains(c.Bucket, "/") {
		return fmt.Errorf("bucket must not contain '/': %q", c.Bucket)
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}

// Root is the URI prefix all artifact paths are built under.
func (c Config) Root() string {
	return "s3://" + strings.TrimSpace(c.Bucket)
}
