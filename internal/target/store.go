// Package target answers "does artifact X already exist" and opens artifacts
// for reading and writing against the backing object store. Artifacts are
// addressed by s3://<bucket>/<key> URIs.
package target

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Store abstracts artifact storage. Exists reports false with a nil error when
// the object is simply not there yet; connectivity failures are returned as
// errors wrapping domain.ErrStoreUnavailable.
type Store interface {
	Exists(ctx context.Context, uri string) (bool, error)
	OpenWrite(ctx context.Context, uri string) (io.WriteCloser, error)
	OpenRead(ctx context.Context, uri string) (io.ReadCloser, error)
}

const scheme = "s3://"

// Location is a parsed artifact URI.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return scheme + l.Bucket + "/" + l.Key
}

func ParseURI(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, scheme) {
		return Location{}, fmt.Errorf("artifact uri %q must start with %s", uri, scheme)
	}
	rest := strings.TrimPrefix(uri, scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.Trim(key, "/") == "" {
		return Location{}, fmt.Errorf("artifact uri %q must be %s<bucket>/<key>", uri, scheme)
	}
	return Location{Bucket: bucket, Key: strings.TrimLeft(key, "/")}, nil
}
