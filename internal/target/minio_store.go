package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Exists(ctx context.Context, uri string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("minio store not initialized")
	}
	loc, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMissingObject(err) {
		return false, nil
	}
	return false, classify("stat", uri, err)
}

func (s *MinioStore) OpenRead(ctx context.Context, uri string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("minio store not initialized")
	}
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{}); err != nil {
		return nil, classify("stat", uri, err)
	}
	obj, err := s.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", uri, err)
	}
	return obj, nil
}

// OpenWrite streams into PutObject. The object becomes visible only once
// Close returns nil.
func (s *MinioStore) OpenWrite(ctx context.Context, uri string) (io.WriteCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("minio store not initialized")
	}
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	contentType := mime.TypeByExtension(path.Ext(loc.Key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.client.PutObject(ctx, loc.Bucket, loc.Key, pr, -1, minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			err = classify("put", uri, err)
		}
		_ = pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

type objectWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *objectWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

// isMissingObject is true for a missing key only. A missing bucket stays an
// availability failure so a misconfigured deployment never reruns everything.
func isMissingObject(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.Code == "" && resp.StatusCode == http.StatusNotFound)
}

// classify maps a missing key to domain.ErrNotFound and every other failure
// to domain.ErrStoreUnavailable.
func classify(op, uri string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isMissingObject(err) {
		return fmt.Errorf("%s %s: %w", op, uri, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w: %v", op, uri, domain.ErrStoreUnavailable, err)
}
