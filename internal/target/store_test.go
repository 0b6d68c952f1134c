package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

func TestParseURI(t *testing.T) {
	loc, err := ParseURI("s3://tac/tac-example/data/raw/2024-03-01.csv")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if loc.Bucket != "tac" || loc.Key != "tac-example/data/raw/2024-03-01.csv" {
		t.Fatalf("ParseURI=%+v", loc)
	}

	for _, bad := range []string{"", "tac/key", "s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		if _, err := ParseURI(bad); err == nil {
			t.Fatalf("ParseURI(%q) expected error", bad)
		}
	}
}

func TestMemoryStoreWriteVisibleOnClose(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	uri := "s3://tac/out.csv"

	w, err := store.OpenWrite(ctx, uri)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if _, err := io.WriteString(w, "a,b\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ok, _ := store.Exists(ctx, uri); ok {
		t.Fatalf("Exists before Close=true, want false")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ok, err := store.Exists(ctx, uri); err != nil || !ok {
		t.Fatalf("Exists after Close=%v err=%v", ok, err)
	}

	r, err := store.OpenRead(ctx, uri)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "a,b\n" {
		t.Fatalf("read %q", data)
	}

	if _, err := store.OpenRead(ctx, "s3://tac/missing.csv"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("OpenRead missing err=%v, want ErrNotFound", err)
	}
}

func TestClassify(t *testing.T) {
	missing := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	if !isMissingObject(missing) {
		t.Fatalf("isMissingObject(NoSuchKey)=false")
	}
	if err := classify("get", "s3://b/k", missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("classify(NoSuchKey)=%v, want ErrNotFound", err)
	}

	noBucket := minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}
	if isMissingObject(noBucket) {
		t.Fatalf("isMissingObject(NoSuchBucket)=true")
	}
	if err := classify("stat", "s3://b/k", noBucket); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("classify(NoSuchBucket)=%v, want ErrStoreUnavailable", err)
	}

	down := minio.ErrorResponse{Code: "InternalError", StatusCode: 500}
	if err := classify("stat", "s3://b/k", down); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("classify(500)=%v, want ErrStoreUnavailable", err)
	}

	if err := classify("stat", "s3://b/k", context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("classify(canceled)=%v, want bare context.Canceled", err)
	}
}

type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Exists(ctx context.Context, uri string) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, f.err
	}
	return f.MemoryStore.Exists(ctx, uri)
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{Attempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingStoreRetriesUnavailable(t *testing.T) {
	mem := NewMemoryStore()
	if err := mem.Put("s3://tac/a.csv", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	flaky := &flakyStore{MemoryStore: mem, failures: 2, err: fmt.Errorf("stat: %w", domain.ErrStoreUnavailable)}
	store := NewRetryingStore(flaky, fastRetry(5), nil)

	ok, err := store.Exists(context.Background(), "s3://tac/a.csv")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists=false, want true")
	}
	if flaky.calls != 3 {
		t.Fatalf("calls=%d, want 3", flaky.calls)
	}
}

func TestRetryingStoreGivesUp(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100, err: domain.ErrStoreUnavailable}
	store := NewRetryingStore(flaky, fastRetry(3), nil)

	_, err := store.Exists(context.Background(), "s3://tac/a.csv")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err=%v, want ErrStoreUnavailable", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("calls=%d, want 3", flaky.calls)
	}
}

func TestRetryingStoreDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("access denied")
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100, err: boom}
	store := NewRetryingStore(flaky, fastRetry(5), nil)

	_, err := store.Exists(context.Background(), "s3://tac/a.csv")
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if flaky.calls != 1 {
		t.Fatalf("calls=%d, want 1", flaky.calls)
	}
}
