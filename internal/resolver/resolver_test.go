package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/graph"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
	"github.com/animus-labs/tac-pipeline/internal/target"
)

const root = "s3://tac"

type brokenStore struct {
	calls atomic.Int32
}

func (s *brokenStore) Exists(context.Context, string) (bool, error) {
	s.calls.Add(1)
	return false, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

func (s *brokenStore) OpenWrite(context.Context, string) (io.WriteCloser, error) {
	return nil, domain.ErrStoreUnavailable
}

func (s *brokenStore) OpenRead(context.Context, string) (io.ReadCloser, error) {
	return nil, domain.ErrStoreUnavailable
}

func build(t *testing.T, kind string, params map[string]string) *graph.Graph {
	t.Helper()
	reg, err := pipeline.NewTACRegistry(pipeline.DefaultDefinition(), root)
	if err != nil {
		t.Fatalf("NewTACRegistry: %v", err)
	}
	desc, err := reg.Descriptor(kind, params)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	b, _ := graph.NewBuilder(reg)
	g, err := b.Build(context.Background(), desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestAlwaysCompleteNeverConsultsStore(t *testing.T) {
	g := build(t, pipeline.KindSourceData, map[string]string{"date": "2024-03-01"})
	store := &brokenStore{}
	r, _ := New(store, nil)

	ok, err := r.IsComplete(context.Background(), g.Root)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if !ok {
		t.Fatalf("source data must be complete")
	}
	if n := store.calls.Load(); n != 0 {
		t.Fatalf("store calls=%d, want 0", n)
	}
}

func TestIsCompleteFollowsArtifact(t *testing.T) {
	g := build(t, pipeline.KindFetchData, map[string]string{"date": "2024-03-01"})
	store := target.NewMemoryStore()
	r, _ := New(store, nil)

	ok, err := r.IsComplete(context.Background(), g.Root)
	if err != nil || ok {
		t.Fatalf("IsComplete=%v,%v, want false,nil", ok, err)
	}
	if err := store.Put(g.Root.Output.URI, []byte("a,b\n")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = r.IsComplete(context.Background(), g.Root)
	if err != nil || !ok {
		t.Fatalf("IsComplete=%v,%v, want true,nil", ok, err)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	g := build(t, pipeline.KindFetchData, map[string]string{"date": "2024-03-01"})
	r, _ := New(&brokenStore{}, nil)

	_, err := r.IsComplete(context.Background(), g.Root)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err=%v, want ErrStoreUnavailable", err)
	}
	var taskErr *domain.TaskError
	if !errors.As(err, &taskErr) || taskErr.Path != g.Root.Output.URI {
		t.Fatalf("err=%v, want TaskError carrying the output path", err)
	}
}

func TestWrapperCompleteOnlyWhenAllModelsDone(t *testing.T) {
	g := build(t, pipeline.KindMakePredictions, map[string]string{"date": "2024-03-10"})
	store := target.NewMemoryStore()
	r, _ := New(store, nil)

	a, b := g.Root.Requires[0], g.Root.Requires[1]
	if err := store.Put(a.Output.URI, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := r.IsComplete(context.Background(), g.Root)
	if err != nil || ok {
		t.Fatalf("IsComplete=%v,%v with one model missing, want false,nil", ok, err)
	}
	if err := store.Put(b.Output.URI, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = r.IsComplete(context.Background(), g.Root)
	if err != nil || !ok {
		t.Fatalf("IsComplete=%v,%v, want true,nil", ok, err)
	}
}

func TestAnnotateEmptyStore(t *testing.T) {
	g := build(t, pipeline.KindPredict, map[string]string{"date": "2024-03-10", "model_name": "A"})
	r, _ := New(target.NewMemoryStore(), nil)

	ann, err := r.Annotate(context.Background(), g)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(ann.Complete) != 10 || len(ann.Incomplete) != 12 {
		t.Fatalf("annotation=%s, want 10 complete, 12 incomplete", ann)
	}
	for _, n := range g.Nodes {
		if n.Descriptor.Kind == pipeline.KindSourceData && !n.Complete() {
			t.Fatalf("%s not marked complete", n.Key())
		}
		if n.Descriptor.Kind != pipeline.KindSourceData && n.Complete() {
			t.Fatalf("%s marked complete on empty store", n.Key())
		}
	}
}
