package graph

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
)

func tacBuilder(t *testing.T) (*Builder, *pipeline.Registry) {
	t.Helper()
	reg, err := pipeline.NewTACRegistry(pipeline.DefaultDefinition(), "s3://tac")
	if err != nil {
		t.Fatalf("NewTACRegistry: %v", err)
	}
	b, err := NewBuilder(reg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b, reg
}

func TestBuildPredictExpansion(t *testing.T) {
	b, reg := tacBuilder(t)
	root, err := reg.Descriptor(pipeline.KindPredict, map[string]string{"date": "2024-03-10", "model_name": "A"})
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	g, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	counts := map[string]int{}
	for _, n := range g.Nodes {
		counts[n.Descriptor.Kind]++
	}
	want := map[string]int{
		pipeline.KindPredict:       1,
		pipeline.KindTransformData: 1,
		pipeline.KindFetchData:     10,
		pipeline.KindSourceData:    10,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("node counts mismatch (-want +got):\n%s", diff)
	}
	if g.Root.Key() != root.Key() {
		t.Fatalf("Root=%s, want %s", g.Root.Key(), root.Key())
	}
	if g.Nodes[len(g.Nodes)-1] != g.Root {
		t.Fatalf("root must be last in post-order")
	}

	transform := g.Root.Requires[0]
	first, last := transform.Requires[0], transform.Requires[9]
	if first.Key() != "fetch_data(date=2024-03-09)" || last.Key() != "fetch_data(date=2024-02-29)" {
		t.Fatalf("fetch window = %s .. %s", first.Key(), last.Key())
	}
}

func TestBuildPostOrder(t *testing.T) {
	b, reg := tacBuilder(t)
	root, _ := reg.Descriptor(pipeline.KindMakePredictions, map[string]string{"date": "2024-03-10"})
	g, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pos := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		pos[n.Key()] = i
	}
	for _, e := range g.Edges() {
		if pos[e.From] >= pos[e.To] {
			t.Fatalf("dependency %s at %d not before dependent %s at %d", e.From, pos[e.From], e.To, pos[e.To])
		}
	}
}

func TestBuildDeduplicatesSharedDescriptors(t *testing.T) {
	b, reg := tacBuilder(t)
	root, _ := reg.Descriptor(pipeline.KindMakePredictions, map[string]string{"date": "2024-03-10"})
	g, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// make_predictions + 2 predict + 1 transform + 10 fetch + 10 source
	if len(g.Nodes) != 24 {
		t.Fatalf("len(Nodes)=%d, want 24", len(g.Nodes))
	}
	a, bb := g.Root.Requires[0], g.Root.Requires[1]
	if a.Requires[0] != bb.Requires[0] {
		t.Fatalf("predict A and B must share one transform node")
	}

	seen := map[string]*Node{}
	for _, n := range g.Nodes {
		if prev, ok := seen[n.Key()]; ok && prev != n {
			t.Fatalf("duplicate node for %s", n.Key())
		}
		seen[n.Key()] = n
	}
}

func TestBuildDeduplicatesOverlappingWindows(t *testing.T) {
	reg := pipeline.NewRegistry()
	mustRegister(t, reg, &pipeline.Kind{
		Name: "leaf", Params: []string{"day"}, Image: "img", Container: "leaf",
		Output: func(p domain.Params) (domain.Artifact, error) {
			day, _ := p.Get("day")
			return domain.Artifact{URI: "s3://b/leaf/" + day}, nil
		},
		Args: noArgs,
	})
	mustRegister(t, reg, &pipeline.Kind{
		Name: "window", Params: []string{"end"}, Image: "img", Container: "window",
		Requires: func(p domain.Params) ([]domain.TaskDescriptor, error) {
			raw, _ := p.Get("end")
			end, err := strconv.Atoi(raw)
			if err != nil {
				return nil, err
			}
			var out []domain.TaskDescriptor
			for day := end; day < end+3; day++ {
				out = append(out, desc("leaf", "day", strconv.Itoa(day)))
			}
			return out, nil
		},
		Output: func(p domain.Params) (domain.Artifact, error) {
			end, _ := p.Get("end")
			return domain.Artifact{URI: "s3://b/window/" + end}, nil
		},
		Args: noArgs,
	})
	mustRegister(t, reg, &pipeline.Kind{
		Name: "both",
		Requires: func(domain.Params) ([]domain.TaskDescriptor, error) {
			return []domain.TaskDescriptor{desc("window", "end", "1"), desc("window", "end", "2")}, nil
		},
	})
	b, _ := NewBuilder(reg)
	g, err := b.Build(context.Background(), domain.TaskDescriptor{Kind: "both"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	leaves := 0
	for _, n := range g.Nodes {
		if n.Descriptor.Kind == "leaf" {
			leaves++
		}
	}
	// windows {1,2,3} and {2,3,4} overlap on two days.
	if leaves != 4 {
		t.Fatalf("leaf nodes=%d, want 4", leaves)
	}
}

func TestBuildRejectsCycles(t *testing.T) {
	reg := pipeline.NewRegistry()
	mustRegister(t, reg, &pipeline.Kind{
		Name: "self", Image: "img", Container: "self",
		Requires: func(p domain.Params) ([]domain.TaskDescriptor, error) {
			return []domain.TaskDescriptor{{Kind: "self", Params: p}}, nil
		},
		Output: func(domain.Params) (domain.Artifact, error) { return domain.Artifact{URI: "s3://b/self"}, nil },
		Args:   noArgs,
	})
	mustRegister(t, reg, &pipeline.Kind{
		Name: "ping", Image: "img", Container: "ping",
		Requires: func(domain.Params) ([]domain.TaskDescriptor, error) {
			return []domain.TaskDescriptor{{Kind: "pong"}}, nil
		},
		Output: func(domain.Params) (domain.Artifact, error) { return domain.Artifact{URI: "s3://b/ping"}, nil },
		Args:   noArgs,
	})
	mustRegister(t, reg, &pipeline.Kind{
		Name: "pong", Image: "img", Container: "pong",
		Requires: func(domain.Params) ([]domain.TaskDescriptor, error) {
			return []domain.TaskDescriptor{{Kind: "ping"}}, nil
		},
		Output: func(domain.Params) (domain.Artifact, error) { return domain.Artifact{URI: "s3://b/pong"}, nil },
		Args:   noArgs,
	})
	b, _ := NewBuilder(reg)

	_, err := b.Build(context.Background(), domain.TaskDescriptor{Kind: "self"})
	if !errors.Is(err, domain.ErrCyclicDependency) {
		t.Fatalf("direct cycle err=%v, want ErrCyclicDependency", err)
	}

	_, err = b.Build(context.Background(), domain.TaskDescriptor{Kind: "ping"})
	var cycle *domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("transitive cycle err=%v, want CycleError", err)
	}
	if got := strings.Join(cycle.Path, " -> "); got != "ping() -> pong() -> ping()" {
		t.Fatalf("cycle path=%q", got)
	}
}

func TestBuildUnknownKind(t *testing.T) {
	b, _ := tacBuilder(t)
	_, err := b.Build(context.Background(), domain.TaskDescriptor{Kind: "missing"})
	if !errors.Is(err, domain.ErrUnknownKind) {
		t.Fatalf("err=%v, want ErrUnknownKind", err)
	}
}

func TestNodeJobSpecUsesResolvedInputs(t *testing.T) {
	b, reg := tacBuilder(t)
	root, _ := reg.Descriptor(pipeline.KindFetchData, map[string]string{"date": "2024-03-01"})
	g, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	spec, err := g.Root.JobSpec()
	if err != nil {
		t.Fatalf("JobSpec: %v", err)
	}
	want := []string{
		"python", "-m", "tac.fetch",
		"s3://tac/tac-example/source/2024-03-01.csv",
		"s3://tac/tac-example/data/raw/2024-03-01.csv",
	}
	if diff := cmp.Diff(want, spec.Command); diff != "" {
		t.Fatalf("Command mismatch (-want +got):\n%s", diff)
	}
}

func mustRegister(t *testing.T, reg *pipeline.Registry, kind *pipeline.Kind) {
	t.Helper()
	if err := reg.Register(kind); err != nil {
		t.Fatalf("Register(%s): %v", kind.Name, err)
	}
}

func desc(kind, name, value string) domain.TaskDescriptor {
	return domain.TaskDescriptor{Kind: kind, Params: domain.Params{{Name: name, Value: value}}}
}

func noArgs(domain.Params, []domain.Artifact, domain.Artifact) ([]string, error) {
	return []string{"true"}, nil
}

func TestPendingStopsAtCompleteNodes(t *testing.T) {
	b, reg := tacBuilder(t)
	desc, err := reg.Descriptor(pipeline.KindMakePredictions, map[string]string{pipeline.ParamDate: "2024-03-10"})
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	g, err := b.Build(context.Background(), desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := len(g.Pending()); got != len(g.Nodes) {
		t.Fatalf("nothing complete: Pending=%d, want %d", got, len(g.Nodes))
	}

	transform, ok := g.Lookup("transform_data(date=2024-03-10)")
	if !ok {
		t.Fatalf("transform node missing")
	}
	transform.MarkComplete()
	var keys []string
	for _, n := range g.Pending() {
		keys = append(keys, n.Key())
	}
	want := []string{
		"predict(date=2024-03-10,model_name=A)",
		"predict(date=2024-03-10,model_name=B)",
		"make_predictions(date=2024-03-10)",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("pending mismatch (-want +got):\n%s", diff)
	}

	g.Root.MarkComplete()
	if got := g.Pending(); len(got) != 0 {
		t.Fatalf("complete root: Pending=%d, want 0", len(got))
	}
}
