package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/graph"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
	"github.com/animus-labs/tac-pipeline/internal/repo"
	"github.com/animus-labs/tac-pipeline/internal/resolver"
	"github.com/animus-labs/tac-pipeline/internal/runtimeexec"
	"github.com/animus-labs/tac-pipeline/internal/target"
)

// fakeRunner plays the external job: on success it writes the task's output
// into the store, the way a real container would.
type fakeRunner struct {
	store *target.MemoryStore

	mu          sync.Mutex
	outputs     map[string]string
	failures    map[string]int
	noWrite     map[string]bool
	block       map[string]bool
	rejectKind  string
	delay       time.Duration
	submitted   []string
	cancelled   []string
	inflight    int
	maxInflight int
}

func newFakeRunner(store *target.MemoryStore) *fakeRunner {
	return &fakeRunner{
		store:    store,
		outputs:  map[string]string{},
		failures: map[string]int{},
		noWrite:  map[string]bool{},
		block:    map[string]bool{},
	}
}

func (f *fakeRunner) learn(g *graph.Graph) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range g.Nodes {
		f.outputs[n.Key()] = n.Output.URI
	}
}

func (f *fakeRunner) Kind() string { return "fake" }

func (f *fakeRunner) Submit(_ context.Context, spec domain.JobSpec) (runtimeexec.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Labels[runtimeexec.LabelKind] == f.rejectKind {
		return runtimeexec.JobHandle{}, fmt.Errorf("%w: exceeded quota", domain.ErrJobSubmission)
	}
	key := spec.Labels[runtimeexec.LabelTaskKey]
	f.submitted = append(f.submitted, key)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	return runtimeexec.JobHandle{Runner: "fake", Name: key, SubmittedAt: time.Now()}, nil
}

func (f *fakeRunner) Await(ctx context.Context, h runtimeexec.JobHandle) (runtimeexec.Outcome, error) {
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	f.mu.Lock()
	block, delay := f.block[h.Name], f.delay
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return runtimeexec.Outcome{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return runtimeexec.Outcome{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[h.Name] > 0 {
		f.failures[h.Name]--
		return runtimeexec.Outcome{Status: runtimeexec.StatusFailed, Reason: "exit code 1"}, nil
	}
	if !f.noWrite[h.Name] {
		if err := f.store.Put(f.outputs[h.Name], []byte("data")); err != nil {
			return runtimeexec.Outcome{}, err
		}
	}
	return runtimeexec.Outcome{Status: runtimeexec.StatusSucceeded}, nil
}

func (f *fakeRunner) Cancel(_ context.Context, h runtimeexec.JobHandle) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, h.Name)
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

type harness struct {
	store  *target.MemoryStore
	runner *fakeRunner
	reg    *pipeline.Registry
	ledger *repo.MemoryLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := pipeline.NewTACRegistry(pipeline.DefaultDefinition(), "s3://tac")
	if err != nil {
		t.Fatalf("NewTACRegistry: %v", err)
	}
	store := target.NewMemoryStore()
	return &harness{store: store, runner: newFakeRunner(store), reg: reg, ledger: repo.NewMemoryLedger()}
}

func (h *harness) graph(t *testing.T, kind string, params map[string]string) *graph.Graph {
	t.Helper()
	desc, err := h.reg.Descriptor(kind, params)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	b, _ := graph.NewBuilder(h.reg)
	g, err := b.Build(context.Background(), desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	h.runner.learn(g)
	return g
}

func (h *harness) scheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, _ := resolver.New(h.store, logger)
	s, err := New(res, h.runner, cfg, WithLedger(h.ledger), WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func predictA() map[string]string {
	return map[string]string{"date": "2024-03-10", "model_name": "A"}
}

func kinds(descs []domain.TaskDescriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Kind)
	}
	return out
}

func TestRunPredictFromEmptyStore(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())

	res, err := h.scheduler(t, Config{}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSucceeded || res.Skipped != 10 {
		t.Fatalf("result=%+v", res)
	}

	want := []string{}
	for i := 0; i < 10; i++ {
		want = append(want, pipeline.KindFetchData)
	}
	want = append(want, pipeline.KindTransformData, pipeline.KindPredict)
	if diff := cmp.Diff(want, kinds(res.Submitted)); diff != "" {
		t.Fatalf("submission kinds mismatch (-want +got):\n%s", diff)
	}
	for _, n := range g.Nodes {
		if !n.Complete() {
			t.Fatalf("%s not complete after run", n.Key())
		}
	}

	records, _ := h.ledger.ListByRun(context.Background(), res.RunID)
	if len(records) != 12 {
		t.Fatalf("ledger records=%d, want 12", len(records))
	}
	for _, r := range records {
		if r.Status != repo.ExecutionSucceeded || r.FinishedAt == nil {
			t.Fatalf("record=%+v, want finished success", r)
		}
	}
}

func TestSecondRunSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	if _, err := h.scheduler(t, Config{}).Run(context.Background(), h.graph(t, pipeline.KindPredict, predictA())); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before := len(h.runner.submissions())

	g := h.graph(t, pipeline.KindPredict, predictA())
	res, err := h.scheduler(t, Config{Parallelism: 4}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(res.Submitted) != 0 || len(h.runner.submissions()) != before {
		t.Fatalf("second run submitted %d jobs, want 0", len(res.Submitted))
	}
	if res.Skipped != len(g.Nodes) {
		t.Fatalf("Skipped=%d, want %d", res.Skipped, len(g.Nodes))
	}
}

func TestPartialStoreOnlyRunsMissingWork(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	transform := g.Root.Requires[0]
	if err := h.store.Put(transform.Output.URI, []byte("done")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := h.scheduler(t, Config{}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{pipeline.KindPredict}, kinds(res.Submitted)); diff != "" {
		t.Fatalf("submissions mismatch (-want +got):\n%s", diff)
	}
}

func TestPresentRootSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	if err := h.store.Put(g.Root.Output.URI, []byte("done")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := h.scheduler(t, Config{Parallelism: 4}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Submitted) != 0 || len(h.runner.submissions()) != 0 {
		t.Fatalf("submitted=%v, want none below a present root", kinds(res.Submitted))
	}
	if res.Skipped != len(g.Nodes) {
		t.Fatalf("Skipped=%d, want %d", res.Skipped, len(g.Nodes))
	}
}

func TestPresentIntermediateShieldsItsInputs(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindMakePredictions, map[string]string{pipeline.ParamDate: "2024-03-10"})
	transform := g.Root.Requires[0].Requires[0]
	if err := h.store.Put(transform.Output.URI, []byte("done")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := h.scheduler(t, Config{Parallelism: 2}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{pipeline.KindPredict, pipeline.KindPredict}, kinds(res.Submitted)); diff != "" {
		t.Fatalf("submissions mismatch (-want +got):\n%s", diff)
	}
	// 10 sources, 10 fetches and the transform are never executed.
	if res.Skipped != 21 {
		t.Fatalf("Skipped=%d, want 21", res.Skipped)
	}
}

func TestContractViolation(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	transformKey := g.Root.Requires[0].Key()
	h.runner.noWrite[transformKey] = true

	res, err := h.scheduler(t, Config{JobAttempts: 3}).Run(context.Background(), g)
	if !errors.Is(err, domain.ErrContractViolation) {
		t.Fatalf("err=%v, want ErrContractViolation", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("Status=%s, want failed", res.Status)
	}
	var taskErr *domain.TaskError
	if !errors.As(err, &taskErr) || taskErr.Task.Key() != transformKey {
		t.Fatalf("err=%v, want TaskError for %s", err, transformKey)
	}
	subs := h.runner.submissions()
	if subs[len(subs)-1] != transformKey || len(subs) != 11 {
		t.Fatalf("submissions=%v, want transform submitted once and predict never", subs)
	}

	records, _ := h.ledger.ListByRun(context.Background(), res.RunID)
	last := records[len(records)-1]
	if last.TaskKey != transformKey || last.Status != repo.ExecutionContractViolation {
		t.Fatalf("last record=%+v", last)
	}
}

func TestFailFastSequential(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	h.runner.failures["fetch_data(date=2024-03-05)"] = 1

	res, err := h.scheduler(t, Config{Parallelism: 1}).Run(context.Background(), g)
	if !errors.Is(err, domain.ErrJobExecution) {
		t.Fatalf("err=%v, want ErrJobExecution", err)
	}
	var failure *domain.JobFailure
	if !errors.As(err, &failure) || failure.Reason != "exit code 1" {
		t.Fatalf("err=%v, want JobFailure carrying the job's reason", err)
	}
	// fetch runs newest day first: 03-09 .. 03-05, then the run stops.
	if len(res.Submitted) != 5 {
		t.Fatalf("submitted=%v, want 5 fetch jobs", kinds(res.Submitted))
	}
	for _, d := range res.Submitted {
		if d.Kind != pipeline.KindFetchData {
			t.Fatalf("%s submitted after failure", d.Key())
		}
	}
}

func TestFailFastCancelsOutstandingJobs(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	h.runner.block["fetch_data(date=2024-03-09)"] = true
	h.runner.block["fetch_data(date=2024-03-07)"] = true
	h.runner.failures["fetch_data(date=2024-03-08)"] = 1
	// Give all three jobs time to be submitted before the failure lands.
	h.runner.delay = 20 * time.Millisecond

	res, err := h.scheduler(t, Config{Parallelism: 3}).Run(context.Background(), g)
	if !errors.Is(err, domain.ErrJobExecution) {
		t.Fatalf("err=%v, want ErrJobExecution", err)
	}
	if len(res.Submitted) != 3 {
		t.Fatalf("submitted %d jobs, want 3", len(res.Submitted))
	}
	h.runner.mu.Lock()
	cancelled := append([]string(nil), h.runner.cancelled...)
	h.runner.mu.Unlock()
	if len(cancelled) != 2 {
		t.Fatalf("cancelled=%v, want both blocked fetch jobs", cancelled)
	}

	records, _ := h.ledger.ListByRun(context.Background(), res.RunID)
	statuses := map[repo.ExecutionStatus]int{}
	for _, r := range records {
		statuses[r.Status]++
	}
	if statuses[repo.ExecutionCancelled] != 2 || statuses[repo.ExecutionFailed] != 1 {
		t.Fatalf("ledger statuses=%v", statuses)
	}
}

func TestJobAttemptsRetriesFailedOutcome(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	h.runner.failures["fetch_data(date=2024-03-01)"] = 1

	res, err := h.scheduler(t, Config{JobAttempts: 2}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Submitted) != 13 {
		t.Fatalf("submitted=%d, want 13 (one retry)", len(res.Submitted))
	}
	records, _ := h.ledger.ListByRun(context.Background(), res.RunID)
	attempts := 0
	for _, r := range records {
		if r.TaskKey == "fetch_data(date=2024-03-01)" {
			attempts++
		}
	}
	if attempts != 2 {
		t.Fatalf("ledger attempts for retried task=%d, want 2", attempts)
	}
}

func TestSubmissionRejectedIsNotRetried(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	h.runner.rejectKind = pipeline.KindTransformData

	_, err := h.scheduler(t, Config{JobAttempts: 3}).Run(context.Background(), g)
	if !errors.Is(err, domain.ErrJobSubmission) {
		t.Fatalf("err=%v, want ErrJobSubmission", err)
	}
	if n := len(h.runner.submissions()); n != 10 {
		t.Fatalf("accepted submissions=%d, want 10", n)
	}
}

func TestParallelRunRespectsDependencies(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindMakePredictions, map[string]string{"date": "2024-03-10"})
	h.runner.delay = 5 * time.Millisecond

	res, err := h.scheduler(t, Config{Parallelism: 4}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Submitted) != 13 {
		t.Fatalf("submitted=%d, want 13", len(res.Submitted))
	}
	if h.runner.maxInflight < 2 || h.runner.maxInflight > 4 {
		t.Fatalf("maxInflight=%d, want 2..4", h.runner.maxInflight)
	}

	pos := map[string]int{}
	for i, d := range res.Submitted {
		pos[d.Key()] = i
	}
	for _, n := range g.Nodes {
		i, ok := pos[n.Key()]
		if !ok {
			continue
		}
		for _, dep := range n.Requires {
			if j, ok := pos[dep.Key()]; ok && j >= i {
				t.Fatalf("%s submitted before its dependency %s", n.Key(), dep.Key())
			}
		}
	}
	if !g.Root.Complete() {
		t.Fatalf("wrapper root not complete")
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	h := newHarness(t)
	g := h.graph(t, pipeline.KindPredict, predictA())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.scheduler(t, Config{}).Run(ctx, g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if n := len(h.runner.submissions()); n != 0 {
		t.Fatalf("submitted %d jobs after cancellation", n)
	}
}
