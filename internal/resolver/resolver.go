// Package resolver decides whether a task node is already satisfied.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/graph"
	"github.com/animus-labs/tac-pipeline/internal/target"
)

type Resolver struct {
	store  target.Store
	logger *slog.Logger
}

func New(store target.Store, logger *slog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{store: store, logger: logger}, nil
}

// IsComplete reports whether node needs no work.
//
// Always-complete kinds are answered without touching the store. Wrapper
// kinds are complete when every requirement is. Everything else is complete
// iff its output artifact exists. Store failures are returned, not treated as
// "incomplete".
func (r *Resolver) IsComplete(ctx context.Context, node *graph.Node) (bool, error) {
	if node == nil {
		return false, errors.New("node is required")
	}
	if node.Complete() {
		return true, nil
	}
	switch {
	case node.Kind.AlwaysComplete:
		return true, nil
	case !node.HasOutput():
		for _, dep := range node.Requires {
			ok, err := r.IsComplete(ctx, dep)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	exists, err := r.store.Exists(ctx, node.Output.URI)
	if err != nil {
		return false, &domain.TaskError{Op: "check", Task: node.Descriptor, Path: node.Output.URI, Err: err}
	}
	return exists, nil
}

// Refresh re-checks node and marks it complete when satisfied.
func (r *Resolver) Refresh(ctx context.Context, node *graph.Node) (bool, error) {
	ok, err := r.IsComplete(ctx, node)
	if err != nil {
		return false, err
	}
	if ok {
		node.MarkComplete()
	}
	return ok, nil
}

// Annotation summarizes one pass over a graph.
type Annotation struct {
	Complete   []string
	Incomplete []string
}

func (a Annotation) String() string {
	return fmt.Sprintf("%d complete, %d incomplete", len(a.Complete), len(a.Incomplete))
}

// Annotate marks every node of g in post-order, so wrapper checks only see
// requirements that were already resolved.
func (r *Resolver) Annotate(ctx context.Context, g *graph.Graph) (Annotation, error) {
	var out Annotation
	for _, node := range g.Nodes {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ok, err := r.Refresh(ctx, node)
		if err != nil {
			return out, err
		}
		if ok {
			out.Complete = append(out.Complete, node.Key())
			continue
		}
		out.Incomplete = append(out.Incomplete, node.Key())
	}
	r.logger.Debug("graph annotated",
		"root", g.Root.Key(),
		"complete", len(out.Complete),
		"incomplete", len(out.Incomplete),
	)
	return out, nil
}
