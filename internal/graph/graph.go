// Package graph expands a root task descriptor into a deduplicated,
// acyclic graph of task nodes.
package graph

import (
	"sync"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
)

// Node is one task instance. Its identity is Descriptor.Key(); the builder
// guarantees one Node per key within a Graph.
type Node struct {
	Descriptor domain.TaskDescriptor
	Kind       *pipeline.Kind
	Requires   []*Node
	Output     domain.Artifact

	mu       sync.Mutex
	complete bool
}

func (n *Node) Key() string {
	return n.Descriptor.Key()
}

// HasOutput is false for wrapper kinds.
func (n *Node) HasOutput() bool {
	return !n.Output.IsZero()
}

func (n *Node) Complete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.complete
}

// MarkComplete records that the node's artifact is present. Completion is
// monotonic; there is no way to unmark a node.
func (n *Node) MarkComplete() {
	n.mu.Lock()
	n.complete = true
	n.mu.Unlock()
}

// Inputs lists the artifacts of the node's requirements in declaration order.
func (n *Node) Inputs() []domain.Artifact {
	out := make([]domain.Artifact, 0, len(n.Requires))
	for _, dep := range n.Requires {
		if dep.HasOutput() {
			out = append(out, dep.Output)
		}
	}
	return out
}

// JobSpec derives the container invocation from the node's resolved inputs.
func (n *Node) JobSpec() (domain.JobSpec, error) {
	spec, err := n.Kind.JobSpec(n.Descriptor.Params, n.Inputs(), n.Output)
	if err != nil {
		return domain.JobSpec{}, &domain.TaskError{Op: "build job", Task: n.Descriptor, Path: n.Output.URI, Err: err}
	}
	return spec, nil
}

// Graph is the expansion of one root request. Nodes is in post-order:
// every node appears after all of its requirements.
type Graph struct {
	Root  *Node
	Nodes []*Node

	byKey map[string]*Node
}

func (g *Graph) Lookup(key string) (*Node, bool) {
	n, ok := g.byKey[key]
	return n, ok
}

type Edge struct {
	From string
	To   string
}

// Edges lists requirement edges, dependency first.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, dep := range n.Requires {
			out = append(out, Edge{From: dep.Key(), To: n.Key()})
		}
	}
	return out
}

// Pending lists, in post-order, the nodes a run has to execute. The walk
// starts at the root and never descends below a complete node, so the
// requirements of a present artifact are not visited.
func (g *Graph) Pending() []*Node {
	if g.Root == nil {
		return nil
	}
	need := map[*Node]bool{}
	var visit func(n *Node)
	visit = func(n *Node) {
		if n.Complete() || need[n] {
			return
		}
		need[n] = true
		for _, dep := range n.Requires {
			visit(dep)
		}
	}
	visit(g.Root)

	out := make([]*Node, 0, len(need))
	for _, n := range g.Nodes {
		if need[n] {
			out = append(out, n)
		}
	}
	return out
}
