package graph

import (
	"context"
	"fmt"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
)

type Builder struct {
	registry *pipeline.Registry
}

func NewBuilder(registry *pipeline.Registry) (*Builder, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Builder{registry: registry}, nil
}

type expansion struct {
	registry *pipeline.Registry
	visited  map[string]*Node
	onPath   map[string]bool
	path     []string
	order    []*Node
}

// Build expands root depth-first. A descriptor requested by several parents
// resolves to one shared node; a descriptor that reappears on its own
// expansion path fails with domain.ErrCyclicDependency.
func (b *Builder) Build(ctx context.Context, root domain.TaskDescriptor) (*Graph, error) {
	x := &expansion{
		registry: b.registry,
		visited:  map[string]*Node{},
		onPath:   map[string]bool{},
	}
	node, err := x.expand(ctx, root)
	if err != nil {
		return nil, err
	}
	return &Graph{Root: node, Nodes: x.order, byKey: x.visited}, nil
}

func (x *expansion) expand(ctx context.Context, desc domain.TaskDescriptor) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := desc.Key()
	if x.onPath[key] {
		path := append(append([]string(nil), x.path...), key)
		return nil, &domain.CycleError{Path: path}
	}
	if node, ok := x.visited[key]; ok {
		return node, nil
	}

	kind, err := x.registry.Lookup(desc.Kind)
	if err != nil {
		return nil, &domain.TaskError{Op: "expand", Task: desc, Err: err}
	}
	output, _, err := kind.OutputArtifact(desc.Params)
	if err != nil {
		return nil, &domain.TaskError{Op: "expand", Task: desc, Err: err}
	}
	children, err := kind.Dependencies(desc.Params)
	if err != nil {
		return nil, &domain.TaskError{Op: "expand", Task: desc, Path: output.URI, Err: err}
	}

	x.onPath[key] = true
	x.path = append(x.path, key)
	node := &Node{Descriptor: desc, Kind: kind, Output: output}
	for _, child := range children {
		dep, err := x.expand(ctx, child)
		if err != nil {
			return nil, err
		}
		node.Requires = append(node.Requires, dep)
	}
	x.path = x.path[:len(x.path)-1]
	delete(x.onPath, key)

	x.visited[key] = node
	x.order = append(x.order, node)
	return node, nil
}
