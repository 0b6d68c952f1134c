package runs

import (
	"context"
)

type PlannedTask struct {
	Key      string   `json:"key"`
	Kind     string   `json:"kind"`
	Output   string   `json:"output,omitempty"`
	Complete bool     `json:"complete"`
	Requires []string `json:"requires,omitempty"`
	// Command is set for the tasks a run would submit.
	Command []string `json:"command,omitempty"`
}

type Plan struct {
	Root  string        `json:"root"`
	Tasks []PlannedTask `json:"tasks"`
	// Jobs counts the tasks a run would submit right now.
	Jobs int `json:"jobs"`
}

// Plan expands and annotates req without submitting anything. Tasks are
// listed dependencies first.
func (s *Service) Plan(ctx context.Context, req Request) (Plan, error) {
	g, err := s.Build(ctx, req)
	if err != nil {
		return Plan{}, err
	}
	if _, err := s.resolver.Annotate(ctx, g); err != nil {
		return Plan{}, err
	}

	pending := map[string]bool{}
	for _, node := range g.Pending() {
		pending[node.Key()] = true
	}
	out := Plan{Root: g.Root.Key(), Tasks: make([]PlannedTask, 0, len(g.Nodes))}
	for _, node := range g.Nodes {
		task := PlannedTask{
			Key:      node.Key(),
			Kind:     node.Descriptor.Kind,
			Output:   node.Output.URI,
			Complete: node.Complete(),
		}
		for _, dep := range node.Requires {
			task.Requires = append(task.Requires, dep.Key())
		}
		if pending[task.Key] && node.HasOutput() {
			spec, err := node.JobSpec()
			if err != nil {
				return Plan{}, err
			}
			task.Command = spec.Command
			out.Jobs++
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}

