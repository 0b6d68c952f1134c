// Package pipeline declares task kinds and the registry the graph builder
// dispatches through.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

// Kind describes one category of work. Dispatch is by Name through a
// Registry; there is no inheritance.
//
// A kind with a nil Output is a wrapper: it produces nothing, submits no job
// and is complete once its requirements are. AlwaysComplete marks data owned
// outside the pipeline that must never be regenerated.
type Kind struct {
	Name           string
	Params         []string
	AlwaysComplete bool

	Image     string
	Container string
	Env       map[string]string
	Resources domain.Resources

	Validate func(params domain.Params) error
	Requires func(params domain.Params) ([]domain.TaskDescriptor, error)
	Output   func(params domain.Params) (domain.Artifact, error)
	Args     func(params domain.Params, inputs []domain.Artifact, output domain.Artifact) ([]string, error)
}

func (k *Kind) IsWrapper() bool {
	return k.Output == nil
}

// Dependencies returns the ordered child descriptors of a task of this kind.
func (k *Kind) Dependencies(params domain.Params) ([]domain.TaskDescriptor, error) {
	if k.Requires == nil {
		return nil, nil
	}
	return k.Requires(params)
}

// OutputArtifact returns the artifact a task of this kind produces; ok is
// false for wrappers.
func (k *Kind) OutputArtifact(params domain.Params) (domain.Artifact, bool, error) {
	if k.Output == nil {
		return domain.Artifact{}, false, nil
	}
	artifact, err := k.Output(params)
	if err != nil {
		return domain.Artifact{}, false, err
	}
	if artifact.IsZero() {
		return domain.Artifact{}, false, fmt.Errorf("kind %s produced an empty output path", k.Name)
	}
	return artifact, true, nil
}

// JobSpec builds the container invocation for one task. The job name is left
// empty; runners assign it per attempt.
func (k *Kind) JobSpec(params domain.Params, inputs []domain.Artifact, output domain.Artifact) (domain.JobSpec, error) {
	if k.AlwaysComplete || k.IsWrapper() || k.Args == nil {
		return domain.JobSpec{}, fmt.Errorf("kind %s does not run jobs", k.Name)
	}
	args, err := k.Args(params, inputs, output)
	if err != nil {
		return domain.JobSpec{}, err
	}
	env := make(map[string]string, len(k.Env))
	for key, value := range k.Env {
		env[key] = value
	}
	return domain.JobSpec{
		Image:     k.Image,
		Container: k.Container,
		Command:   args,
		Env:       env,
		Resources: k.Resources,
		Labels:    map[string]string{"tac.pipeline/kind": k.Name},
	}, nil
}

func (k *Kind) check() error {
	if strings.TrimSpace(k.Name) == "" {
		return errors.New("kind name is required")
	}
	switch {
	case k.AlwaysComplete:
		if k.Output == nil {
			return fmt.Errorf("kind %s: always-complete kinds must declare an output", k.Name)
		}
	case k.IsWrapper():
		if k.Requires == nil {
			return fmt.Errorf("kind %s: wrapper kinds must declare requirements", k.Name)
		}
	default:
		if k.Args == nil {
			return fmt.Errorf("kind %s: argument builder is required", k.Name)
		}
		if strings.TrimSpace(k.Image) == "" {
			return fmt.Errorf("kind %s: image is required", k.Name)
		}
		if strings.TrimSpace(k.Container) == "" {
			return fmt.Errorf("kind %s: container name is required", k.Name)
		}
	}
	return nil
}

// Registry maps kind names to kinds. It is safe for concurrent lookups.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]*Kind{}}
}

func (r *Registry) Register(kind *Kind) error {
	if kind == nil {
		return errors.New("kind is required")
	}
	if err := kind.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind.Name]; ok {
		return fmt.Errorf("kind %s already registered", kind.Name)
	}
	r.kinds[kind.Name] = kind
	return nil
}

func (r *Registry) Lookup(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, name)
	}
	return kind, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptor validates a request against the kind's declared parameters and
// returns the normalized descriptor.
func (r *Registry) Descriptor(kindName string, params map[string]string) (domain.TaskDescriptor, error) {
	kind, err := r.Lookup(strings.TrimSpace(kindName))
	if err != nil {
		return domain.TaskDescriptor{}, err
	}
	desc, err := domain.NewTaskDescriptor(kind.Name, params)
	if err != nil {
		return domain.TaskDescriptor{}, err
	}
	declared := make(map[string]struct{}, len(kind.Params))
	for _, name := range kind.Params {
		declared[name] = struct{}{}
		if v, ok := desc.Params.Get(name); !ok || v == "" {
			return domain.TaskDescriptor{}, fmt.Errorf("%w: %s requires parameter %q", domain.ErrInvalidParams, kind.Name, name)
		}
	}
	for _, p := range desc.Params {
		if _, ok := declared[p.Name]; !ok {
			return domain.TaskDescriptor{}, fmt.Errorf("%w: %s does not accept parameter %q", domain.ErrInvalidParams, kind.Name, p.Name)
		}
	}
	if kind.Validate != nil {
		if err := kind.Validate(desc.Params); err != nil {
			return domain.TaskDescriptor{}, err
		}
	}
	return desc, nil
}
