package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Param is a single named task parameter. Values are kept in their canonical
// string form (dates as YYYY-MM-DD) so that identity is a plain string compare.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered, name-sorted parameter set.
type Params []Param

// NewParams builds a Params from alternating name/value pairs.
func NewParams(pairs ...string) (Params, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of name/value arguments", ErrInvalidParams)
	}
	out := make(Params, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, Param{Name: pairs[i], Value: pairs[i+1]})
	}
	return ParamsFromMap(out.Map())
}

// ParamsFromMap normalizes a name -> value map into a sorted Params.
func ParamsFromMap(values map[string]string) (Params, error) {
	out := make(Params, 0, len(values))
	for name, value := range values {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: parameter name is required", ErrInvalidParams)
		}
		if strings.ContainsAny(name, "=,()") {
			return nil, fmt.Errorf("%w: parameter name %q contains reserved characters", ErrInvalidParams, name)
		}
		out = append(out, Param{Name: name, Value: strings.TrimSpace(value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the value for name.
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// Map returns a copy of the parameters as a map.
func (p Params) Map() map[string]string {
	out := make(map[string]string, len(p))
	for _, param := range p {
		out[param.Name] = param.Value
	}
	return out
}

func (p Params) String() string {
	parts := make([]string, 0, len(p))
	for _, param := range p {
		parts = append(parts, param.Name+"="+param.Value)
	}
	return strings.Join(parts, ",")
}

// TaskDescriptor identifies a logical task: a kind plus its parameters.
// Two descriptors with the same Key denote the same task.
type TaskDescriptor struct {
	Kind   string
	Params Params
}

// NewTaskDescriptor validates kind and normalizes params.
func NewTaskDescriptor(kind string, params map[string]string) (TaskDescriptor, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return TaskDescriptor{}, fmt.Errorf("%w: task kind is required", ErrInvalidParams)
	}
	normalized, err := ParamsFromMap(params)
	if err != nil {
		return TaskDescriptor{}, err
	}
	return TaskDescriptor{Kind: kind, Params: normalized}, nil
}

// Key is the canonical identity, e.g. "predict(date=2024-03-10,model_name=A)".
func (d TaskDescriptor) Key() string {
	return d.Kind + "(" + d.Params.String() + ")"
}

func (d TaskDescriptor) String() string {
	return d.Key()
}

// Artifact references externally stored data by URI. The engine only ever
// inspects its existence.
type Artifact struct {
	URI string
}

func (a Artifact) IsZero() bool {
	return strings.TrimSpace(a.URI) == ""
}
