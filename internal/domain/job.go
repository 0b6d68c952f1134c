package domain

// JobSpec is derived from a resolved task and never stored. Command is the
// full argument vector handed to the container.
type JobSpec struct {
	Name      string
	Image     string
	Container string
	Command   []string
	Env       map[string]string
	Resources Resources
	Labels    map[string]string
}

type Resources struct {
	CPU    string `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty" json:"memory,omitempty"`
	GPUs   int    `yaml:"gpus,omitempty" json:"gpus,omitempty"`
}

func (r Resources) IsZero() bool {
	return r.CPU == "" && r.Memory == "" && r.GPUs == 0
}
