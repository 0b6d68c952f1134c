package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

const DefinitionSchemaV1 = "tac.pipeline.v1"

// Definition carries the deploy-time knobs of the pipeline: which image to
// run, how far back the transform looks and which models to predict with.
type Definition struct {
	Schema          string                  `yaml:"schema"`
	Name            string                  `yaml:"name"`
	Image           string                  `yaml:"image"`
	Entrypoint      []string                `yaml:"entrypoint"`
	Package         string                  `yaml:"package"`
	FetchWindowDays int                     `yaml:"fetch_window_days"`
	Models          []string                `yaml:"models"`
	Env             map[string]string       `yaml:"env,omitempty"`
	Kinds           map[string]KindSettings `yaml:"kinds,omitempty"`
}

type KindSettings struct {
	Container string           `yaml:"container,omitempty"`
	Image     string           `yaml:"image,omitempty"`
	Resources domain.Resources `yaml:"resources,omitempty"`
}

func DefaultDefinition() Definition {
	return Definition{
		Schema:          DefinitionSchemaV1,
		Name:            "tac-example",
		Image:           "tac-example:v1",
		Entrypoint:      []string{"python", "-m"},
		Package:         "tac",
		FetchWindowDays: 10,
		Models:          []string{"A", "B"},
		Kinds: map[string]KindSettings{
			KindFetchData:     {Container: "fetch-data"},
			KindTransformData: {Container: "transform-data"},
			KindPredict:       {Container: "predict"},
		},
	}
}

// ParseDefinition decodes YAML on top of DefaultDefinition, so a file only
// needs the fields it changes.
func ParseDefinition(input []byte) (Definition, error) {
	def := DefaultDefinition()
	if err := yaml.Unmarshal(input, &def); err != nil {
		return Definition{}, fmt.Errorf("decode pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func LoadDefinition(path string) (Definition, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultDefinition(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: read pipeline definition: %v", domain.ErrConfiguration, err)
	}
	def, err := ParseDefinition(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return def, nil
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.Schema) != DefinitionSchemaV1 {
		return fmt.Errorf("schema must be %q", DefinitionSchemaV1)
	}
	if strings.TrimSpace(d.Name) == "" || strings.Contains(d.Name, "/") {
		return fmt.Errorf("name must be a non-empty path segment: %q", d.Name)
	}
	if strings.TrimSpace(d.Image) == "" {
		return errors.New("image is required")
	}
	if len(d.Entrypoint) == 0 {
		return errors.New("entrypoint must be non-empty")
	}
	if strings.TrimSpace(d.Package) == "" {
		return errors.New("package is required")
	}
	if d.FetchWindowDays < 1 {
		return fmt.Errorf("fetch_window_days must be >= 1, got %d", d.FetchWindowDays)
	}
	if len(d.Models) == 0 {
		return errors.New("models must be non-empty")
	}
	seen := make(map[string]struct{}, len(d.Models))
	for i, model := range d.Models {
		model = strings.TrimSpace(model)
		if err := checkModelName(model); err != nil {
			return fmt.Errorf("models[%d]: %v", i, err)
		}
		if _, ok := seen[model]; ok {
			return fmt.Errorf("models[%d] duplicates %q", i, model)
		}
		seen[model] = struct{}{}
	}
	for name := range d.Kinds {
		switch name {
		case KindFetchData, KindTransformData, KindPredict:
		default:
			return fmt.Errorf("kinds.%s is not a job-running kind", name)
		}
	}
	return nil
}

func (d Definition) settings(kind string) KindSettings {
	s := d.Kinds[kind]
	if strings.TrimSpace(s.Image) == "" {
		s.Image = d.Image
	}
	if strings.TrimSpace(s.Container) == "" {
		s.Container = strings.ReplaceAll(kind, "_", "-")
	}
	return s
}

func (d Definition) command(module string, args ...string) []string {
	out := make([]string, 0, len(d.Entrypoint)+1+len(args))
	out = append(out, d.Entrypoint...)
	out = append(out, d.Package+"."+module)
	return append(out, args...)
}
