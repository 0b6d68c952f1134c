package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

const (
	KindSourceData      = "source_data"
	KindFetchData       = "fetch_data"
	KindTransformData   = "transform_data"
	KindPredict         = "predict"
	KindMakePredictions = "make_predictions"

	ParamDate  = "date"
	ParamModel = "model_name"
)

const (
	stageSource      = "source"
	stageRaw         = "data/raw"
	stageTransformed = "data/transformed"
	stagePredictions = "data/predictions"
)

// NewTACRegistry registers the five kinds of the daily prediction pipeline:
//
//	make_predictions(date) -> predict(date, model) -> transform_data(date)
//	  -> fetch_data(date-1 .. date-N) -> source_data(day)
func NewTACRegistry(def Definition, root string) (*Registry, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	layout := Layout{Root: root, Pipeline: def.Name}
	reg := NewRegistry()
	kinds := []*Kind{
		sourceDataKind(layout),
		fetchDataKind(def, layout),
		transformDataKind(def, layout),
		predictKind(def, layout),
		makePredictionsKind(def),
	}
	for _, kind := range kinds {
		if err := reg.Register(kind); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func sourceDataKind(layout Layout) *Kind {
	return &Kind{
		Name:           KindSourceData,
		Params:         []string{ParamDate},
		AlwaysComplete: true,
		Validate:       validateDate,
		Output: func(p domain.Params) (domain.Artifact, error) {
			date, err := dateParam(p)
			if err != nil {
				return domain.Artifact{}, err
			}
			return layout.Artifact(stageSource, date, ""), nil
		},
	}
}

func fetchDataKind(def Definition, layout Layout) *Kind {
	s := def.settings(KindFetchData)
	return &Kind{
		Name:      KindFetchData,
		Params:    []string{ParamDate},
		Image:     s.Image,
		Container: s.Container,
		Env:       def.Env,
		Resources: s.Resources,
		Validate:  validateDate,
		Requires: func(p domain.Params) ([]domain.TaskDescriptor, error) {
			date, err := dateParam(p)
			if err != nil {
				return nil, err
			}
			return []domain.TaskDescriptor{dated(KindSourceData, date)}, nil
		},
		Output: func(p domain.Params) (domain.Artifact, error) {
			date, err := dateParam(p)
			if err != nil {
				return domain.Artifact{}, err
			}
			return layout.Artifact(stageRaw, date, ""), nil
		},
		Args: func(p domain.Params, inputs []domain.Artifact, output domain.Artifact) ([]string, error) {
			if len(inputs) != 1 {
				return nil, fmt.Errorf("%s expects 1 input, got %d", KindFetchData, len(inputs))
			}
			return def.command("fetch", inputs[0].URI, output.URI), nil
		},
	}
}

func transformDataKind(def Definition, layout Layout) *Kind {
	s := def.settings(KindTransformData)
	window := def.FetchWindowDays
	return &Kind{
		Name:      KindTransformData,
		Params:    []string{ParamDate},
		Image:     s.Image,
		Container: s.Container,
		Env:       def.Env,
		Resources: s.Resources,
		Validate:  validateDate,
		Requires: func(p domain.Params) ([]domain.TaskDescriptor, error) {
			date, err := dateParam(p)
			if err != nil {
				return nil, err
			}
			out := make([]domain.TaskDescriptor, 0, window)
			for lag := 1; lag <= window; lag++ {
				out = append(out, dated(KindFetchData, domain.AddDays(date, -lag)))
			}
			return out, nil
		},
		Output: func(p domain.Params) (domain.Artifact, error) {
			date, err := dateParam(p)
			if err != nil {
				return domain.Artifact{}, err
			}
			return layout.Artifact(stageTransformed, date, ""), nil
		},
		Args: func(p domain.Params, inputs []domain.Artifact, output domain.Artifact) ([]string, error) {
			if len(inputs) == 0 {
				return nil, fmt.Errorf("%s expects at least 1 input", KindTransformData)
			}
			args := []string{output.URI}
			for _, in := range inputs {
				args = append(args, in.URI)
			}
			return def.command("transform", args...), nil
		},
	}
}

func predictKind(def Definition, layout Layout) *Kind {
	s := def.settings(KindPredict)
	return &Kind{
		Name:      KindPredict,
		Params:    []string{ParamDate, ParamModel},
		Image:     s.Image,
		Container: s.Container,
		Env:       def.Env,
		Resources: s.Resources,
		Validate: func(p domain.Params) error {
			if err := validateDate(p); err != nil {
				return err
			}
			_, err := modelParam(p)
			return err
		},
		Requires: func(p domain.Params) ([]domain.TaskDescriptor, error) {
			date, err := dateParam(p)
			if err != nil {
				return nil, err
			}
			return []domain.TaskDescriptor{dated(KindTransformData, date)}, nil
		},
		Output: func(p domain.Params) (domain.Artifact, error) {
			date, err := dateParam(p)
			if err != nil {
				return domain.Artifact{}, err
			}
			model, err := modelParam(p)
			if err != nil {
				return domain.Artifact{}, err
			}
			return layout.Artifact(stagePredictions, date, model), nil
		},
		Args: func(p domain.Params, inputs []domain.Artifact, output domain.Artifact) ([]string, error) {
			if len(inputs) != 1 {
				return nil, fmt.Errorf("%s expects 1 input, got %d", KindPredict, len(inputs))
			}
			model, err := modelParam(p)
			if err != nil {
				return nil, err
			}
			return def.command("predict", model, inputs[0].URI, output.URI), nil
		},
	}
}

func makePredictionsKind(def Definition) *Kind {
	models := append([]string(nil), def.Models...)
	return &Kind{
		Name:     KindMakePredictions,
		Params:   []string{ParamDate},
		Validate: validateDate,
		Requires: func(p domain.Params) ([]domain.TaskDescriptor, error) {
			date, err := dateParam(p)
			if err != nil {
				return nil, err
			}
			out := make([]domain.TaskDescriptor, 0, len(models))
			for _, model := range models {
				out = append(out, domain.TaskDescriptor{
					Kind: KindPredict,
					Params: domain.Params{
						{Name: ParamDate, Value: domain.FormatDate(date)},
						{Name: ParamModel, Value: model},
					},
				})
			}
			return out, nil
		},
	}
}

// dated builds a single-parameter descriptor without a map round trip.
func dated(kind string, date time.Time) domain.TaskDescriptor {
	return domain.TaskDescriptor{
		Kind:   kind,
		Params: domain.Params{{Name: ParamDate, Value: domain.FormatDate(date)}},
	}
}

func dateParam(p domain.Params) (time.Time, error) {
	raw, ok := p.Get(ParamDate)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s is required", domain.ErrInvalidParams, ParamDate)
	}
	return domain.ParseDate(raw)
}

func modelParam(p domain.Params) (string, error) {
	model, ok := p.Get(ParamModel)
	if !ok || model == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrInvalidParams, ParamModel)
	}
	if err := checkModelName(model); err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrInvalidParams, ParamModel, err)
	}
	return model, nil
}

// checkModelName keeps model names usable as a path variant: '_' separates
// the variant from the date, so it may not appear in the name itself.
func checkModelName(model string) error {
	if model == "" || strings.ContainsAny(model, "/_ ") {
		return fmt.Errorf("model name must be non-empty without '/', '_' or spaces: %q", model)
	}
	return nil
}

func validateDate(p domain.Params) error {
	_, err := dateParam(p)
	return err
}
