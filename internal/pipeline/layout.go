package pipeline

import (
	"strings"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

// Layout renders artifact paths:
//
//	<root>/<pipeline>/<stage>/<YYYY-MM-DD>[_<variant>].csv
//
// Paths depend on parameters only, so producers and consumers agree without
// any side channel.
type Layout struct {
	Root     string
	Pipeline string
}

func (l Layout) Path(stage string, date time.Time, variant string) string {
	name := domain.FormatDate(date)
	if variant != "" {
		name += "_" + variant
	}
	parts := []string{
		strings.TrimRight(l.Root, "/"),
		strings.Trim(l.Pipeline, "/"),
		strings.Trim(stage, "/"),
		name + ".csv",
	}
	return strings.Join(parts, "/")
}

func (l Layout) Artifact(stage string, date time.Time, variant string) domain.Artifact {
	return domain.Artifact{URI: l.Path(stage, date, variant)}
}
