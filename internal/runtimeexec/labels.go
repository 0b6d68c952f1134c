package runtimeexec

// Metadata keys attached to every job. Values that are not valid Kubernetes
// label values are carried as annotations instead.
const (
	LabelKind    = "tac.pipeline/kind"
	LabelRunID   = "tac.pipeline/run-id"
	LabelTaskKey = "tac.pipeline/task-key"
	LabelAttempt = "tac.pipeline/attempt"
)
