// Package patch defines the unit of work flowing through the pipeline: the
// record, its payload document, and the reports produced about it.
package patch

import (
	"time"
)

// Record is a patch file as seen in the record store
type Record struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	SourceName string    `json:"sourceName"`
	ReceivedAt time.Time `json:"receivedAt"`
	SizeBytes  int64     `json:"sizeBytes"`
	Payload    *Payload  `json:"-"`
}

// Stage names, in execution order
const (
	StageLoad                  = "load"
	StagePreMutationValidation = "preMutationValidation"
	StageMutation              = "mutation"
	StageTasks                 = "tasks"
	StagePostMutationBuild     = "postMutationBuild"
	StageValidate              = "validate"
	StageFinalization          = "finalization"
)

// Stages lists the execution stages in order
var Stages = []string{
	StagePreMutationValidation,
	StageMutation,
	StageTasks,
	StagePostMutationBuild,
	StageValidate,
	StageFinalization,
}

// ExecutionResult is the engine's record of one patch execution
type ExecutionResult struct {
	PatchID        string       `json:"patchId"`
	Domain         string       `json:"domain"`
	SourceName     string       `json:"sourceName"`
	StagesRun      []string     `json:"stagesRun"`
	SucceededStage string       `json:"succeededStage,omitempty"`
	FailedStage    string       `json:"failedStage,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
	Commands       []CommandRun `json:"commands,omitempty"`
	SummaryText    string       `json:"summaryText"`
}

// CommandRun records one command the engine ran for a patch
type CommandRun struct {
	Stage    string `json:"stage"`
	Line     string `json:"line"`
	ExitCode int    `json:"exitCode"`
}

// Succeeded reports whether no stage failed
func (r *ExecutionResult) Succeeded() bool {
	return r.FailedStage == ""
}

// Duration is the wall time of the execution
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
