package pulse

import "time"

// ProgressEmitter receives progress from long-running work, such as the
// engine moving a patch through its stages. Implementations must not block.
type ProgressEmitter interface {
	// EmitStage announces the start of a processing stage
	EmitStage(event StageEvent)

	// EmitComplete announces the end of a unit of work
	EmitComplete(event StageEvent)
}

// StageEvent describes one step of a patch's execution
type StageEvent struct {
	Domain    string    `json:"domain"`
	PatchID   string    `json:"patch_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status,omitempty"` // set on completion: SUCCESS | FAILED | SKIPPED
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NopEmitter discards progress
type NopEmitter struct{}

// EmitStage does nothing
func (NopEmitter) EmitStage(StageEvent) {}

// EmitComplete does nothing
func (NopEmitter) EmitComplete(StageEvent) {}

// MultiEmitter fans progress out to several emitters
type MultiEmitter []ProgressEmitter

// EmitStage forwards to every emitter
func (m MultiEmitter) EmitStage(e StageEvent) {
	for _, em := range m {
		em.EmitStage(e)
	}
}

// EmitComplete forwards to every emitter
func (m MultiEmitter) EmitComplete(e StageEvent) {
	for _, em := range m {
		em.EmitComplete(e)
	}
}
