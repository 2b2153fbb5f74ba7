package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// CompletionReason describes why a model or a worker finished.
type CompletionReason string

const (
	CompletionEOF     CompletionReason = "eof"
	CompletionStopped CompletionReason = "stopped"
	CompletionKilled  CompletionReason = "killed"
	CompletionError   CompletionReason = "error"
	CompletionOrphan  CompletionReason = "orphan"
	CompletionSuccess CompletionReason = "success"
)

// StopReason is written to a model's eng_stop field to ask its runner to finish.
type StopReason string

const (
	StopNone    StopReason = ""
	StopStopped StopReason = "stopped"
	StopKilled  StopReason = "killed"
)

type ModelStatus string

const (
	ModelNotStarted ModelStatus = "notStarted"
	ModelRunning    ModelStatus = "running"
	ModelCompleted  ModelStatus = "completed"
)

type JobStatus string

const (
	JobNotStarted JobStatus = "notStarted"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
)

// Job record field names.
const (
	JobFieldStatus           = "status"
	JobFieldCancel           = "cancel"
	JobFieldEngWorkerState   = "eng_worker_state"
	JobFieldResults          = "results"
	JobFieldCompletionReason = "worker_completion_reason"
	JobFieldCompletionMsg    = "worker_completion_msg"
	JobFieldEngStatus        = "eng_status"
	JobFieldDescription      = "description"
)

// VarState is the persisted state of a single permutation variable.
// RawPosition is the unrounded internal position; Position is what the model sees.
type VarState struct {
	RawPosition  any      `json:"_position"`
	Position     any      `json:"position"`
	Velocity     float64  `json:"velocity"`
	BestPosition any      `json:"bestPosition"`
	BestResult   *float64 `json:"bestResult"`
}

// ParticleState is the wire snapshot of a particle.
type ParticleState struct {
	ID        string              `json:"id"`
	GenIdx    int                 `json:"genIdx"`
	SwarmID   string              `json:"swarmId"`
	VarStates map[string]VarState `json:"varStates"`
}

// Position returns the flattened variable positions of the state.
func (p ParticleState) Position() map[string]any {
	out := make(map[string]any, len(p.VarStates))
	for name, vs := range p.VarStates {
		out[name] = vs.Position
	}
	return out
}

// ModelParams are the parameters a model was created from.
type ModelParams struct {
	StructuredParams map[string]any `json:"structuredParams"`
	ParticleState    ParticleState  `json:"particleState"`
}

// ModelResults holds the metrics reported by a model runner. Optimize carries
// exactly the one metric the search optimizes.
type ModelResults struct {
	Report   map[string]float64 `json:"report,omitempty"`
	Optimize map[string]float64 `json:"optimize,omitempty"`
}

type ModelRecord struct {
	VersionedRecord
	ID               int64            `json:"id"`
	JobID            string           `json:"job_id"`
	Params           ModelParams      `json:"params"`
	ParamsHash       string           `json:"params_hash"`
	ParticleHash     string           `json:"particle_hash"`
	Status           ModelStatus      `json:"status"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	CompletionMsg    string           `json:"completion_msg,omitempty"`
	Results          *ModelResults    `json:"results,omitempty"`
	// OptimizedMetric is the canonical lower-is-better value of the optimize metric.
	OptimizedMetric *float64   `json:"optimized_metric,omitempty"`
	NumRecords      int        `json:"num_records"`
	Matured         bool       `json:"matured"`
	EngStop         StopReason `json:"eng_stop,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	UpdateCounter   int64      `json:"update_counter"`
	StartTime       time.Time  `json:"start_time"`
	LastUpdate      time.Time  `json:"last_update"`
	EndTime         time.Time  `json:"end_time,omitempty"`
	CPUTime         float64    `json:"cpu_time,omitempty"`
}

func (r ModelRecord) IsCompleted() bool {
	return r.Status == ModelCompleted
}

// JobResults is the externally visible results blob of a job.
type JobResults struct {
	BestModel                  int64              `json:"bestModel,omitempty"`
	BestValue                  *float64           `json:"bestValue,omitempty"`
	FieldContributions         map[string]float64 `json:"fieldContributions,omitempty"`
	AbsoluteFieldContributions map[string]float64 `json:"absoluteFieldContributions,omitempty"`
}
