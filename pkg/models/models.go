package models

import "time"

// Modality identifies one content channel an artifact can carry.
type Modality string

const (
	ModalityNarrative   Modality = "narrative"
	ModalityLogicScript Modality = "logic_script"
	ModalityVisualSpec  Modality = "visual_spec"
	ModalityAudioSpec   Modality = "audio_spec"
)

// KnownModalities lists every modality the generator has a strategy for.
var KnownModalities = []Modality{
	ModalityNarrative,
	ModalityLogicScript,
	ModalityVisualSpec,
	ModalityAudioSpec,
}

// Principal is the opaque authenticated identity attached to a request.
// The core never authenticates; it only branches on Role for escalation rules.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"` // "learner", "educator", "admin"
}

// Constraints bound what the pipeline may produce for a request.
type Constraints struct {
	GradeLevel         int        `json:"grade_level"`
	AccessibilityFlags []string   `json:"accessibility_flags,omitempty"`
	MaxRetries         int        `json:"max_retries"`
	RequiredModalities []Modality `json:"required_modalities,omitempty"` // must survive personalization
	AllowPartial       bool       `json:"allow_partial"`                 // accept a partial modality set
}

// GenerationRequest is the immutable input to the pipeline.
type GenerationRequest struct {
	ID          string      `json:"id"`
	Principal   Principal   `json:"principal"`
	LearnerID   string      `json:"learner_id,omitempty"`
	Subject     string      `json:"subject"`
	Topic       string      `json:"topic"`
	Modalities  []Modality  `json:"modalities"`
	Constraints Constraints `json:"constraints"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// ExecutionState is one node of the pipeline state machine.
type ExecutionState string

const (
	StateQueued        ExecutionState = "queued"
	StateGenerating    ExecutionState = "generating"
	StateValidating    ExecutionState = "validating"
	StateRemediating   ExecutionState = "remediating"
	StatePersonalizing ExecutionState = "personalizing"
	StateCompleted     ExecutionState = "completed"
	StateFailed        ExecutionState = "failed"
	StateCancelled     ExecutionState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StageTransition records one edge traversal in an execution's history.
type StageTransition struct {
	From   ExecutionState `json:"from"`
	To     ExecutionState `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// PipelineExecution tracks one request's trip through the stage graph.
// It is owned by the orchestrator goroutine handling the execution; the
// status API hands out copies, never the live struct.
type PipelineExecution struct {
	ID                  string            `json:"id"`
	Request             GenerationRequest `json:"request"`
	State               ExecutionState    `json:"state"`
	StageHistory        []StageTransition `json:"stage_history"`
	RetriesUsed         int               `json:"retries_used"`
	Partial             bool              `json:"partial"` // a swarm round degraded
	LastReport          *QualityReport    `json:"last_report,omitempty"`
	ArtifactID          string            `json:"artifact_id,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	HumanReviewRequired bool              `json:"human_review_required"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing to API callers.
func (e *PipelineExecution) Clone() *PipelineExecution {
	cp := *e
	cp.StageHistory = append([]StageTransition(nil), e.StageHistory...)
	if e.LastReport != nil {
		cp.LastReport = e.LastReport.Clone()
	}
	return &cp
}

// Policy holds the generation parameters the decision manager tunes
// between attempts. All values live in [0,1].
type Policy struct {
	Creativity          float64 `json:"creativity"`           // temperature bias
	Strictness          float64 `json:"strictness"`           // structural rigor
	RetryAggressiveness float64 `json:"retry_aggressiveness"` // backoff shaping
	Version             int     `json:"version"`
}

// Task is one unit of swarm work.
type Task struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Capability  string         `json:"capability"` // worker capability tag
	Intent      *ContentIntent `json:"intent"`
	Modality    Modality       `json:"modality"`
	Policy      Policy         `json:"policy"`
	Complexity  float64        `json:"complexity"` // drives routing, [0,1]
	Deadline    time.Time      `json:"deadline"`
}

// TaskResult is what a worker hands back for a task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	WorkerID string        `json:"worker_id"`
	Fragment *Fragment     `json:"fragment,omitempty"`
	Err      string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"` // failure was a deadline, not a refusal
	Partial  bool          `json:"partial"`             // round degraded (redispatch exhausted)
	Tokens   int           `json:"tokens"`
	Duration time.Duration `json:"duration"`
}

// ConsensusVote is one worker's position in a consensus round.
// Votes are transient; they are discarded once the round resolves.
type ConsensusVote struct {
	WorkerID   string  `json:"worker_id"`
	Digest     string  `json:"digest"`
	Confidence float64 `json:"confidence"`
}

// ContentIntent is the shared, read-only theme all modality strategies
// generate against so fragments stay consistent.
type ContentIntent struct {
	Subject    string `json:"subject"`
	Topic      string `json:"topic"`
	GradeLevel int    `json:"grade_level"`
	Summary    string `json:"summary,omitempty"`
}

// Fragment is one modality's slice of an artifact.
type Fragment struct {
	Modality Modality          `json:"modality"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Provenance records which policy produced an artifact.
type Provenance struct {
	PolicyVersion int       `json:"policy_version"`
	Policy        Policy    `json:"policy"`
	Workers       []string  `json:"workers,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// ContentArtifact is the final multi-modal payload. Immutable once accepted;
// superseding an artifact creates a new one.
type ContentArtifact struct {
	ID                  string                 `json:"id"`
	ExecutionID         string                 `json:"execution_id"`
	Fragments           map[Modality]*Fragment `json:"fragments"`
	Report              *QualityReport         `json:"report"`
	Provenance          Provenance             `json:"provenance"`
	HumanReviewRequired bool                   `json:"human_review_required"`
	AcceptedAt          time.Time              `json:"accepted_at"`
}

// Clone copies the artifact so personalization can adjust fragments without
// touching the accepted original.
func (a *ContentArtifact) Clone() *ContentArtifact {
	cp := *a
	cp.Fragments = make(map[Modality]*Fragment, len(a.Fragments))
	for m, f := range a.Fragments {
		fc := *f
		if f.Metadata != nil {
			fc.Metadata = make(map[string]string, len(f.Metadata))
			for k, v := range f.Metadata {
				fc.Metadata[k] = v
			}
		}
		cp.Fragments[m] = &fc
	}
	if a.Report != nil {
		cp.Report = a.Report.Clone()
	}
	return &cp
}

// LearnerProfile carries the rolling metrics the personalization engine reads.
type LearnerProfile struct {
	LearnerID       string               `json:"learner_id"`
	Mastery         float64              `json:"mastery"` // demonstrated mastery floor, [0,1]
	ProficiencyBand string               `json:"proficiency_band"`
	Engagement      map[Modality]float64 `json:"engagement"` // rolling per-modality engagement
	ArtifactsSeen   int                  `json:"artifacts_seen"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// DifficultyEnvelope is the ZPD band personalization targets.
type DifficultyEnvelope struct {
	Lower           float64              `json:"lower"`
	Upper           float64              `json:"upper"`
	ModalityWeights map[Modality]float64 `json:"modality_weights"`
}
