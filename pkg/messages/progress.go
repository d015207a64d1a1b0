package messages

import (
	"time"

	"github.com/edforge/edforge/pkg/models"
)

// QualitySummary is the compact quality snapshot carried on progress events.
type QualitySummary struct {
	Overall     float64 `json:"overall"`
	Safety      float64 `json:"safety"`
	IssueCount  int     `json:"issue_count"`
	SafetyVeto  bool    `json:"safety_veto"`
	AutoFixable int     `json:"auto_fixable"`
}

// ProgressEvent is one sequenced stage event for an execution. Sequence is
// monotonically increasing per execution so a reconnecting subscriber can
// request replay from its last seen sequence.
type ProgressEvent struct {
	Type        string                `json:"type"` // "stage.entered", "stage.completed", "execution.terminal"
	ExecutionID string                `json:"execution_id"`
	Sequence    uint64                `json:"sequence"`
	Stage       models.ExecutionState `json:"stage"`
	Status      string                `json:"status"` // "started", "completed", "failed", "cancelled", "remediating"
	Reason      string                `json:"reason,omitempty"`
	Quality     *QualitySummary       `json:"quality,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// StageEntered creates a stage.entered event.
func StageEntered(executionID string, stage models.ExecutionState) *ProgressEvent {
	return &ProgressEvent{
		Type:        "stage.entered",
		ExecutionID: executionID,
		Stage:       stage,
		Status:      "started",
		Timestamp:   time.Now(),
	}
}

// StageCompleted creates a stage.completed event with an optional quality summary.
func StageCompleted(executionID string, stage models.ExecutionState, quality *QualitySummary) *ProgressEvent {
	return &ProgressEvent{
		Type:        "stage.completed",
		ExecutionID: executionID,
		Stage:       stage,
		Status:      "completed",
		Quality:     quality,
		Timestamp:   time.Now(),
	}
}

// ExecutionTerminal creates the terminal event for an execution.
func ExecutionTerminal(executionID string, state models.ExecutionState, reason string, quality *QualitySummary) *ProgressEvent {
	return &ProgressEvent{
		Type:        "execution.terminal",
		ExecutionID: executionID,
		Stage:       state,
		Status:      string(state),
		Reason:      reason,
		Quality:     quality,
		Timestamp:   time.Now(),
	}
}

// SummarizeReport builds the compact summary carried on events.
func SummarizeReport(report *models.QualityReport) *QualitySummary {
	if report == nil {
		return nil
	}
	fixable := 0
	for _, issue := range report.Issues {
		if issue.AutoFixable {
			fixable++
		}
	}
	return &QualitySummary{
		Overall:     report.Overall,
		Safety:      report.Scores[models.DimensionSafety],
		IssueCount:  len(report.Issues),
		SafetyVeto:  report.SafetyVetoed(),
		AutoFixable: fixable,
	}
}
