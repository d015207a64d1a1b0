package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforge/edforge/pkg/models"
)

func TestStageEntered(t *testing.T) {
	e := StageEntered("exec-1", models.StateGenerating)

	assert.Equal(t, "stage.entered", e.Type)
	assert.Equal(t, "exec-1", e.ExecutionID)
	assert.Equal(t, models.StateGenerating, e.Stage)
	assert.Equal(t, "started", e.Status)
	assert.False(t, e.Timestamp.IsZero())
	assert.Nil(t, e.Quality)
}

func TestStageCompletedCarriesQuality(t *testing.T) {
	summary := &QualitySummary{Overall: 0.8}
	e := StageCompleted("exec-1", models.StateValidating, summary)

	assert.Equal(t, "stage.completed", e.Type)
	assert.Equal(t, "completed", e.Status)
	assert.Same(t, summary, e.Quality)
}

func TestExecutionTerminalStatusMirrorsState(t *testing.T) {
	e := ExecutionTerminal("exec-1", models.StateFailed, "quality threshold not met", nil)

	assert.Equal(t, "execution.terminal", e.Type)
	assert.Equal(t, string(models.StateFailed), e.Status)
	assert.Equal(t, "quality threshold not met", e.Reason)

	e = ExecutionTerminal("exec-1", models.StateCompleted, "", nil)
	assert.Equal(t, "completed", e.Status)
}

func TestSummarizeReport(t *testing.T) {
	assert.Nil(t, SummarizeReport(nil))

	report := &models.QualityReport{
		Overall: 0.82,
		Scores: map[models.Dimension]float64{
			models.DimensionSafety:     0.9,
			models.DimensionEngagement: 0.7,
		},
		Issues: []models.Issue{
			{Severity: models.SeverityMinor, AutoFixable: true},
			{Severity: models.SeverityMajor},
			{Severity: models.SeverityMinor, AutoFixable: true},
		},
	}

	summary := SummarizeReport(report)
	require.NotNil(t, summary)
	assert.Equal(t, 0.82, summary.Overall)
	assert.Equal(t, 0.9, summary.Safety)
	assert.Equal(t, 3, summary.IssueCount)
	assert.Equal(t, 2, summary.AutoFixable)
	assert.False(t, summary.SafetyVeto)
}

func TestSummarizeReportVeto(t *testing.T) {
	report := &models.QualityReport{
		Scores: map[models.Dimension]float64{models.DimensionSafety: 0},
	}
	summary := SummarizeReport(report)
	require.NotNil(t, summary)
	assert.True(t, summary.SafetyVeto)
	assert.Zero(t, summary.Safety)
}
