package generator

import (
	"github.com/edforge/edforge/pkg/models"
)

// Strategy shapes how one modality's sub-tasks are generated. The set of
// strategies is closed; dispatch goes through this interface rather than
// any dynamic lookup.
type Strategy interface {
	// Modality identifies the fragment this strategy produces.
	Modality() models.Modality
	// Capability is the worker tag the sub-task routes on.
	Capability() string
	// Complexity scores the sub-task for load-aware routing, [0,1].
	Complexity(intent *models.ContentIntent) float64
	// Redundancy is how many independent workers attempt the sub-task.
	// Anything above 1 makes the outputs eligible for a consensus round.
	Redundancy(policy models.Policy) int
}

// Strategies returns the full closed set.
func Strategies() []Strategy {
	return []Strategy{
		narrativeStrategy{},
		logicScriptStrategy{},
		visualSpecStrategy{},
		audioSpecStrategy{},
	}
}

type narrativeStrategy struct{}

func (narrativeStrategy) Modality() models.Modality { return models.ModalityNarrative }
func (narrativeStrategy) Capability() string        { return string(models.ModalityNarrative) }
func (narrativeStrategy) Complexity(intent *models.ContentIntent) float64 {
	// Narrative depth scales with grade level.
	c := 0.3 + float64(intent.GradeLevel)*0.04
	if c > 1 {
		c = 1
	}
	return c
}
func (narrativeStrategy) Redundancy(policy models.Policy) int {
	if policy.Strictness >= 0.8 {
		return 2
	}
	return 1
}

// logicScriptStrategy always generates redundantly: scripts are
// correctness-critical and disagreement between workers is resolved by
// consensus vote.
type logicScriptStrategy struct{}

func (logicScriptStrategy) Modality() models.Modality { return models.ModalityLogicScript }
func (logicScriptStrategy) Capability() string        { return string(models.ModalityLogicScript) }
func (logicScriptStrategy) Complexity(intent *models.ContentIntent) float64 {
	return 0.7
}
func (logicScriptStrategy) Redundancy(policy models.Policy) int { return 2 }

type visualSpecStrategy struct{}

func (visualSpecStrategy) Modality() models.Modality                     { return models.ModalityVisualSpec }
func (visualSpecStrategy) Capability() string                            { return string(models.ModalityVisualSpec) }
func (visualSpecStrategy) Complexity(intent *models.ContentIntent) float64 { return 0.4 }
func (visualSpecStrategy) Redundancy(policy models.Policy) int           { return 1 }

type audioSpecStrategy struct{}

func (audioSpecStrategy) Modality() models.Modality                     { return models.ModalityAudioSpec }
func (audioSpecStrategy) Capability() string                            { return string(models.ModalityAudioSpec) }
func (audioSpecStrategy) Complexity(intent *models.ContentIntent) float64 { return 0.3 }
func (audioSpecStrategy) Redundancy(policy models.Policy) int           { return 1 }
