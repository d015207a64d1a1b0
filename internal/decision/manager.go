package decision

import (
	"log"
	"sync"
	"time"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// Outcome is one recorded stage result inside an execution's context window.
type Outcome struct {
	Stage   models.ExecutionState `json:"stage"`
	Overall float64               `json:"overall"`
	Safety  float64               `json:"safety"`
	Reward  float64               `json:"reward"`
	At      time.Time             `json:"at"`
}

// Cost carries the resource signal for reward computation.
type Cost struct {
	Duration   time.Duration
	Tokens     int
	Engagement float64 // downstream learner engagement when available, else -1
}

// State is the per-execution decision state. It is owned by exactly one
// execution and discarded when the execution reaches a terminal state.
type State struct {
	ExecutionID string
	Policy      models.Policy
	Window      []Outcome // bounded, oldest evicted first
	Rewards     []float64

	lastOverall    float64
	hasPrev        bool
	lowEngagement  int // consecutive low-engagement outcomes
	safetyFailures int
}

// Manager tracks per-execution decision state and nudges generation policy
// from recorded outcomes. States never cross executions, so the only lock
// guards the registry map itself.
type Manager struct {
	mu     sync.Mutex
	states map[string]*State

	weightsMu        sync.RWMutex
	qualityWeight    float64
	costWeight       float64
	engagementWeight float64
	acceptThreshold  float64
	alpha            float64
	windowSize       int
}

// NewManager creates a decision manager from config.
func NewManager(cfg config.DecisionConfig) *Manager {
	return &Manager{
		states:           make(map[string]*State),
		qualityWeight:    cfg.QualityWeight,
		costWeight:       cfg.CostWeight,
		engagementWeight: cfg.EngagementWeight,
		acceptThreshold:  0.7,
		alpha:            cfg.EMAAlpha,
		windowSize:       cfg.ContextWindow,
	}
}

// SetRewardWeights swaps the reward weighting at runtime (hot reload).
func (m *Manager) SetRewardWeights(quality, cost, engagement float64) {
	m.weightsMu.Lock()
	defer m.weightsMu.Unlock()
	m.qualityWeight = quality
	m.costWeight = cost
	m.engagementWeight = engagement
}

// SetAcceptThreshold aligns policy adjustment with the pipeline's quality
// gate. Set at startup and again on hot reload.
func (m *Manager) SetAcceptThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	m.weightsMu.Lock()
	defer m.weightsMu.Unlock()
	m.acceptThreshold = threshold
}

func (m *Manager) acceptTarget() float64 {
	m.weightsMu.RLock()
	defer m.weightsMu.RUnlock()
	return m.acceptThreshold
}

// InitialPolicy derives the starting policy from the request's constraints
// and registers decision state for the execution.
func (m *Manager) InitialPolicy(executionID string, req *models.GenerationRequest) models.Policy {
	policy := models.Policy{
		Creativity:          0.5,
		Strictness:          0.5,
		RetryAggressiveness: 0.5,
		Version:             1,
	}
	// Younger audiences and accessibility requirements start stricter.
	if req.Constraints.GradeLevel > 0 && req.Constraints.GradeLevel <= 5 {
		policy.Strictness = 0.7
		policy.Creativity = 0.6
	}
	if len(req.Constraints.AccessibilityFlags) > 0 {
		policy.Strictness = clamp(policy.Strictness + 0.1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[executionID] = &State{
		ExecutionID: executionID,
		Policy:      policy,
	}
	return policy
}

// RecordOutcome computes the reward for a stage result, appends it to the
// bounded context window, and adjusts the policy. Returns the reward.
func (m *Manager) RecordOutcome(executionID string, stage models.ExecutionState, report *models.QualityReport, cost Cost) float64 {
	m.mu.Lock()
	state, ok := m.states[executionID]
	m.mu.Unlock()
	if !ok {
		log.Printf("[Decision] No state for execution %s, outcome dropped", executionID)
		return 0
	}

	reward := m.reward(state, report, cost)

	outcome := Outcome{
		Stage:   stage,
		Overall: report.Overall,
		Safety:  report.Scores[models.DimensionSafety],
		Reward:  reward,
		At:      time.Now(),
	}
	state.Window = append(state.Window, outcome)
	if len(state.Window) > m.windowSize {
		state.Window = state.Window[len(state.Window)-m.windowSize:]
	}
	state.Rewards = append(state.Rewards, reward)
	state.lastOverall = report.Overall
	state.hasPrev = true

	m.adjustPolicy(state, report, cost)
	return reward
}

// reward is the weighted combination of quality delta, resource cost, and
// the learner engagement signal when one is available.
func (m *Manager) reward(state *State, report *models.QualityReport, cost Cost) float64 {
	m.weightsMu.RLock()
	wq, wc, we := m.qualityWeight, m.costWeight, m.engagementWeight
	m.weightsMu.RUnlock()

	qualityDelta := report.Overall
	if state.hasPrev {
		qualityDelta = report.Overall - state.lastOverall
	}

	// Normalize cost into [0,1]: a minute of wall time or 4k tokens is a
	// full unit of spend.
	normCost := cost.Duration.Seconds()/60 + float64(cost.Tokens)/4096
	if normCost > 1 {
		normCost = 1
	}

	reward := wq*qualityDelta - wc*normCost
	if cost.Engagement >= 0 {
		reward += we * cost.Engagement
	}
	return reward
}

// adjustPolicy nudges parameters toward targets using a bounded moving
// average so one outlier outcome cannot destabilize the policy.
func (m *Manager) adjustPolicy(state *State, report *models.QualityReport, cost Cost) {
	p := &state.Policy

	// Safety failures raise structural strictness.
	if safety, ok := report.Scores[models.DimensionSafety]; ok && safety < 0.5 {
		state.safetyFailures++
		p.Strictness = ema(p.Strictness, 1.0, m.alpha)
		p.Creativity = ema(p.Creativity, 0.2, m.alpha)
	}

	// Repeated low engagement raises creativity.
	if engagement, ok := report.Scores[models.DimensionEngagement]; ok && engagement < 0.5 {
		state.lowEngagement++
		if state.lowEngagement >= 2 {
			p.Creativity = ema(p.Creativity, 0.9, m.alpha)
		}
	} else {
		state.lowEngagement = 0
	}

	// Sub-threshold overall pushes retries to try harder.
	if report.Overall < m.acceptTarget() {
		p.RetryAggressiveness = ema(p.RetryAggressiveness, 0.8, m.alpha)
	}

	p.Creativity = clamp(p.Creativity)
	p.Strictness = clamp(p.Strictness)
	p.RetryAggressiveness = clamp(p.RetryAggressiveness)
	p.Version++
}

// NextPolicy returns the current policy for the execution.
func (m *Manager) NextPolicy(executionID string) models.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[executionID]; ok {
		return state.Policy
	}
	return models.Policy{Creativity: 0.5, Strictness: 0.5, RetryAggressiveness: 0.5, Version: 1}
}

// Snapshot returns a copy of the execution's context window for inspection.
func (m *Manager) Snapshot(executionID string) []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[executionID]
	if !ok {
		return nil
	}
	return append([]Outcome(nil), state.Window...)
}

// Forget discards the execution's state. Called on terminal transitions.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, executionID)
}

func ema(current, target, alpha float64) float64 {
	return current + alpha*(target-current)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
