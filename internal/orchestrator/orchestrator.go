package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/edforge/edforge/internal/decision"
	"github.com/edforge/edforge/internal/generator"
	"github.com/edforge/edforge/internal/metrics"
	"github.com/edforge/edforge/internal/personalize"
	"github.com/edforge/edforge/internal/progress"
	"github.com/edforge/edforge/internal/storage"
	"github.com/edforge/edforge/internal/swarm"
	"github.com/edforge/edforge/internal/telemetry"
	"github.com/edforge/edforge/internal/validator"
	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/messages"
	"github.com/edforge/edforge/pkg/models"
)

// Orchestrator drives generation requests through the pipeline state
// machine. Each execution runs on its own goroutine; the orchestrator owns
// the registry and hands out copies through the status API.
type Orchestrator struct {
	mu         sync.RWMutex
	executions map[string]*models.PipelineExecution
	cancels    map[string]context.CancelFunc

	thresholdMu      sync.RWMutex
	acceptThreshold  float64
	remediationFloor float64

	cfg         config.PipelineConfig
	generator   *generator.Generator
	validator   *validator.Validator
	decisions   *decision.Manager
	personalize *personalize.Engine
	swarm       *swarm.Controller
	broadcaster *progress.Broadcaster
	store       storage.Store
	metrics     *metrics.Metrics

	sem chan struct{} // bounds in-flight executions
	wg  sync.WaitGroup
}

// New wires the orchestrator to its collaborators.
func New(cfg config.PipelineConfig, gen *generator.Generator, val *validator.Validator, dec *decision.Manager, eng *personalize.Engine, ctrl *swarm.Controller, bc *progress.Broadcaster, store storage.Store, m *metrics.Metrics) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Orchestrator{
		executions:       make(map[string]*models.PipelineExecution),
		cancels:          make(map[string]context.CancelFunc),
		acceptThreshold:  cfg.AcceptThreshold,
		remediationFloor: cfg.RemediationFloor,
		cfg:              cfg,
		generator:        gen,
		validator:        val,
		decisions:        dec,
		personalize:      eng,
		swarm:            ctrl,
		broadcaster:      bc,
		store:            store,
		metrics:          m,
		sem:              make(chan struct{}, maxConcurrent),
	}
}

// SetThresholds swaps the quality gate thresholds at runtime (hot reload).
// In-flight executions pick the new values up at their next gate check.
func (o *Orchestrator) SetThresholds(accept, floor float64) {
	o.thresholdMu.Lock()
	defer o.thresholdMu.Unlock()
	o.acceptThreshold = accept
	o.remediationFloor = floor
}

func (o *Orchestrator) thresholds() (accept, floor float64) {
	o.thresholdMu.RLock()
	defer o.thresholdMu.RUnlock()
	return o.acceptThreshold, o.remediationFloor
}

// Submit validates and enqueues a generation request. The returned execution
// is a snapshot; poll Status or subscribe to progress for updates.
func (o *Orchestrator) Submit(ctx context.Context, req *models.GenerationRequest) (*models.PipelineExecution, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	select {
	case o.sem <- struct{}{}:
	default:
		return nil, ErrCapacityExhausted
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.SubmittedAt = time.Now()

	now := time.Now()
	exec := &models.PipelineExecution{
		ID:        uuid.New().String(),
		Request:   *req,
		State:     models.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.executions[exec.ID] = exec
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()

	o.metrics.ExecutionsInFlight.Inc()
	log.Printf("[Orchestrator] Accepted request %s as execution %s (topic=%q, modalities=%v)",
		req.ID, exec.ID, req.Topic, req.Modalities)

	o.wg.Add(1)
	go o.run(runCtx, exec.ID)

	return o.snapshot(exec.ID), nil
}

func (o *Orchestrator) validateRequest(req *models.GenerationRequest) error {
	if req == nil {
		return invalidRequest("request is nil")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return invalidRequest("topic is required")
	}
	if len(req.Modalities) == 0 {
		return invalidRequest("at least one modality is required")
	}
	known := make(map[models.Modality]bool, len(models.KnownModalities))
	for _, m := range models.KnownModalities {
		known[m] = true
	}
	for _, m := range req.Modalities {
		if !known[m] {
			return invalidRequest("unknown modality %q", m)
		}
	}
	for _, m := range req.Constraints.RequiredModalities {
		if !contains(req.Modalities, m) {
			return invalidRequest("required modality %q not in requested set", m)
		}
	}
	if req.Constraints.MaxRetries < 0 {
		return invalidRequest("max_retries must be non-negative")
	}
	return nil
}

// Status returns a copy of the execution.
func (o *Orchestrator) Status(id string) (*models.PipelineExecution, error) {
	exec := o.snapshot(id)
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// List returns copies of all known executions.
func (o *Orchestrator) List() []*models.PipelineExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.PipelineExecution, 0, len(o.executions))
	for _, exec := range o.executions {
		out = append(out, exec.Clone())
	}
	return out
}

// Cancel requests cooperative cancellation. The execution reaches the
// cancelled state once its current stage observes the context; work already
// completed is discarded and all workers return to the pool.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	exec, ok := o.executions[id]
	if !ok {
		o.mu.Unlock()
		return ErrExecutionNotFound
	}
	if exec.State.Terminal() {
		o.mu.Unlock()
		return ErrAlreadyTerminal
	}
	cancel := o.cancels[id]
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Printf("[Orchestrator] Cancellation requested for execution %s", id)
	return nil
}

// Shutdown waits for in-flight executions to reach a terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) snapshot(id string) *models.PipelineExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if exec, ok := o.executions[id]; ok {
		return exec.Clone()
	}
	return nil
}

// run drives one execution through the stage graph to a terminal state.
func (o *Orchestrator) run(ctx context.Context, execID string) {
	defer o.wg.Done()
	defer func() { <-o.sem }()

	start := time.Now()
	exec := o.snapshot(execID)
	req := &exec.Request

	intent := &models.ContentIntent{
		Subject:    req.Subject,
		Topic:      req.Topic,
		GradeLevel: req.Constraints.GradeLevel,
	}
	budget := o.retryBudget(req)
	retriesUsed := 0
	policy := o.decisions.InitialPolicy(execID, req)

	var (
		result *generator.Result
		cand   *validator.Candidate
		report *models.QualityReport
	)

	defer func() {
		final := o.snapshot(execID)
		o.metrics.ExecutionsInFlight.Dec()
		o.metrics.ExecutionsTotal.WithLabelValues(string(final.State)).Inc()
		o.metrics.ExecutionDuration.WithLabelValues(string(final.State)).Observe(time.Since(start).Seconds())
		o.decisions.Forget(execID)
	}()

	for {
		if ctx.Err() != nil {
			o.terminal(execID, models.StateCancelled, "cancelled by caller", report)
			return
		}

		// Generation stage.
		o.transition(execID, models.StateGenerating, "")
		stageStart := time.Now()
		genCtx, endGen := telemetry.StartSpan(ctx, "pipeline.generate", attribute.String("execution.id", execID))
		genResult, err := o.generateStage(genCtx, execID, intent, req, policy)
		endGen()
		o.metrics.StageDuration.WithLabelValues(string(models.StateGenerating)).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				o.terminal(execID, models.StateCancelled, "cancelled during generation", report)
				return
			}
			if o.consumeRetry(execID, budget, err.Error()) {
				retriesUsed++
				policy = o.decisions.NextPolicy(execID)
				continue
			}
			o.terminal(execID, models.StateFailed, err.Error(), report)
			return
		}
		result = genResult
		if result.Degraded {
			o.markPartial(execID)
		}
		cand = &validator.Candidate{Fragments: result.Fragments, Intent: intent}

		// Validation stage.
		o.transition(execID, models.StateValidating, "")
		stageStart = time.Now()
		valCtx, endVal := telemetry.StartSpan(ctx, "pipeline.validate", attribute.String("execution.id", execID))
		report, err = o.validator.Validate(valCtx, cand, req.Constraints)
		endVal()
		o.metrics.StageDuration.WithLabelValues(string(models.StateValidating)).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				o.terminal(execID, models.StateCancelled, "cancelled during validation", nil)
				return
			}
			o.terminal(execID, models.StateFailed, fmt.Sprintf("validation failed: %v", err), nil)
			return
		}
		o.recordQuality(report)
		o.setReport(execID, report)
		o.broadcaster.Publish(execID, messages.StageCompleted(execID, models.StateValidating, messages.SummarizeReport(report)))

		reward := o.decisions.RecordOutcome(execID, models.StateValidating, report, decision.Cost{
			Duration: time.Since(stageStart),
			Tokens:   result.Tokens,
			// Engagement arrives later through acceptance; absent here.
			Engagement: -1,
		})
		log.Printf("[Orchestrator] Execution %s validated: overall=%.3f reward=%.3f retries=%d/%d",
			execID, report.Overall, reward, retriesUsed, budget)

		// Safety hard veto: immediate failure, escalated for human review,
		// no remediation budget consumed.
		if report.SafetyVetoed() {
			o.metrics.SafetyVetoes.Inc()
			o.markHumanReview(execID)
			o.terminal(execID, models.StateFailed, ErrSafetyVeto.Error(), report)
			return
		}

		accept, floor := o.thresholds()
		switch {
		case report.Overall >= accept:
			// Accepted; proceed to personalization.
		case report.Overall >= floor:
			// Worth remediating: apply declared auto-fixes, re-validate,
			// and fall back to regeneration if still short.
			fixed := o.validator.AutoFix(cand, report)
			refreshed, verr := o.validator.Validate(ctx, fixed, req.Constraints)
			if verr == nil && refreshed.Overall >= accept {
				o.metrics.AutoFixes.Inc()
				cand = fixed
				report = refreshed
				o.setReport(execID, report)
				break
			}
			if o.consumeRetry(execID, budget, fmt.Sprintf("overall %.3f below accept threshold %.3f", report.Overall, accept)) {
				retriesUsed++
				policy = o.decisions.NextPolicy(execID)
				continue
			}
			o.terminal(execID, models.StateFailed, ErrQualityThresholdNotMet.Error(), report)
			return
		default:
			// Below the remediation floor the attempt is discarded outright.
			if o.consumeRetry(execID, budget, fmt.Sprintf("overall %.3f below remediation floor %.3f", report.Overall, floor)) {
				retriesUsed++
				policy = o.decisions.NextPolicy(execID)
				continue
			}
			o.terminal(execID, models.StateFailed, ErrQualityThresholdNotMet.Error(), report)
			return
		}

		// Feed worker accuracy from the accepted round.
		o.swarm.RecordOutcome(result.Workers, report.Overall)
		break
	}

	// Personalization stage.
	o.transition(execID, models.StatePersonalizing, "")
	stageStart := time.Now()
	perCtx, endPer := telemetry.StartSpan(ctx, "pipeline.personalize", attribute.String("execution.id", execID))
	artifact := o.buildArtifact(execID, cand, report, result)
	personalized := o.personalizeStage(perCtx, req, artifact)
	endPer()
	o.metrics.StageDuration.WithLabelValues(string(models.StatePersonalizing)).Observe(time.Since(stageStart).Seconds())
	if ctx.Err() != nil {
		o.terminal(execID, models.StateCancelled, "cancelled during personalization", report)
		return
	}

	// Finalize: persist and complete.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	artifactID, err := o.store.StoreArtifact(storeCtx, personalized)
	if err != nil {
		o.terminal(execID, models.StateFailed, fmt.Sprintf("artifact persistence failed: %v", err), report)
		return
	}
	o.setArtifact(execID, artifactID)

	if err := o.personalize.RecordAcceptance(storeCtx, req.LearnerID, personalized); err != nil {
		// Profile update failures never un-accept the artifact.
		log.Printf("[Orchestrator] Profile update failed for execution %s: %v", execID, err)
	}

	o.terminal(execID, models.StateCompleted, "", report)
	log.Printf("[Orchestrator] Execution %s completed with artifact %s (overall=%.3f)", execID, artifactID, report.Overall)
}

// generateStage runs the swarm generation under the stage timeout and
// enforces the request's modality requirements on the result.
func (o *Orchestrator) generateStage(ctx context.Context, execID string, intent *models.ContentIntent, req *models.GenerationRequest, policy models.Policy) (*generator.Result, error) {
	stageCtx := ctx
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}

	result, err := o.generator.Generate(stageCtx, execID, intent, req.Modalities, policy)
	if err != nil {
		return nil, err
	}

	var missing []models.Modality
	for _, m := range req.Modalities {
		if _, ok := result.Fragments[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	// A missing required modality, or any gap when partials are refused,
	// fails the round.
	for _, m := range missing {
		if contains(req.Constraints.RequiredModalities, m) || !req.Constraints.AllowPartial {
			failure := result.Errors[m]
			if failure.TimedOut {
				return nil, fmt.Errorf("%w: modality %s", ErrWorkerTimeout, m)
			}
			return nil, fmt.Errorf("%w: modality %s: %s", ErrSwarmConsensusFailure, m, failure.Message)
		}
	}
	o.markPartial(execID)
	return result, nil
}

func (o *Orchestrator) personalizeStage(ctx context.Context, req *models.GenerationRequest, artifact *models.ContentArtifact) *models.ContentArtifact {
	profile := o.personalize.LoadProfile(ctx, req.LearnerID)
	envelope := o.personalize.TargetEnvelope(profile)
	return o.personalize.Personalize(ctx, artifact, envelope, req.Constraints.RequiredModalities)
}

func (o *Orchestrator) buildArtifact(execID string, cand *validator.Candidate, report *models.QualityReport, result *generator.Result) *models.ContentArtifact {
	exec := o.snapshot(execID)
	policy := o.decisions.NextPolicy(execID)
	return &models.ContentArtifact{
		ID:          uuid.New().String(),
		ExecutionID: execID,
		Fragments:   cand.Fragments,
		Report:      report.Clone(),
		Provenance: models.Provenance{
			PolicyVersion: policy.Version,
			Policy:        policy,
			Workers:       result.Workers,
			GeneratedAt:   time.Now(),
		},
		HumanReviewRequired: exec.HumanReviewRequired,
		AcceptedAt:          time.Now(),
	}
}

// retryBudget resolves the per-execution remediation budget: the request's
// value when set, the configured default otherwise, always capped.
func (o *Orchestrator) retryBudget(req *models.GenerationRequest) int {
	budget := req.Constraints.MaxRetries
	if budget == 0 {
		budget = o.cfg.DefaultRetries
	}
	if o.cfg.MaxRetries > 0 && budget > o.cfg.MaxRetries {
		budget = o.cfg.MaxRetries
	}
	return budget
}

// consumeRetry spends one unit of the remediation budget if any remains.
func (o *Orchestrator) consumeRetry(execID string, budget int, reason string) bool {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	if !ok || exec.RetriesUsed >= budget {
		o.mu.Unlock()
		return false
	}
	exec.RetriesUsed++
	exec.UpdatedAt = time.Now()
	used := exec.RetriesUsed
	o.mu.Unlock()

	o.metrics.RetriesTotal.Inc()
	o.transition(execID, models.StateRemediating, reason)
	log.Printf("[Orchestrator] Execution %s remediating (attempt %d/%d): %s", execID, used, budget, reason)
	return true
}

// transition moves the execution to a non-terminal state and emits the
// stage.entered event.
func (o *Orchestrator) transition(execID string, to models.ExecutionState, reason string) {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	if !ok || exec.State.Terminal() {
		o.mu.Unlock()
		return
	}
	from := exec.State
	exec.StageHistory = append(exec.StageHistory, models.StageTransition{
		From: from, To: to, Reason: reason, At: time.Now(),
	})
	exec.State = to
	exec.UpdatedAt = time.Now()
	o.mu.Unlock()

	event := messages.StageEntered(execID, to)
	event.Reason = reason
	o.broadcaster.Publish(execID, event)
	o.metrics.EventsPublished.Inc()
}

// terminal moves the execution to its final state exactly once.
func (o *Orchestrator) terminal(execID string, state models.ExecutionState, reason string, report *models.QualityReport) {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	if !ok || exec.State.Terminal() {
		o.mu.Unlock()
		return
	}
	exec.StageHistory = append(exec.StageHistory, models.StageTransition{
		From: exec.State, To: state, Reason: reason, At: time.Now(),
	})
	exec.State = state
	exec.FailureReason = reason
	exec.UpdatedAt = time.Now()
	cancel := o.cancels[execID]
	delete(o.cancels, execID)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.broadcaster.Publish(execID, messages.ExecutionTerminal(execID, state, reason, messages.SummarizeReport(report)))
	o.metrics.EventsPublished.Inc()
	if state != models.StateCompleted {
		log.Printf("[Orchestrator] Execution %s terminal: %s (%s)", execID, state, reason)
	}
}

func (o *Orchestrator) markPartial(execID string) {
	o.mu.Lock()
	if exec, ok := o.executions[execID]; ok {
		exec.Partial = true
		exec.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) markHumanReview(execID string) {
	o.mu.Lock()
	if exec, ok := o.executions[execID]; ok {
		exec.HumanReviewRequired = true
		exec.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setReport(execID string, report *models.QualityReport) {
	o.mu.Lock()
	if exec, ok := o.executions[execID]; ok {
		exec.LastReport = report.Clone()
		exec.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setArtifact(execID, artifactID string) {
	o.mu.Lock()
	if exec, ok := o.executions[execID]; ok {
		exec.ArtifactID = artifactID
		exec.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) recordQuality(report *models.QualityReport) {
	for dim, score := range report.Scores {
		o.metrics.QualityScore.WithLabelValues(string(dim)).Observe(score)
	}
}

func contains(list []models.Modality, m models.Modality) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}
