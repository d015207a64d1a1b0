package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/edforge/edforge/internal/decision"
	"github.com/edforge/edforge/internal/generator"
	"github.com/edforge/edforge/internal/metrics"
	"github.com/edforge/edforge/internal/personalize"
	"github.com/edforge/edforge/internal/progress"
	"github.com/edforge/edforge/internal/provider"
	"github.com/edforge/edforge/internal/storage"
	"github.com/edforge/edforge/internal/swarm"
	"github.com/edforge/edforge/internal/telemetry"
	"github.com/edforge/edforge/internal/validator"
	"github.com/edforge/edforge/internal/worker"
	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// goodLesson scores high on every dimension: mentions the topic, long
// enough to teach, asks a question, and carries engagement markers.
const goodLesson = "Imagine you are sharing a pizza with three friends and every slice matters. " +
	"Fractions describe exactly how much pizza each of you receives when the whole is cut into equal parts. " +
	"Try drawing the slices yourself, then explore what happens when the pizza is cut into eight pieces instead of four. " +
	"Which share would you rather have, and why?"

type harness struct {
	orch  *Orchestrator
	pool  *worker.Pool
	store *storage.MemoryStore
	bc    *progress.Broadcaster
}

func newHarness(t *testing.T, protocol provider.Protocol, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Swarm.Capabilities = []config.WorkerSpec{
		{ID: "narrative-1", Capabilities: []string{"narrative"}},
		{ID: "narrative-2", Capabilities: []string{"narrative"}},
		{ID: "visual-1", Capabilities: []string{"visual_spec"}},
	}
	cfg.Pipeline.StageTimeout = 10 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	pool := worker.NewPool(cfg.Swarm.Capabilities, protocol)
	t.Cleanup(pool.Close)
	ctrl := swarm.NewController(cfg.Swarm, pool)
	store := storage.NewMemoryStore()
	bc := progress.NewBroadcaster(nil, 0)
	eng := personalize.NewEngine(cfg.Personalization, store)
	orch := New(cfg.Pipeline,
		generator.New(ctrl),
		validator.New(cfg.Validator),
		decision.NewManager(cfg.Decision),
		eng,
		ctrl,
		bc,
		store,
		metrics.NewMetrics(),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &harness{orch: orch, pool: pool, store: store, bc: bc}
}

func request(modalities ...models.Modality) *models.GenerationRequest {
	return &models.GenerationRequest{
		LearnerID:  "learner-1",
		Subject:    "math",
		Topic:      "fractions",
		Modalities: modalities,
		Constraints: models.Constraints{
			GradeLevel: 4,
		},
	}
}

func waitTerminal(t *testing.T, orch *Orchestrator, id string) *models.PipelineExecution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		exec, err := orch.Status(id)
		if err != nil {
			t.Fatalf("Status(%s) failed: %v", id, err)
		}
		if exec.State.Terminal() {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s stuck in state %s", id, exec.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// blockingProtocol parks every completion on its context. It stands in for
// a provider that never answers, so cancellation paths can be exercised.
type blockingProtocol struct {
	startOnce sync.Once
	started   chan struct{}
}

func newBlockingProtocol() *blockingProtocol {
	return &blockingProtocol{started: make(chan struct{})}
}

func (p *blockingProtocol) Complete(ctx context.Context, _ *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	p.startOnce.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, provider.NewMockProtocol(), nil)

	bad := []*models.GenerationRequest{
		nil,
		{Modalities: []models.Modality{models.ModalityNarrative}},                       // no topic
		{Topic: "fractions"},                                                           // no modalities
		{Topic: "fractions", Modalities: []models.Modality{models.Modality("hologram")}}, // unknown
		{Topic: "fractions", Modalities: []models.Modality{models.ModalityNarrative},
			Constraints: models.Constraints{RequiredModalities: []models.Modality{models.ModalityVisualSpec}}},
		{Topic: "fractions", Modalities: []models.Modality{models.ModalityNarrative},
			Constraints: models.Constraints{MaxRetries: -1}},
	}
	for i, req := range bad {
		if _, err := h.orch.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("request %d: got %v, want ErrInvalidRequest", i, err)
		}
	}
	if got := len(h.orch.List()); got != 0 {
		t.Errorf("rejected requests left %d executions behind", got)
	}
}

func TestPipelineCompletesHappyPath(t *testing.T) {
	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string { return goodLesson }
	h := newHarness(t, protocol, nil)

	exec, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, h.orch, exec.ID)
	if final.State != models.StateCompleted {
		t.Fatalf("state = %s (%s), want completed", final.State, final.FailureReason)
	}
	if final.RetriesUsed != 0 {
		t.Errorf("RetriesUsed = %d, want 0", final.RetriesUsed)
	}
	if final.LastReport == nil || final.LastReport.Overall < 0.7 {
		t.Errorf("final report %+v below accept threshold", final.LastReport)
	}
	if final.ArtifactID == "" {
		t.Fatal("completed execution has no artifact ID")
	}

	artifact, err := h.store.GetArtifact(context.Background(), final.ArtifactID)
	if err != nil {
		t.Fatalf("stored artifact not retrievable: %v", err)
	}
	if artifact.ExecutionID != exec.ID {
		t.Errorf("artifact execution ID = %s, want %s", artifact.ExecutionID, exec.ID)
	}
	if _, ok := artifact.Fragments[models.ModalityNarrative]; !ok {
		t.Error("artifact missing the narrative fragment")
	}
	if len(artifact.Provenance.Workers) == 0 {
		t.Error("artifact provenance carries no workers")
	}

	// The stage graph was traversed in order and a terminal event published.
	var stages []models.ExecutionState
	for _, tr := range final.StageHistory {
		stages = append(stages, tr.To)
	}
	want := []models.ExecutionState{models.StateGenerating, models.StateValidating, models.StatePersonalizing, models.StateCompleted}
	if len(stages) != len(want) {
		t.Fatalf("stage history %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage history %v, want %v", stages, want)
		}
	}
	events := h.bc.Replay(exec.ID, 0)
	if len(events) == 0 || events[len(events)-1].Type != "execution.terminal" {
		t.Error("terminal progress event not published")
	}
}

func TestPipelineFailsAfterRetryBudget(t *testing.T) {
	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string { return "plain text" }
	h := newHarness(t, protocol, func(cfg *config.Config) {
		cfg.Pipeline.AcceptThreshold = 0.99
		cfg.Pipeline.RemediationFloor = 0.9
	})

	req := request(models.ModalityNarrative)
	req.Constraints.MaxRetries = 1
	exec, err := h.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, h.orch, exec.ID)
	if final.State != models.StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.FailureReason != ErrQualityThresholdNotMet.Error() {
		t.Errorf("failure reason = %q, want %q", final.FailureReason, ErrQualityThresholdNotMet.Error())
	}
	if final.RetriesUsed != 1 {
		t.Errorf("RetriesUsed = %d, want the full budget of 1", final.RetriesUsed)
	}
	if final.LastReport == nil {
		t.Error("failed execution must carry the last quality report")
	}
	if final.ArtifactID != "" {
		t.Error("failed execution must not produce an artifact")
	}
}

// visualprotocol fails any visual-spec sub-task with the given error and
// serves every other prompt normally.
type visualProtocol struct {
	inner provider.Protocol
	err   error
}

func (p *visualProtocol) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if strings.Contains(req.Prompt, string(models.ModalityVisualSpec)) {
		return nil, p.err
	}
	return p.inner.Complete(ctx, req)
}

func TestGenerationFailureClassifiedByCause(t *testing.T) {
	good := provider.NewMockProtocol()
	good.Respond = func(*provider.CompletionRequest) string { return goodLesson }

	for _, tc := range []struct {
		name string
		err  error
		want error
	}{
		{"deadline", provider.TransientError(context.DeadlineExceeded), ErrWorkerTimeout},
		{"refusal", errors.New("provider refused the prompt"), ErrSwarmConsensusFailure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &visualProtocol{inner: good, err: tc.err}, func(cfg *config.Config) {
				cfg.Pipeline.DefaultRetries = 0
			})

			exec, err := h.orch.Submit(context.Background(),
				request(models.ModalityNarrative, models.ModalityVisualSpec))
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}

			final := waitTerminal(t, h.orch, exec.ID)
			if final.State != models.StateFailed {
				t.Fatalf("state = %s, want failed", final.State)
			}
			if !strings.Contains(final.FailureReason, tc.want.Error()) {
				t.Errorf("failure reason = %q, want it to name %q", final.FailureReason, tc.want.Error())
			}
		})
	}
}

func TestStageSpansEmitted(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	saved := telemetry.Tracer
	telemetry.Tracer = tp.Tracer("test")
	defer func() { telemetry.Tracer = saved }()

	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string { return goodLesson }
	h := newHarness(t, protocol, nil)

	exec, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTerminal(t, h.orch, exec.ID)

	names := make(map[string]bool)
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"pipeline.generate", "pipeline.validate", "pipeline.personalize"} {
		if !names[want] {
			t.Errorf("no %s span recorded; got %v", want, names)
		}
	}
}

func TestRemediationAutoFixRecovers(t *testing.T) {
	// A visual spec without alt text loses exactly the accessibility margin
	// that auto-fix restores. The gate sits between the two scores, so the
	// execution passes on the fixed candidate without spending a retry.
	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string {
		return "A diagram of fractions as slices of a circle, shaded to show halves and quarters."
	}
	h := newHarness(t, protocol, func(cfg *config.Config) {
		cfg.Pipeline.AcceptThreshold = 0.9
		cfg.Pipeline.RemediationFloor = 0.5
	})

	exec, err := h.orch.Submit(context.Background(), request(models.ModalityVisualSpec))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, h.orch, exec.ID)
	if final.State != models.StateCompleted {
		t.Fatalf("state = %s (%s), want completed via auto-fix", final.State, final.FailureReason)
	}
	if final.RetriesUsed != 0 {
		t.Errorf("auto-fix consumed %d retries, want 0", final.RetriesUsed)
	}

	artifact, err := h.store.GetArtifact(context.Background(), final.ArtifactID)
	if err != nil {
		t.Fatalf("stored artifact not retrievable: %v", err)
	}
	frag := artifact.Fragments[models.ModalityVisualSpec]
	if frag == nil || frag.Metadata["alt_text"] == "" {
		t.Error("auto-fix did not insert alt text on the visual fragment")
	}
}

func TestSafetyVetoFailsImmediately(t *testing.T) {
	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string {
		return "this lesson on fractions somehow contains explicit content"
	}
	h := newHarness(t, protocol, nil)

	req := request(models.ModalityNarrative)
	req.Constraints.MaxRetries = 3
	exec, err := h.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, h.orch, exec.ID)
	if final.State != models.StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.FailureReason != ErrSafetyVeto.Error() {
		t.Errorf("failure reason = %q, want %q", final.FailureReason, ErrSafetyVeto.Error())
	}
	if !final.HumanReviewRequired {
		t.Error("safety veto must escalate to human review")
	}
	if final.RetriesUsed != 0 {
		t.Errorf("safety veto consumed %d retries, want 0; regeneration cannot launder vetoed content", final.RetriesUsed)
	}
}

func TestCancelMidGeneration(t *testing.T) {
	protocol := newBlockingProtocol()
	h := newHarness(t, protocol, nil)

	exec, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-protocol.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never reached the provider")
	}

	if err := h.orch.Cancel(exec.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	final := waitTerminal(t, h.orch, exec.ID)
	if final.State != models.StateCancelled {
		t.Fatalf("state = %s, want cancelled", final.State)
	}
	if final.ArtifactID != "" {
		t.Error("cancelled execution must not produce an artifact")
	}

	// Every checked-out worker returns to the pool.
	deadline := time.Now().Add(2 * time.Second)
	for h.pool.Available() != h.pool.Size() {
		if time.Now().After(deadline) {
			t.Fatalf("pool has %d of %d workers after cancel", h.pool.Available(), h.pool.Size())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelErrors(t *testing.T) {
	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string { return goodLesson }
	h := newHarness(t, protocol, nil)

	if err := h.orch.Cancel("no-such-execution"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrExecutionNotFound", err)
	}

	exec, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTerminal(t, h.orch, exec.ID)

	if err := h.orch.Cancel(exec.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Cancel(terminal) = %v, want ErrAlreadyTerminal", err)
	}
}

func TestSubmitCapacityExhausted(t *testing.T) {
	protocol := newBlockingProtocol()
	h := newHarness(t, protocol, func(cfg *config.Config) {
		cfg.Pipeline.MaxConcurrent = 1
	})

	first, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	if _, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative)); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("second Submit = %v, want ErrCapacityExhausted", err)
	}

	if err := h.orch.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitTerminal(t, h.orch, first.ID)

	// The slot frees once the cancelled run unwinds.
	deadline := time.Now().Add(2 * time.Second)
	for {
		exec, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
		if err == nil {
			h.orch.Cancel(exec.ID)
			waitTerminal(t, h.orch, exec.ID)
			return
		}
		if !errors.Is(err, ErrCapacityExhausted) {
			t.Fatalf("Submit after cancel = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("capacity never freed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusReturnsIndependentCopies(t *testing.T) {
	protocol := provider.NewMockProtocol()
	protocol.Respond = func(*provider.CompletionRequest) string { return goodLesson }
	h := newHarness(t, protocol, nil)

	exec, err := h.orch.Submit(context.Background(), request(models.ModalityNarrative))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	final := waitTerminal(t, h.orch, exec.ID)

	final.State = models.StateQueued
	final.LastReport.Overall = -1

	again, err := h.orch.Status(exec.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if again.State != models.StateCompleted {
		t.Error("mutating a status snapshot changed orchestrator state")
	}
	if again.LastReport.Overall < 0 {
		t.Error("mutating a snapshot's report changed the stored report")
	}
}
