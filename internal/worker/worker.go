package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edforge/edforge/internal/provider"
	"github.com/edforge/edforge/pkg/models"
)

// Status represents the lifecycle state of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

const accuracyAlpha = 0.2

// Worker executes generation sub-tasks against the provider. A worker is
// exclusively owned by one dispatch between Checkout and Checkin.
type Worker struct {
	ID           string
	capabilities map[string]bool
	protocol     provider.Protocol

	mu        sync.Mutex
	status    Status
	backlog   float64 // decaying sum of recent task complexity
	accuracy  float64 // historical accuracy, moving average
	tasksDone int
}

// New creates an idle worker with the given capability tags.
func New(id string, capabilities []string, protocol provider.Protocol) *Worker {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &Worker{
		ID:           id,
		capabilities: caps,
		protocol:     protocol,
		status:       StatusIdle,
		accuracy:     0.5, // neutral prior until outcomes arrive
	}
}

// HasCapability reports whether the worker advertises the tag.
func (w *Worker) HasCapability(tag string) bool {
	return w.capabilities[tag]
}

// Capabilities returns the advertised tags.
func (w *Worker) Capabilities() []string {
	tags := make([]string, 0, len(w.capabilities))
	for c := range w.capabilities {
		tags = append(tags, c)
	}
	return tags
}

// Execute runs one task to completion or ctx deadline. The fragment digest
// is recorded in metadata so consensus rounds can compare outputs cheaply.
func (w *Worker) Execute(ctx context.Context, task *models.Task) *models.TaskResult {
	start := time.Now()

	prompt := buildPrompt(task)
	resp, err := w.protocol.Complete(ctx, &provider.CompletionRequest{
		System:      systemPrompt(task.Modality),
		Prompt:      prompt,
		Temperature: 0.2 + task.Policy.Creativity*0.8,
		MaxTokens:   2048,
	})
	if err != nil {
		return &models.TaskResult{
			TaskID:   task.ID,
			WorkerID: w.ID,
			Err:      err.Error(),
			TimedOut: errors.Is(err, context.DeadlineExceeded),
			Duration: time.Since(start),
		}
	}

	w.mu.Lock()
	w.tasksDone++
	w.mu.Unlock()

	return &models.TaskResult{
		TaskID:   task.ID,
		WorkerID: w.ID,
		Fragment: &models.Fragment{
			Modality: task.Modality,
			Content:  resp.Text,
			Metadata: map[string]string{
				"digest":    Digest(resp.Text),
				"worker_id": w.ID,
				"tokens":    fmt.Sprintf("%d", resp.TotalTokens()),
			},
		},
		Tokens:   resp.TotalTokens(),
		Duration: time.Since(start),
	}
}

// RecordAccuracy folds a validation outcome into the worker's historical
// accuracy with a bounded moving average.
func (w *Worker) RecordAccuracy(score float64) {
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accuracy = w.accuracy*(1-accuracyAlpha) + score*accuracyAlpha
}

// Accuracy returns the historical accuracy used as a consensus vote weight.
func (w *Worker) Accuracy() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accuracy
}

// Backlog returns the decayed recent-complexity load.
func (w *Worker) Backlog() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backlog
}

func (w *Worker) addBacklog(complexity float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backlog = w.backlog*0.5 + complexity
}

// Status returns the worker's current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
}

// Digest returns the short content digest used for structural comparison.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

func systemPrompt(m models.Modality) string {
	switch m {
	case models.ModalityNarrative:
		return "You write clear, engaging educational narrative for the stated grade level."
	case models.ModalityLogicScript:
		return "You produce structured, deterministic lesson logic scripts. Output only the script."
	case models.ModalityVisualSpec:
		return "You produce concise visual scene specifications for educational content."
	case models.ModalityAudioSpec:
		return "You produce audio narration and sound cue specifications for educational content."
	default:
		return "You produce educational content."
	}
}

func buildPrompt(task *models.Task) string {
	intent := task.Intent
	return fmt.Sprintf("Subject: %s\nTopic: %s\nGrade level: %d\nSummary: %s\nProduce the %s fragment.",
		intent.Subject, intent.Topic, intent.GradeLevel, intent.Summary, task.Modality)
}
