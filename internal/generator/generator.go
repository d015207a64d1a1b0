package generator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/edforge/edforge/internal/swarm"
	"github.com/edforge/edforge/pkg/models"
)

// Failure describes why a modality produced no fragment. The timeout flag
// drives failure classification upstream.
type Failure struct {
	Message  string
	TimedOut bool
}

// Result carries the fragments plus generation bookkeeping the
// orchestrator and decision manager need. Tokens sums provider usage
// across every sub-task, redundant attempts included, and feeds the
// reward's cost term.
type Result struct {
	Fragments map[models.Modality]*models.Fragment
	Errors    map[models.Modality]Failure
	Workers   []string
	Degraded  bool // a swarm round redispatched or lost quorum
	Tokens    int
}

// Generator produces modality fragments from a shared content intent by
// fanning sub-tasks out through the swarm controller. Strategies are
// read-only over the intent so they run concurrently.
type Generator struct {
	controller *swarm.Controller
	strategies map[models.Modality]Strategy
}

// New creates a generator wired to the swarm controller.
func New(controller *swarm.Controller) *Generator {
	strategies := make(map[models.Modality]Strategy)
	for _, s := range Strategies() {
		strategies[s.Modality()] = s
	}
	return &Generator{controller: controller, strategies: strategies}
}

// Generate produces one fragment per requested modality. A failed modality
// is reported in Errors, never aborts the others; the orchestrator decides
// whether a partial modality set satisfies the request constraints.
func (g *Generator) Generate(ctx context.Context, executionID string, intent *models.ContentIntent, modalities []models.Modality, policy models.Policy) (*Result, error) {
	type slot struct {
		modality models.Modality
		strategy Strategy
	}

	var tasks []*models.Task
	var slots []slot
	for _, modality := range modalities {
		strategy, ok := g.strategies[modality]
		if !ok {
			return nil, fmt.Errorf("no strategy for modality %q", modality)
		}
		redundancy := strategy.Redundancy(policy)
		for i := 0; i < redundancy; i++ {
			tasks = append(tasks, &models.Task{
				ID:          uuid.New().String(),
				ExecutionID: executionID,
				Capability:  strategy.Capability(),
				Intent:      intent,
				Modality:    modality,
				Policy:      policy,
				Complexity:  strategy.Complexity(intent),
			})
			slots = append(slots, slot{modality: modality, strategy: strategy})
		}
	}

	start := time.Now()
	results := g.controller.Dispatch(ctx, tasks)
	log.Printf("[Generator] Dispatched %d sub-tasks for execution %s in %v", len(tasks), executionID, time.Since(start))

	out := &Result{
		Fragments: make(map[models.Modality]*models.Fragment),
		Errors:    make(map[models.Modality]Failure),
	}
	workerSet := make(map[string]bool)

	// Regroup results per modality for consensus resolution.
	byModality := make(map[models.Modality][]*models.TaskResult)
	for i, res := range results {
		byModality[slots[i].modality] = append(byModality[slots[i].modality], res)
		out.Tokens += res.Tokens
		if res.Partial {
			out.Degraded = true
		}
	}

	for _, modality := range modalities {
		group := byModality[modality]
		if _, done := out.Fragments[modality]; done {
			continue
		}

		var ok []*models.TaskResult
		var lastFail *models.TaskResult
		for _, res := range group {
			if res.Err == "" && res.Fragment != nil {
				ok = append(ok, res)
				workerSet[res.WorkerID] = true
			} else if res.Err != "" {
				lastFail = res
			}
		}

		switch {
		case len(ok) == 0:
			failure := Failure{Message: "no results for modality"}
			if lastFail != nil {
				failure = Failure{Message: lastFail.Err, TimedOut: lastFail.TimedOut}
			}
			out.Errors[modality] = failure
			log.Printf("[Generator] Modality %s failed for execution %s: %s", modality, executionID, failure.Message)
		case len(ok) == 1:
			out.Fragments[modality] = ok[0].Fragment
		default:
			out.Fragments[modality] = g.resolve(modality, ok, out)
		}
	}

	for id := range workerSet {
		out.Workers = append(out.Workers, id)
	}
	return out, nil
}

// resolve picks a single fragment from redundant outputs, running a
// consensus round when the outputs are materially different.
func (g *Generator) resolve(modality models.Modality, results []*models.TaskResult, out *Result) *models.Fragment {
	candidates := make([]swarm.Candidate, len(results))
	for i, res := range results {
		candidates[i] = swarm.Candidate{WorkerID: res.WorkerID, Output: res.Fragment.Content}
	}

	if !g.controller.NeedsConsensus(candidates) {
		return results[0].Fragment
	}

	resolution, err := g.controller.Consensus(candidates)
	if err != nil {
		return results[0].Fragment
	}
	if resolution.Degraded {
		out.Degraded = true
	}

	for _, res := range results {
		if res.Fragment.Content == resolution.Output {
			res.Fragment.Metadata["consensus_confidence"] = fmt.Sprintf("%.3f", resolution.Confidence)
			return res.Fragment
		}
	}
	return results[0].Fragment
}
