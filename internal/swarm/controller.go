package swarm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/edforge/edforge/internal/metrics"
	"github.com/edforge/edforge/internal/worker"
	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// Controller mediates all access to the worker pool. It routes tasks by
// capability and load, redispatches once on worker failure or timeout, and
// resolves disagreement between workers through weighted consensus.
type Controller struct {
	pool    *worker.Pool
	metrics *metrics.Metrics

	mu                     sync.RWMutex
	dissimilarityThreshold float64
	quorumFraction         float64
	taskTimeout            time.Duration
}

// NewController builds a controller over a fresh pool.
func NewController(cfg config.SwarmConfig, pool *worker.Pool) *Controller {
	return &Controller{
		pool:                   pool,
		metrics:                metrics.NewMetrics(),
		dissimilarityThreshold: cfg.DissimilarityThreshold,
		quorumFraction:         cfg.QuorumFraction,
		taskTimeout:            cfg.TaskTimeout,
	}
}

// Pool exposes the underlying pool for stats and metrics.
func (c *Controller) Pool() *worker.Pool {
	return c.pool
}

// SetDissimilarityThreshold swaps the consensus trigger at runtime.
func (c *Controller) SetDissimilarityThreshold(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dissimilarityThreshold = t
}

// DissimilarityThreshold returns the current consensus trigger.
func (c *Controller) DissimilarityThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dissimilarityThreshold
}

// Dispatch fans the tasks out to matching workers and waits for all of
// them or the context deadline. Every result slot is filled; a sub-task
// that failed twice comes back with Err set and Partial true.
func (c *Controller) Dispatch(ctx context.Context, tasks []*models.Task) []*models.TaskResult {
	results := make([]*models.TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *models.Task) {
			defer wg.Done()
			results[i] = c.runTask(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runTask executes one task with a single redispatch to a different worker
// on failure or timeout. After the redispatch the round is degraded and the
// result carries the partial flag.
func (c *Controller) runTask(ctx context.Context, task *models.Task) *models.TaskResult {
	deadline := task.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(c.taskTimeout)
	}
	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	exclude := make(map[string]bool)
	var lastErr string
	var lastTimedOut bool
	for attempt := 0; attempt < 2; attempt++ {
		w, err := c.pool.Checkout(taskCtx, task.Capability, task.Complexity, exclude)
		if err != nil {
			if lastErr != "" {
				// No alternate worker for the redispatch; the original
				// failure is the one worth reporting.
				break
			}
			// No capable worker or deadline while waiting.
			c.metrics.TasksDispatched.WithLabelValues(task.Capability, "error").Inc()
			return &models.TaskResult{
				TaskID:   task.ID,
				Err:      err.Error(),
				TimedOut: errors.Is(err, context.DeadlineExceeded),
				Partial:  attempt > 0,
			}
		}
		if attempt > 0 {
			c.metrics.WorkerRedispatch.Inc()
		}
		c.metrics.PoolCheckedOut.Set(float64(c.pool.GetStats().CheckedOut))

		result := w.Execute(taskCtx, task)
		c.pool.Checkin(w)
		c.metrics.PoolCheckedOut.Set(float64(c.pool.GetStats().CheckedOut))

		if result.Err == "" {
			result.Partial = attempt > 0
			c.metrics.TasksDispatched.WithLabelValues(task.Capability, "ok").Inc()
			return result
		}

		lastErr = result.Err
		lastTimedOut = result.TimedOut
		exclude[w.ID] = true
		log.Printf("[Swarm] Worker %s failed task %s (attempt %d): %s", w.ID, task.ID, attempt+1, result.Err)

		if taskCtx.Err() != nil {
			break
		}
	}

	c.metrics.TasksDispatched.WithLabelValues(task.Capability, "error").Inc()
	return &models.TaskResult{TaskID: task.ID, Err: lastErr, TimedOut: lastTimedOut, Partial: true}
}

// RecordOutcome folds a validation score back into the historical accuracy
// of every worker that contributed to the artifact. Accuracy drives
// consensus vote weights.
func (c *Controller) RecordOutcome(workerIDs []string, score float64) {
	for _, id := range workerIDs {
		if w, ok := c.pool.Get(id); ok {
			w.RecordAccuracy(score)
		}
	}
}
