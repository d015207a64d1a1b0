package swarm

import (
	"fmt"
	"log"
	"sort"

	"github.com/edforge/edforge/internal/worker"
	"github.com/edforge/edforge/pkg/models"
)

// Candidate is one worker's proposed output for a disputed sub-task.
type Candidate struct {
	WorkerID string
	Output   string
}

// ConsensusResult is the resolved output of a consensus round.
type ConsensusResult struct {
	Output     string
	Digest     string
	Confidence float64
	Degraded   bool // no quorum; resolution fell back to the policy default
	Votes      []models.ConsensusVote
}

// NeedsConsensus reports whether the candidate outputs are materially
// different, i.e. their pairwise dissimilarity exceeds the configured
// threshold. Identical or near-identical outputs skip the vote.
func (c *Controller) NeedsConsensus(candidates []Candidate) bool {
	threshold := c.DissimilarityThreshold()
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if Dissimilarity(candidates[i].Output, candidates[j].Output) > threshold {
				return true
			}
		}
	}
	return false
}

// Consensus resolves disagreement by weighted majority vote, each vote
// weighted by the worker's historical accuracy. Candidates sharing a
// digest pool their weight. The winner's confidence is its weight share.
//
// Resolution is deterministic: groups are ordered by weight, then by
// lowest member worker ID. A tie or sub-quorum winner degrades to the
// conservative policy default, which is the tied group containing the
// lowest worker ID.
func (c *Controller) Consensus(candidates []Candidate) (*ConsensusResult, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("consensus requires at least one candidate")
	}

	type group struct {
		digest   string
		output   string
		weight   float64
		lowestID string
	}
	groups := make(map[string]*group)
	votes := make([]models.ConsensusVote, 0, len(candidates))
	var total float64

	for _, cand := range candidates {
		weight := 0.5
		if w, ok := c.pool.Get(cand.WorkerID); ok {
			weight = w.Accuracy()
		}
		digest := worker.Digest(cand.Output)
		votes = append(votes, models.ConsensusVote{
			WorkerID:   cand.WorkerID,
			Digest:     digest,
			Confidence: weight,
		})
		total += weight

		g, ok := groups[digest]
		if !ok {
			g = &group{digest: digest, output: cand.Output, lowestID: cand.WorkerID}
			groups[digest] = g
		}
		g.weight += weight
		if cand.WorkerID < g.lowestID {
			g.lowestID = cand.WorkerID
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].weight != ordered[j].weight {
			return ordered[i].weight > ordered[j].weight
		}
		return ordered[i].lowestID < ordered[j].lowestID
	})

	winner := ordered[0]
	confidence := 0.0
	if total > 0 {
		confidence = winner.weight / total
	}

	tied := len(ordered) > 1 && ordered[1].weight == winner.weight
	degraded := tied || confidence < c.quorumFraction
	outcome := "resolved"
	if degraded {
		outcome = "degraded"
		log.Printf("[Swarm] Consensus degraded (tied=%v confidence=%.2f quorum=%.2f), using policy default", tied, confidence, c.quorumFraction)
	}
	c.metrics.ConsensusRounds.WithLabelValues(outcome).Inc()

	return &ConsensusResult{
		Output:     winner.output,
		Digest:     winner.digest,
		Confidence: confidence,
		Degraded:   degraded,
		Votes:      votes,
	}, nil
}
