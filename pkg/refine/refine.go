// Package refine implements the producer/critic loop that iterates an
// artifact toward a target quality score under a bounded iteration budget.
package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Candidate is one iteration's artifact plus its evaluation.
type Candidate struct {
	Iteration int             `json:"iteration"`
	Artifact  json.RawMessage `json:"artifact"`
	Score     int             `json:"score"`
	Critique  string          `json:"critique"`
}

// Producer generates a candidate artifact. From the second iteration onward
// it receives the previous iteration's evaluation as feedback.
type Producer interface {
	Produce(ctx context.Context, feedback *Candidate) (json.RawMessage, error)
}

// Critic scores an artifact between 0 and 100 and explains the score.
type Critic interface {
	Evaluate(ctx context.Context, artifact json.RawMessage) (score int, critique string, err error)
}

// Result holds the selected candidate and the full iteration history, in
// iteration order. History always contains at least one candidate.
type Result struct {
	Best    Candidate
	History []Candidate
}

// Run alternates the producer and critic until a candidate reaches target or
// maxIterations is exhausted. Every candidate is retained in History. When
// the budget runs out short of target, the highest-scoring candidate wins,
// earliest iteration breaking ties.
func Run(ctx context.Context, producer Producer, critic Critic, target, maxIterations int) (*Result, error) {
	if producer == nil || critic == nil {
		return nil, fmt.Errorf("producer and critic are required")
	}
	if maxIterations < 1 {
		return nil, fmt.Errorf("maxIterations must be at least 1, got %d", maxIterations)
	}

	result := &Result{}
	var feedback *Candidate

	for i := 1; i <= maxIterations; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		artifact, err := producer.Produce(ctx, feedback)
		if err != nil {
			return nil, fmt.Errorf("producer failed on iteration %d: %w", i, err)
		}

		score, critique, err := critic.Evaluate(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("critic failed on iteration %d: %w", i, err)
		}

		candidate := Candidate{
			Iteration: i,
			Artifact:  artifact,
			Score:     score,
			Critique:  critique,
		}
		result.History = append(result.History, candidate)

		slog.Debug("refinement iteration complete",
			"iteration", i,
			"score", score,
			"target", target)

		if score >= target {
			result.Best = candidate
			return result, nil
		}
		feedback = &candidate
	}

	result.Best = bestOf(result.History)
	slog.Info("refinement budget exhausted, selecting best candidate",
		"iterations", maxIterations,
		"best_iteration", result.Best.Iteration,
		"best_score", result.Best.Score,
		"target", target)
	return result, nil
}

// bestOf picks the highest score; a strict > comparison keeps the earliest
// iteration on ties.
func bestOf(history []Candidate) Candidate {
	best := history[0]
	for _, c := range history[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}
