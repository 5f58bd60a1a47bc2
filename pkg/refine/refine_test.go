package refine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProducer struct {
	calls     int
	feedbacks []*Candidate
	err       error
}

func (p *stubProducer) Produce(ctx context.Context, feedback *Candidate) (json.RawMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.calls++
	p.feedbacks = append(p.feedbacks, feedback)
	return json.RawMessage(fmt.Sprintf(`{"draft": %d}`, p.calls)), nil
}

type stubCritic struct {
	scores []int
	calls  int
	err    error
}

func (c *stubCritic) Evaluate(ctx context.Context, artifact json.RawMessage) (int, string, error) {
	if c.err != nil {
		return 0, "", c.err
	}
	score := c.scores[c.calls]
	c.calls++
	return score, fmt.Sprintf("critique %d", c.calls), nil
}

func TestRun_TargetZeroReturnsAfterOneIteration(t *testing.T) {
	producer := &stubProducer{}
	critic := &stubCritic{scores: []int{40, 95, 60}}

	result, err := Run(context.Background(), producer, critic, 0, 5)
	require.NoError(t, err)

	assert.Equal(t, 1, producer.calls)
	assert.Len(t, result.History, 1)
	assert.Equal(t, 1, result.Best.Iteration)
	assert.Equal(t, 40, result.Best.Score)
}

func TestRun_StopsWhenTargetReached(t *testing.T) {
	producer := &stubProducer{}
	critic := &stubCritic{scores: []int{40, 95, 60}}

	result, err := Run(context.Background(), producer, critic, 90, 5)
	require.NoError(t, err)

	assert.Equal(t, 2, producer.calls)
	assert.Len(t, result.History, 2)
	assert.Equal(t, 2, result.Best.Iteration)
	assert.Equal(t, 95, result.Best.Score)
}

func TestRun_ExhaustedBudgetPicksHighestScore(t *testing.T) {
	producer := &stubProducer{}
	critic := &stubCritic{scores: []int{40, 95, 60}}

	result, err := Run(context.Background(), producer, critic, 100, 3)
	require.NoError(t, err)

	require.Len(t, result.History, 3)
	assert.Equal(t, 2, result.Best.Iteration)
	assert.Equal(t, 95, result.Best.Score)
	assert.JSONEq(t, `{"draft": 2}`, string(result.Best.Artifact))
}

func TestRun_TieBreaksToEarliestIteration(t *testing.T) {
	producer := &stubProducer{}
	critic := &stubCritic{scores: []int{70, 70, 70}}

	result, err := Run(context.Background(), producer, critic, 100, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Best.Iteration)
}

func TestRun_FeedbackFlowsFromSecondIteration(t *testing.T) {
	producer := &stubProducer{}
	critic := &stubCritic{scores: []int{40, 50, 99}}

	_, err := Run(context.Background(), producer, critic, 90, 5)
	require.NoError(t, err)

	require.Len(t, producer.feedbacks, 3)
	assert.Nil(t, producer.feedbacks[0])
	require.NotNil(t, producer.feedbacks[1])
	assert.Equal(t, 40, producer.feedbacks[1].Score)
	assert.Equal(t, "critique 1", producer.feedbacks[1].Critique)
	require.NotNil(t, producer.feedbacks[2])
	assert.Equal(t, 50, producer.feedbacks[2].Score)
}

func TestRun_ProducerErrorAborts(t *testing.T) {
	producer := &stubProducer{err: errors.New("model unavailable")}
	critic := &stubCritic{scores: []int{40}}

	_, err := Run(context.Background(), producer, critic, 90, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer failed on iteration 1")
}

func TestRun_CriticErrorAborts(t *testing.T) {
	producer := &stubProducer{}
	critic := &stubCritic{err: errors.New("model unavailable")}

	_, err := Run(context.Background(), producer, critic, 90, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critic failed on iteration 1")
}

func TestRun_InvalidBudget(t *testing.T) {
	_, err := Run(context.Background(), &stubProducer{}, &stubCritic{}, 90, 0)
	require.Error(t, err)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, &stubProducer{}, &stubCritic{scores: []int{50}}, 90, 3)
	require.ErrorIs(t, err, context.Canceled)
}
