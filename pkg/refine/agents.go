package refine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/applyforge/applyforge/pkg/agent"
	"github.com/applyforge/applyforge/pkg/protocol"
)

// Evaluation is the critic's structured verdict.
type Evaluation struct {
	Score    int    `json:"score" jsonschema:"minimum=0,maximum=100"`
	Critique string `json:"critique"`
}

// AgentProducer drives a structured agent as the loop's producer. It keeps
// its own conversation so critic feedback accumulates across iterations.
type AgentProducer struct {
	agent        *agent.Agent
	schema       map[string]any
	conversation []protocol.Message
}

// NewAgentProducer seeds the producer with the system instructions and task
// input. Schema constrains every produced artifact.
func NewAgentProducer(a *agent.Agent, system, seed string, schema map[string]any) *AgentProducer {
	return &AgentProducer{
		agent:  a,
		schema: schema,
		conversation: []protocol.Message{
			protocol.SystemMessage(system),
			protocol.UserMessage(seed),
		},
	}
}

func (p *AgentProducer) Produce(ctx context.Context, feedback *Candidate) (json.RawMessage, error) {
	if feedback != nil {
		p.conversation = append(p.conversation, protocol.UserMessage(fmt.Sprintf(
			"Your previous attempt scored %d/100. Reviewer critique:\n\n%s\n\nProduce an improved version that addresses every point.",
			feedback.Score, feedback.Critique)))
	}

	artifact, err := p.agent.RunStructured(ctx, p.conversation, p.schema)
	if err != nil {
		return nil, err
	}

	p.conversation = append(p.conversation, protocol.AssistantMessage(string(artifact)))
	return artifact, nil
}

// AgentCritic drives a structured agent as the loop's critic. Seeded once
// with the evaluation context, then fed each candidate in turn.
type AgentCritic struct {
	agent        *agent.Agent
	conversation []protocol.Message
}

func NewAgentCritic(a *agent.Agent, system, taskContext string) *AgentCritic {
	return &AgentCritic{
		agent: a,
		conversation: []protocol.Message{
			protocol.SystemMessage(system),
			protocol.UserMessage(taskContext),
		},
	}
}

func (c *AgentCritic) Evaluate(ctx context.Context, artifact json.RawMessage) (int, string, error) {
	c.conversation = append(c.conversation, protocol.UserMessage(
		"Evaluate the following artifact. Respond with a score from 0 to 100 and a concrete critique.\n\n"+string(artifact)))

	var eval Evaluation
	if err := c.agent.RunStructuredAs(ctx, c.conversation, agent.SchemaFor[Evaluation](), &eval); err != nil {
		return 0, "", err
	}

	verdict, _ := json.Marshal(eval)
	c.conversation = append(c.conversation, protocol.AssistantMessage(string(verdict)))
	return eval.Score, eval.Critique, nil
}
