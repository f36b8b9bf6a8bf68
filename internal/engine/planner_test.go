package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opspilot/internal/models"
)

func plannerAgent() *models.Agent {
	agent := &models.Agent{
		Name:           "analyst",
		MaxChainLength: 3,
		Persona:        models.Persona{Role: "a data analyst", Tone: "concise"},
	}
	agent.ID = 5
	return agent
}

func TestBuildPlanParsesFencedResponse(t *testing.T) {
	provider := &scriptedProvider{response: "```json\n" + planJSON(
		stepJSON("fetch data", "query", "warehouse"),
	) + "\n```"}
	planner := NewPlanner(provider, zap.NewNop())

	plan, err := planner.BuildPlan(context.Background(), plannerAgent(), "analyze signups", nil, nil, nil, nil)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, 1, plan.Steps[0].Number)
	assert.Equal(t, "query", plan.Steps[0].ActionType)
	assert.Equal(t, 85.0, plan.Confidence)
	assert.True(t, plan.Autonomous)
}

func TestBuildPlanDefaultsMissingActionTypeToNoOp(t *testing.T) {
	provider := &scriptedProvider{response: planJSON(
		`{"description":"consider the request","tool":"","parameters":{}}`,
	)}
	planner := NewPlanner(provider, zap.NewNop())

	plan, err := planner.BuildPlan(context.Background(), plannerAgent(), "task", nil, nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, plan.Steps[0].ActionType)
}

func TestBuildPlanTruncatesToChainLimit(t *testing.T) {
	provider := &scriptedProvider{response: planJSON(
		stepJSON("one", "a", "t"),
		stepJSON("two", "a", "t"),
		stepJSON("three", "a", "t"),
		stepJSON("four", "a", "t"),
		stepJSON("five", "a", "t"),
	)}
	planner := NewPlanner(provider, zap.NewNop())

	plan, err := planner.BuildPlan(context.Background(), plannerAgent(), "task", nil, nil, nil, nil)

	require.NoError(t, err)
	assert.Len(t, plan.Steps, 3)
	assert.Equal(t, 3, plan.Steps[2].Number)
}

func TestBuildPlanClampsConfidence(t *testing.T) {
	provider := &scriptedProvider{response: `{"steps":[{"description":"x","action_type":"a","tool":"t","confidence":250}],"confidence":-10}`}
	planner := NewPlanner(provider, zap.NewNop())

	plan, err := planner.BuildPlan(context.Background(), plannerAgent(), "task", nil, nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 100.0, plan.Steps[0].Confidence)
	assert.Equal(t, 0.0, plan.Confidence)
}

func TestBuildPlanEmptyStepsIsAnError(t *testing.T) {
	provider := &scriptedProvider{response: `{"steps":[],"confidence":90}`}
	planner := NewPlanner(provider, zap.NewNop())

	_, err := planner.BuildPlan(context.Background(), plannerAgent(), "task", nil, nil, nil, nil)

	assert.Error(t, err)
}

func TestPlanIntegrationResolution(t *testing.T) {
	toolInfos := []ToolInfo{{Name: "slack", IntegrationType: "messaging", Actions: []string{"post_message"}}}
	provider := &scriptedProvider{response: planJSON(stepJSON("notify", "post_message", "slack"))}
	planner := NewPlanner(provider, zap.NewNop())

	plan, err := planner.BuildPlan(context.Background(), plannerAgent(), "task", nil, toolInfos, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "messaging", plan.Integration("slack"))
	// Unknown tools fall back to the name itself, handed to the generic handler.
	assert.Equal(t, "pagerduty", plan.Integration("pagerduty"))
}

func TestBuildPromptMentionsToolsAndHistory(t *testing.T) {
	planner := NewPlanner(&scriptedProvider{}, zap.NewNop())
	agent := plannerAgent()

	prompt := planner.buildPrompt(agent, "do the thing",
		map[string]interface{}{"source": "monitor"},
		[]ToolInfo{{Name: "jira", IntegrationType: "issues", Actions: []string{"create_issue"}, RequiresApproval: true}},
		[]ExecutionSummary{{Task: "prior win", Steps: []string{"a", "b"}}},
		[]ExecutionSummary{{Task: "prior loss", Steps: []string{"c"}, Feedback: "wrong tool"}},
		5, 70)

	assert.Contains(t, prompt, "jira")
	assert.Contains(t, prompt, "requires approval")
	assert.Contains(t, prompt, "prior win")
	assert.Contains(t, prompt, "wrong tool")
	assert.Contains(t, prompt, "at most 5 steps")
}
