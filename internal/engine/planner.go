package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"opspilot/internal/llm"
	"opspilot/internal/models"
)

// Planner defaults applied when the agent has no explicit configuration.
const (
	DefaultMaxChainLength      = 5
	DefaultConfidenceThreshold = 70.0
)

// Action type assigned to steps the model returned without one; the
// engine treats such steps as simulated no-ops.
const ActionNoOp = "no_op"

// ToolInfo describes one tool the planner may offer the model: the
// agent's grant resolved against the organization's active tools.
type ToolInfo struct {
	Name             string
	IntegrationType  string
	Actions          []string
	RequiresApproval bool
}

// ExecutionSummary is a past execution reduced to what the planner
// feeds back into the prompt.
type ExecutionSummary struct {
	Task     string
	Steps    []string
	Feedback string
}

// Plan is the planner's output: an ordered step list plus plan-level
// metadata.
type Plan struct {
	Steps             models.PlanSteps
	Confidence        float64
	EstimatedDuration int
	Autonomous        bool

	integrations map[string]string
}

// Integration resolves a step's tool name to its integration type,
// falling back to the tool name itself for tools the planner did not
// offer.
func (p *Plan) Integration(toolName string) string {
	if it, ok := p.integrations[toolName]; ok {
		return it
	}
	return toolName
}

// Planner turns a task into an ordered step plan via the language-model
// service.
type Planner struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewPlanner creates a planner.
func NewPlanner(provider llm.Provider, logger *zap.Logger) *Planner {
	return &Planner{provider: provider, logger: logger}
}

// planResponse is the JSON schema the model is instructed to return.
// Every field is untrusted; parsePlan fills safe defaults.
type planResponse struct {
	Steps []struct {
		Description      string                 `json:"description"`
		ActionType       string                 `json:"action_type"`
		Tool             string                 `json:"tool"`
		Parameters       map[string]interface{} `json:"parameters"`
		DependsOn        []int                  `json:"depends_on"`
		RequiresApproval bool                   `json:"requires_approval"`
		Confidence       float64                `json:"confidence"`
	} `json:"steps"`
	Confidence        float64 `json:"confidence"`
	EstimatedDuration int     `json:"estimated_duration_seconds"`
	Autonomous        bool    `json:"autonomous_executable"`
}

// BuildPlan asks the model for an ordered step plan for the task.
func (p *Planner) BuildPlan(ctx context.Context, agent *models.Agent, task string, taskContext map[string]interface{}, tools []ToolInfo, successes, failures []ExecutionSummary) (*Plan, error) {
	maxChain := agent.MaxChainLength
	if maxChain <= 0 {
		maxChain = DefaultMaxChainLength
	}
	threshold := agent.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	prompt := p.buildPrompt(agent, task, taskContext, tools, successes, failures, maxChain, threshold)

	var resp planResponse
	if err := p.provider.CompleteJSON(ctx, prompt, &resp); err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	plan := parsePlan(resp, tools, maxChain)
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planning failed: model returned no steps")
	}

	p.logger.Info("plan built",
		zap.Uint("agent_id", agent.ID),
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("confidence", plan.Confidence))
	return plan, nil
}

func (p *Planner) buildPrompt(agent *models.Agent, task string, taskContext map[string]interface{}, tools []ToolInfo, successes, failures []ExecutionSummary, maxChain int, threshold float64) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s", agent.Name)
	if agent.Persona.Role != "" {
		fmt.Fprintf(&b, ", %s", agent.Persona.Role)
	}
	b.WriteString(".\n")
	if agent.Persona.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", agent.Persona.Tone)
	}
	if len(agent.Persona.ExpertiseAreas) > 0 {
		fmt.Fprintf(&b, "Expertise: %s.\n", strings.Join(agent.Persona.ExpertiseAreas, ", "))
	}
	if agent.Persona.Instructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", agent.Persona.Instructions)
	}
	if len(agent.Capabilities) > 0 {
		fmt.Fprintf(&b, "Capabilities: %s.\n", strings.Join(agent.Capabilities, ", "))
	}

	fmt.Fprintf(&b, "\nTask: %s\n", task)
	if len(taskContext) > 0 {
		b.WriteString("Context:\n")
		for k, v := range taskContext {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}

	b.WriteString("\nAvailable tools:\n")
	if len(tools) == 0 {
		b.WriteString("- none (use no_op steps only)\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (integration: %s, actions: %s", t.Name, t.IntegrationType, strings.Join(t.Actions, "/"))
		if t.RequiresApproval {
			b.WriteString(", requires approval")
		}
		b.WriteString(")\n")
	}

	if len(successes) > 0 {
		b.WriteString("\nRecently successful executions:\n")
		for _, s := range successes {
			fmt.Fprintf(&b, "- task: %s; steps: %s", s.Task, strings.Join(s.Steps, " -> "))
			if s.Feedback != "" {
				fmt.Fprintf(&b, "; feedback: %s", s.Feedback)
			}
			b.WriteString("\n")
		}
	}
	if len(failures) > 0 {
		b.WriteString("\nRecently failed executions (avoid these mistakes):\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "- task: %s; steps: %s", f.Task, strings.Join(f.Steps, " -> "))
			if f.Feedback != "" {
				fmt.Fprintf(&b, "; feedback: %s", f.Feedback)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, `
Produce an execution plan of at most %d steps. Respond with a single JSON object:
{
  "steps": [
    {
      "description": "what this step does",
      "action_type": "the action to run",
      "tool": "tool name from the list above",
      "parameters": {},
      "depends_on": [],
      "requires_approval": false,
      "confidence": 0-100
    }
  ],
  "confidence": 0-100,
  "estimated_duration_seconds": 0,
  "autonomous_executable": true|false
}
Only use tools and actions from the list. Mark autonomous_executable false
if any step falls below %.0f%% confidence or requires approval.
`, maxChain, threshold)

	return b.String()
}

// parsePlan normalizes an untrusted model response: steps are numbered
// in order, truncated to the chain limit, confidence clamped to
// [0,100], and steps without an action type become no-ops.
func parsePlan(resp planResponse, tools []ToolInfo, maxChain int) *Plan {
	integrations := make(map[string]string, len(tools))
	for _, t := range tools {
		integrations[t.Name] = t.IntegrationType
	}

	steps := resp.Steps
	if len(steps) > maxChain {
		steps = steps[:maxChain]
	}

	plan := &Plan{
		Confidence:        clampPercent(resp.Confidence),
		EstimatedDuration: resp.EstimatedDuration,
		Autonomous:        resp.Autonomous,
		integrations:      integrations,
	}
	for i, s := range steps {
		action := strings.TrimSpace(s.ActionType)
		if action == "" {
			action = ActionNoOp
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			Number:           i + 1,
			Description:      s.Description,
			ActionType:       action,
			Tool:             s.Tool,
			Parameters:       s.Parameters,
			DependsOn:        s.DependsOn,
			RequiresApproval: s.RequiresApproval,
			Confidence:       clampPercent(s.Confidence),
		})
	}
	return plan
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
