// Package engine implements the plan/execute state machine: it turns a
// task into a step plan through the planner and runs the steps
// sequentially through the tool dispatcher, fail-fast on the first
// failed step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opspilot/internal/metrics"
	"opspilot/internal/models"
	"opspilot/internal/tools"
)

// How many recent successes/failures feed back into the planner prompt.
const historySampleSize = 3

// How often a lost optimistic metrics update is retried before giving up.
const metricsUpdateAttempts = 3

// ErrInvalidRating is returned for feedback ratings outside 1..5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// Store is the slice of the entity store the engine needs.
type Store interface {
	GetAgent(orgID, agentID uint) (*models.Agent, error)
	CreateExecution(exec *models.Execution) error
	UpdateExecution(exec *models.Execution) error
	GetExecution(orgID, execID uint) (*models.Execution, error)
	ListExecutionsByStatus(orgID, agentID uint, status string, limit int) ([]models.Execution, error)
	ListActiveTools(orgID uint) ([]models.Tool, error)
	UpdateAgentMetrics(agentID uint, version int, perf models.PerformanceMetrics) (bool, error)
	CountRatedExecutions(agentID uint) (int, error)
}

// Dispatcher routes a step's action to its integration handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, req tools.Request) (map[string]interface{}, error)
}

// Event is a live execution notification for stream subscribers.
type Event struct {
	Type        string    `json:"type"`
	ExecutionID uint      `json:"execution_id"`
	TraceID     string    `json:"trace_id"`
	AgentID     uint      `json:"agent_id"`
	StepNumber  int       `json:"step_number,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventSink receives execution events. May be nil.
type EventSink interface {
	Publish(event Event)
}

// ExecuteRequest is one request to run an agent against a task.
type ExecuteRequest struct {
	AgentID        uint
	OrganizationID uint
	Task           string
	Context        map[string]interface{}
	Proactive      bool
}

// Engine runs executions.
type Engine struct {
	store       Store
	planner     *Planner
	dispatcher  Dispatcher
	collector   *metrics.Collector
	events      EventSink
	logger      *zap.Logger
	stepTimeout time.Duration
	now         func() time.Time
}

// New creates an engine. A zero stepTimeout disables per-step deadlines.
func New(store Store, planner *Planner, dispatcher Dispatcher, collector *metrics.Collector, events EventSink, logger *zap.Logger, stepTimeout time.Duration) *Engine {
	return &Engine{
		store:       store,
		planner:     planner,
		dispatcher:  dispatcher,
		collector:   collector,
		events:      events,
		logger:      logger,
		stepTimeout: stepTimeout,
		now:         time.Now,
	}
}

// Execute runs the full plan/execute state machine:
// planning -> executing -> completed|failed. A step failure aborts the
// remaining plan and fails the execution; it is not surfaced as a
// request error. Planner failures are fatal to the request.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	agent, err := e.store.GetAgent(req.OrganizationID, req.AgentID)
	if err != nil {
		return nil, err
	}

	started := e.now()
	exec := &models.Execution{
		AgentID:        agent.ID,
		OrganizationID: req.OrganizationID,
		TraceID:        uuid.New().String(),
		Task:           req.Task,
		Status:         models.ExecutionPlanning,
		Proactive:      req.Proactive,
	}
	if err := e.store.CreateExecution(exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	e.publish(Event{Type: "execution_started", ExecutionID: exec.ID, TraceID: exec.TraceID, AgentID: agent.ID, Status: exec.Status, Timestamp: started})

	toolInfos := e.resolveTools(agent)
	successes := e.summarizeHistory(req.OrganizationID, agent.ID, models.ExecutionCompleted)
	failures := e.summarizeHistory(req.OrganizationID, agent.ID, models.ExecutionFailed)

	plan, err := e.planner.BuildPlan(ctx, agent, req.Task, req.Context, toolInfos, successes, failures)
	if err != nil {
		// Fatal to the request; no partial plan is persisted.
		exec.Status = models.ExecutionFailed
		exec.ErrorMessage = err.Error()
		e.finishExecution(exec, started)
		return exec, err
	}

	exec.Plan = plan.Steps
	exec.Confidence = plan.Confidence
	exec.Status = models.ExecutionExecuting
	if err := e.store.UpdateExecution(exec); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	// Steps run strictly in plan order; later steps may read context
	// written by earlier ones, so there is no parallelism here.
	accumulated := make(map[string]interface{}, len(req.Context))
	for k, v := range req.Context {
		accumulated[k] = v
	}

	for _, step := range plan.Steps {
		e.publish(Event{Type: "step_started", ExecutionID: exec.ID, TraceID: exec.TraceID, AgentID: agent.ID, StepNumber: step.Number, Status: models.StepPending, Timestamp: e.now()})

		outcome := e.runStep(ctx, plan, step, accumulated, req.OrganizationID)
		exec.Result = append(exec.Result, outcome)
		e.collector.RecordStep(outcome.Status)
		e.publish(Event{Type: "step_finished", ExecutionID: exec.ID, TraceID: exec.TraceID, AgentID: agent.ID, StepNumber: step.Number, Status: outcome.Status, Timestamp: outcome.Timestamp})

		if outcome.Status == models.StepFailed {
			exec.Status = models.ExecutionFailed
			exec.ErrorMessage = outcome.Error
			e.finishExecution(exec, started)
			e.logger.Warn("execution failed",
				zap.Uint("execution_id", exec.ID),
				zap.String("trace_id", exec.TraceID),
				zap.Int("step", step.Number),
				zap.String("error", outcome.Error))
			return exec, nil
		}

		accumulated[fmt.Sprintf("step_%d", step.Number)] = outcome.Output
		if err := e.store.UpdateExecution(exec); err != nil {
			e.logger.Error("failed to persist step outcome", zap.Uint("execution_id", exec.ID), zap.Error(err))
		}
	}

	exec.Status = models.ExecutionCompleted
	exec.FinalContext = accumulated
	e.finishExecution(exec, started)
	e.updateAgentMetrics(req.OrganizationID, agent.ID, true, exec.DurationSeconds)

	e.logger.Info("execution completed",
		zap.Uint("execution_id", exec.ID),
		zap.String("trace_id", exec.TraceID),
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("duration_seconds", exec.DurationSeconds))
	return exec, nil
}

// runStep dispatches one step and converts any failure, including a
// step timeout, into a failed outcome.
func (e *Engine) runStep(ctx context.Context, plan *Plan, step models.PlanStep, accumulated map[string]interface{}, orgID uint) models.StepResult {
	if step.ActionType == ActionNoOp {
		return models.StepResult{
			StepNumber: step.Number,
			Status:     models.StepCompleted,
			Output: map[string]interface{}{
				"simulated":   true,
				"description": step.Description,
			},
			Timestamp: e.now(),
		}
	}

	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	params := make(map[string]interface{}, len(step.Parameters)+1)
	for k, v := range step.Parameters {
		params[k] = v
	}
	contextSnapshot := make(map[string]interface{}, len(accumulated))
	for k, v := range accumulated {
		contextSnapshot[k] = v
	}
	params["context"] = contextSnapshot

	output, err := e.dispatcher.Dispatch(stepCtx, tools.Request{
		IntegrationType: plan.Integration(step.Tool),
		ActionType:      step.ActionType,
		Parameters:      params,
		OrganizationID:  orgID,
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("step timed out after %s", e.stepTimeout)
		}
		return models.StepResult{
			StepNumber: step.Number,
			Status:     models.StepFailed,
			Error:      msg,
			Timestamp:  e.now(),
		}
	}

	return models.StepResult{
		StepNumber: step.Number,
		Status:     models.StepCompleted,
		Output:     output,
		Timestamp:  e.now(),
	}
}

func (e *Engine) finishExecution(exec *models.Execution, started time.Time) {
	finished := e.now()
	exec.CompletedAt = &finished
	exec.DurationSeconds = finished.Sub(started).Seconds()
	if err := e.store.UpdateExecution(exec); err != nil {
		e.logger.Error("failed to persist terminal execution state", zap.Uint("execution_id", exec.ID), zap.Error(err))
	}
	e.collector.RecordExecution(exec.Status, exec.DurationSeconds)
	e.publish(Event{Type: "execution_finished", ExecutionID: exec.ID, TraceID: exec.TraceID, AgentID: exec.AgentID, Status: exec.Status, Timestamp: finished})
	if exec.Status == models.ExecutionFailed {
		e.updateAgentMetrics(exec.OrganizationID, exec.AgentID, false, exec.DurationSeconds)
	}
}

// updateAgentMetrics folds one outcome into the agent's running
// averages with an optimistic version check; a lost race re-reads and
// retries.
func (e *Engine) updateAgentMetrics(orgID, agentID uint, succeeded bool, durationSeconds float64) {
	for attempt := 0; attempt < metricsUpdateAttempts; attempt++ {
		agent, err := e.store.GetAgent(orgID, agentID)
		if err != nil {
			e.logger.Error("failed to load agent for metrics update", zap.Uint("agent_id", agentID), zap.Error(err))
			return
		}
		perf := agent.Performance
		perf.RecordOutcome(succeeded, durationSeconds)

		ok, err := e.store.UpdateAgentMetrics(agentID, agent.Version, perf)
		if err != nil {
			e.logger.Error("failed to update agent metrics", zap.Uint("agent_id", agentID), zap.Error(err))
			return
		}
		if ok {
			return
		}
	}
	e.logger.Warn("agent metrics update lost the version race", zap.Uint("agent_id", agentID))
}

// RecordFeedback validates and stores user feedback on an execution and
// folds the rating into the agent's satisfaction average.
func (e *Engine) RecordFeedback(orgID, execID uint, rating int, helpful bool, comment string) (*models.Execution, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	exec, err := e.store.GetExecution(orgID, execID)
	if err != nil {
		return nil, err
	}

	ratedBefore, err := e.store.CountRatedExecutions(exec.AgentID)
	if err != nil {
		return nil, err
	}
	if exec.Feedback != nil && ratedBefore > 0 {
		// Re-rating replaces the previous feedback; keep the divisor stable.
		ratedBefore--
	}

	exec.Feedback = &models.Feedback{
		Rating:      rating,
		Helpful:     helpful,
		Comment:     comment,
		SubmittedAt: e.now(),
	}
	if err := e.store.UpdateExecution(exec); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < metricsUpdateAttempts; attempt++ {
		agent, err := e.store.GetAgent(orgID, exec.AgentID)
		if err != nil {
			return exec, nil
		}
		perf := agent.Performance
		perf.RecordSatisfaction(rating, ratedBefore)
		ok, err := e.store.UpdateAgentMetrics(agent.ID, agent.Version, perf)
		if err != nil || ok {
			break
		}
	}
	return exec, nil
}

func (e *Engine) resolveTools(agent *models.Agent) []ToolInfo {
	active, err := e.store.ListActiveTools(agent.OrganizationID)
	if err != nil {
		e.logger.Warn("failed to list tools, planning without them", zap.Error(err))
		return nil
	}
	byIntegration := make(map[string]models.Tool, len(active))
	for _, t := range active {
		byIntegration[t.IntegrationType] = t
	}

	var infos []ToolInfo
	for _, grant := range agent.AllowedTools {
		tool, ok := byIntegration[grant.IntegrationType]
		if !ok {
			continue
		}
		actions := grant.AllowedActions
		if len(actions) == 0 {
			actions = tool.Actions
		}
		infos = append(infos, ToolInfo{
			Name:             tool.Name,
			IntegrationType:  tool.IntegrationType,
			Actions:          actions,
			RequiresApproval: grant.RequiresApproval,
		})
	}
	return infos
}

func (e *Engine) summarizeHistory(orgID, agentID uint, status string) []ExecutionSummary {
	execs, err := e.store.ListExecutionsByStatus(orgID, agentID, status, historySampleSize)
	if err != nil {
		e.logger.Warn("failed to load execution history", zap.Error(err))
		return nil
	}
	summaries := make([]ExecutionSummary, 0, len(execs))
	for _, ex := range execs {
		s := ExecutionSummary{Task: ex.Task}
		for _, step := range ex.Plan {
			s.Steps = append(s.Steps, step.Description)
		}
		if ex.Feedback != nil {
			s.Feedback = ex.Feedback.Comment
		}
		summaries = append(summaries, s)
	}
	return summaries
}

func (e *Engine) publish(event Event) {
	if e.events != nil {
		e.events.Publish(event)
	}
}
