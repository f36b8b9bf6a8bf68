package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opspilot/internal/llm"
	"opspilot/internal/models"
	"opspilot/internal/store"
	"opspilot/internal/tools"
)

// scriptedProvider returns a canned model response.
type scriptedProvider struct {
	response string
	err      error
}

func (p *scriptedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return p.response, p.err
}

func (p *scriptedProvider) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	if p.err != nil {
		return p.err
	}
	return llm.DecodeJSON(p.response, out)
}

// fakeStore implements Store in memory.
type fakeStore struct {
	agent       *models.Agent
	execs       map[uint]*models.Execution
	nextExecID  uint
	tools       []models.Tool
	history     map[string][]models.Execution
	casFailures int
	ratedCount  int
}

func newFakeStore(agent *models.Agent) *fakeStore {
	return &fakeStore{
		agent:   agent,
		execs:   make(map[uint]*models.Execution),
		history: make(map[string][]models.Execution),
	}
}

func (f *fakeStore) GetAgent(orgID, agentID uint) (*models.Agent, error) {
	if f.agent == nil || f.agent.ID != agentID || f.agent.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := *f.agent
	return &copied, nil
}

func (f *fakeStore) CreateExecution(exec *models.Execution) error {
	f.nextExecID++
	exec.ID = f.nextExecID
	copied := *exec
	f.execs[exec.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateExecution(exec *models.Execution) error {
	copied := *exec
	f.execs[exec.ID] = &copied
	return nil
}

func (f *fakeStore) GetExecution(orgID, execID uint) (*models.Execution, error) {
	exec, ok := f.execs[execID]
	if !ok || exec.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := *exec
	return &copied, nil
}

func (f *fakeStore) ListExecutionsByStatus(orgID, agentID uint, status string, limit int) ([]models.Execution, error) {
	return f.history[status], nil
}

func (f *fakeStore) ListActiveTools(orgID uint) ([]models.Tool, error) {
	return f.tools, nil
}

func (f *fakeStore) UpdateAgentMetrics(agentID uint, version int, perf models.PerformanceMetrics) (bool, error) {
	if f.casFailures > 0 {
		f.casFailures--
		return false, nil
	}
	if f.agent.Version != version {
		return false, nil
	}
	f.agent.Performance = perf
	f.agent.Version++
	return true, nil
}

func (f *fakeStore) CountRatedExecutions(agentID uint) (int, error) {
	return f.ratedCount, nil
}

// fakeDispatcher fails the configured step numbers.
type fakeDispatcher struct {
	calls    []tools.Request
	failOn   map[string]error
	outputs  map[string]map[string]interface{}
	fallback map[string]interface{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req tools.Request) (map[string]interface{}, error) {
	f.calls = append(f.calls, req)
	key := req.IntegrationType + "/" + req.ActionType
	if err, ok := f.failOn[key]; ok {
		return nil, err
	}
	if out, ok := f.outputs[key]; ok {
		return out, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return map[string]interface{}{"ok": true}, nil
}

func testAgent() *models.Agent {
	agent := &models.Agent{
		OrganizationID: 1,
		Name:           "ops-agent",
		AllowedTools: models.ToolGrants{
			{IntegrationType: tools.IntegrationMessaging, AllowedActions: []string{tools.ActionPostMessage}},
		},
		MaxChainLength:      5,
		ConfidenceThreshold: 70,
		Active:              true,
	}
	agent.ID = 10
	return agent
}

func planJSON(steps ...string) string {
	out := `{"steps":[`
	for i, s := range steps {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out + `],"confidence":85,"estimated_duration_seconds":60,"autonomous_executable":true}`
}

func stepJSON(desc, action, tool string) string {
	return fmt.Sprintf(`{"description":%q,"action_type":%q,"tool":%q,"parameters":{},"confidence":90}`, desc, action, tool)
}

func newTestEngine(st *fakeStore, provider *scriptedProvider, dispatcher *fakeDispatcher) *Engine {
	logger := zap.NewNop()
	planner := NewPlanner(provider, logger)
	return New(st, planner, dispatcher, nil, nil, logger, 0)
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	st := newFakeStore(testAgent())
	st.tools = []models.Tool{{Name: "slack", IntegrationType: tools.IntegrationMessaging, Actions: models.StringList{tools.ActionPostMessage}, Active: true}}
	provider := &scriptedProvider{response: planJSON(
		stepJSON("notify start", "post_message", "slack"),
		stepJSON("notify middle", "post_message", "slack"),
		stepJSON("notify end", "post_message", "slack"),
	)}
	dispatcher := &fakeDispatcher{fallback: map[string]interface{}{"posted": true}}
	eng := newTestEngine(st, provider, dispatcher)

	exec, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 10, OrganizationID: 1, Task: "announce deploy"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	require.Len(t, exec.Result, 3)
	for i, r := range exec.Result {
		assert.Equal(t, i+1, r.StepNumber)
		assert.Equal(t, models.StepCompleted, r.Status)
	}
	// Final context carries every step's output under step_<n>.
	for _, key := range []string{"step_1", "step_2", "step_3"} {
		assert.Contains(t, exec.FinalContext, key)
	}
	assert.NotEmpty(t, exec.TraceID)
	assert.Equal(t, 1, st.agent.Performance.TotalExecutions)
	assert.Equal(t, 1.0, st.agent.Performance.SuccessRate)
}

func TestExecuteFailFastAbortsRemainingSteps(t *testing.T) {
	st := newFakeStore(testAgent())
	st.tools = []models.Tool{{Name: "slack", IntegrationType: tools.IntegrationMessaging, Actions: models.StringList{tools.ActionPostMessage}, Active: true}}
	provider := &scriptedProvider{response: planJSON(
		stepJSON("step one", "post_message", "slack"),
		stepJSON("step two", "broken_action", "slack"),
		stepJSON("step three", "post_message", "slack"),
		stepJSON("step four", "post_message", "slack"),
	)}
	dispatcher := &fakeDispatcher{
		failOn: map[string]error{"messaging/broken_action": errors.New("unsupported downstream")},
	}
	eng := newTestEngine(st, provider, dispatcher)

	exec, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 10, OrganizationID: 1, Task: "four step task"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Equal(t, "unsupported downstream", exec.ErrorMessage)
	// Exactly steps 1 and 2 have outcomes; 3 and 4 were never dispatched.
	require.Len(t, exec.Result, 2)
	assert.Equal(t, models.StepCompleted, exec.Result[0].Status)
	assert.Equal(t, models.StepFailed, exec.Result[1].Status)
	assert.Len(t, dispatcher.calls, 2)
	// A failed execution still counts toward the running averages.
	assert.Equal(t, 1, st.agent.Performance.TotalExecutions)
	assert.Equal(t, 0.0, st.agent.Performance.SuccessRate)
}

func TestExecutePlannerFailureIsFatal(t *testing.T) {
	st := newFakeStore(testAgent())
	provider := &scriptedProvider{err: errors.New("model unavailable")}
	eng := newTestEngine(st, provider, &fakeDispatcher{})

	exec, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 10, OrganizationID: 1, Task: "anything"})

	require.Error(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	// No partial plan is persisted on a planning failure.
	assert.Empty(t, exec.Plan)
	assert.Empty(t, exec.Result)
}

func TestExecuteAgentNotFound(t *testing.T) {
	st := newFakeStore(testAgent())
	eng := newTestEngine(st, &scriptedProvider{}, &fakeDispatcher{})

	_, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 99, OrganizationID: 1, Task: "x"})

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteNoOpStepSkipsDispatch(t *testing.T) {
	st := newFakeStore(testAgent())
	provider := &scriptedProvider{response: planJSON(
		`{"description":"think about the task","tool":"","parameters":{},"confidence":80}`,
	)}
	dispatcher := &fakeDispatcher{}
	eng := newTestEngine(st, provider, dispatcher)

	exec, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 10, OrganizationID: 1, Task: "reflect"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Empty(t, dispatcher.calls)
	require.Len(t, exec.Result, 1)
	assert.Equal(t, true, exec.Result[0].Output["simulated"])
}

func TestExecuteMetricsUpdateRetriesLostRace(t *testing.T) {
	st := newFakeStore(testAgent())
	st.casFailures = 1
	provider := &scriptedProvider{response: planJSON(
		`{"description":"noop","tool":"","parameters":{},"confidence":80}`,
	)}
	eng := newTestEngine(st, provider, &fakeDispatcher{})

	_, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 10, OrganizationID: 1, Task: "x"})

	require.NoError(t, err)
	// The lost CAS round was retried and the update landed.
	assert.Equal(t, 1, st.agent.Performance.TotalExecutions)
}

func TestRecordFeedbackValidatesRating(t *testing.T) {
	st := newFakeStore(testAgent())
	eng := newTestEngine(st, &scriptedProvider{}, &fakeDispatcher{})

	_, err := eng.RecordFeedback(1, 1, 0, true, "")
	assert.ErrorIs(t, err, ErrInvalidRating)

	_, err = eng.RecordFeedback(1, 1, 6, true, "")
	assert.ErrorIs(t, err, ErrInvalidRating)
}

func TestRecordFeedbackStoresAndAverages(t *testing.T) {
	st := newFakeStore(testAgent())
	exec := &models.Execution{AgentID: 10, OrganizationID: 1, Status: models.ExecutionCompleted}
	require.NoError(t, st.CreateExecution(exec))
	eng := newTestEngine(st, &scriptedProvider{}, &fakeDispatcher{})

	updated, err := eng.RecordFeedback(1, exec.ID, 4, true, "nice work")

	require.NoError(t, err)
	require.NotNil(t, updated.Feedback)
	assert.Equal(t, 4, updated.Feedback.Rating)
	assert.True(t, updated.Feedback.Helpful)
	assert.Equal(t, 4.0, st.agent.Performance.AvgSatisfaction)
}

func TestExecuteStepTimeoutBecomesStepFailure(t *testing.T) {
	st := newFakeStore(testAgent())
	st.tools = []models.Tool{{Name: "slack", IntegrationType: tools.IntegrationMessaging, Actions: models.StringList{tools.ActionPostMessage}, Active: true}}
	provider := &scriptedProvider{response: planJSON(
		stepJSON("slow step", "post_message", "slack"),
	)}
	slow := &slowDispatcher{delay: 50 * time.Millisecond}
	logger := zap.NewNop()
	eng := New(st, NewPlanner(provider, logger), slow, nil, nil, logger, 10*time.Millisecond)

	exec, err := eng.Execute(context.Background(), ExecuteRequest{AgentID: 10, OrganizationID: 1, Task: "slow"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	require.Len(t, exec.Result, 1)
	assert.Contains(t, exec.Result[0].Error, "timed out")
}

type slowDispatcher struct {
	delay time.Duration
}

func (s *slowDispatcher) Dispatch(ctx context.Context, req tools.Request) (map[string]interface{}, error) {
	select {
	case <-time.After(s.delay):
		return map[string]interface{}{"ok": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
