package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opspilot/internal/engine"
	"opspilot/internal/models"
	"opspilot/internal/tools"
)

type fakeStore struct {
	monitors    []models.Monitor
	records     map[string][]models.Record
	listErr     error
	recordsErr  map[string]error
	claimDenied bool
	claimed     []uint
}

func (f *fakeStore) ListActiveMonitors(orgID uint) ([]models.Monitor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Monitor, len(f.monitors))
	copy(out, f.monitors)
	return out, nil
}

func (f *fakeStore) ClaimMonitor(m *models.Monitor, now time.Time) (bool, error) {
	if f.claimDenied {
		return false, nil
	}
	f.claimed = append(f.claimed, m.ID)
	m.LastTriggeredAt = &now
	m.TriggerCount++
	return true, nil
}

func (f *fakeStore) RecentRecords(orgID uint, entity string, window time.Duration) ([]models.Record, error) {
	if err := f.recordsErr[entity]; err != nil {
		return nil, err
	}
	return f.records[entity], nil
}

func (f *fakeStore) LatestRecord(orgID uint, entity string) (*models.Record, error) {
	records := f.records[entity]
	if len(records) == 0 {
		return nil, errors.New("record not found")
	}
	return &records[len(records)-1], nil
}

type fakeExecutor struct {
	requests []engine.ExecuteRequest
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, req engine.ExecuteRequest) (*models.Execution, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	exec := &models.Execution{Status: models.ExecutionCompleted}
	exec.ID = uint(100 + len(f.requests))
	return exec, nil
}

type fakeNotifier struct {
	requests []tools.Request
}

func (f *fakeNotifier) Dispatch(ctx context.Context, req tools.Request) (map[string]interface{}, error) {
	f.requests = append(f.requests, req)
	return map[string]interface{}{"sent": true}, nil
}

func metricRecords(entity, field string, values ...float64) []models.Record {
	records := make([]models.Record, 0, len(values))
	for _, v := range values {
		records = append(records, models.Record{Entity: entity, Fields: models.JSONMap{field: v}})
	}
	return records
}

func scheduleMonitor(id uint, cooldownMinutes int) models.Monitor {
	m := models.Monitor{
		AgentID:         10,
		OrganizationID:  1,
		Name:            fmt.Sprintf("schedule-%d", id),
		TriggerType:     models.TriggerSchedule,
		CooldownMinutes: cooldownMinutes,
		Active:          true,
	}
	m.ID = id
	return m
}

func newTestSweeper(store *fakeStore, executor *fakeExecutor, notifier *fakeNotifier, now time.Time) *Sweeper {
	s := NewSweeper(store, executor, notifier, nil, zap.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func TestRunSweepSchedule(t *testing.T) {
	store := &fakeStore{monitors: []models.Monitor{scheduleMonitor(1, 60)}}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MonitorsChecked)
	assert.Equal(t, 1, summary.TriggersActivated)
	require.Len(t, executor.requests, 1)
	assert.True(t, executor.requests[0].Proactive)
	assert.Equal(t, uint(10), executor.requests[0].AgentID)
	assert.Equal(t, []uint{1}, store.claimed)
}

func TestRunSweepCooldown(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fired := base
	m := scheduleMonitor(1, 60)
	m.LastTriggeredAt = &fired

	cases := []struct {
		name    string
		at      time.Time
		trigger bool
	}{
		{"inside cooldown", base.Add(30 * time.Minute), false},
		{"just inside boundary", base.Add(60*time.Minute - time.Second), false},
		{"after cooldown", base.Add(61 * time.Minute), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{monitors: []models.Monitor{m}}
			executor := &fakeExecutor{}
			sweeper := newTestSweeper(store, executor, &fakeNotifier{}, tc.at)

			summary, err := sweeper.RunSweep(context.Background(), 1)
			require.NoError(t, err)
			if tc.trigger {
				assert.Equal(t, 1, summary.TriggersActivated)
				assert.Len(t, executor.requests, 1)
			} else {
				assert.Equal(t, 0, summary.TriggersActivated)
				assert.Equal(t, "cooldown", summary.Results[0].Skipped)
				assert.Empty(t, executor.requests)
			}
		})
	}
}

func TestRunSweepFaultIsolation(t *testing.T) {
	broken := scheduleMonitor(1, 0)
	broken.TriggerType = "unheard_of"
	healthy := scheduleMonitor(2, 0)

	store := &fakeStore{monitors: []models.Monitor{broken, healthy}}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MonitorsChecked)
	assert.Equal(t, 1, summary.TriggersActivated)
	assert.Contains(t, summary.Results[0].Error, "unknown trigger type")
	assert.True(t, summary.Results[1].Triggered)
}

func TestRunSweepRecordsErrorDoesNotAbortBatch(t *testing.T) {
	anomaly := scheduleMonitor(1, 0)
	anomaly.TriggerType = models.TriggerDataAnomaly
	anomaly.Config = models.TriggerConfig{Entity: "deals", Field: "amount"}
	healthy := scheduleMonitor(2, 0)

	store := &fakeStore{
		monitors:   []models.Monitor{anomaly, healthy},
		recordsErr: map[string]error{"deals": errors.New("connection reset")},
	}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, summary.Results[0].Error, "connection reset")
	assert.True(t, summary.Results[1].Triggered)
}

func TestDataAnomalyNeedsEnoughPoints(t *testing.T) {
	m := scheduleMonitor(1, 0)
	m.TriggerType = models.TriggerDataAnomaly
	m.Config = models.TriggerConfig{Entity: "deals", Field: "amount", WindowMinutes: 120}

	store := &fakeStore{
		monitors: []models.Monitor{m},
		records:  map[string][]models.Record{"deals": metricRecords("deals", "amount", 10, 11, 12, 10, 11, 500)},
	}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TriggersActivated)
	assert.Contains(t, summary.Results[0].Detail, "data points")
}

func TestDataAnomalyTriggersOnOutlier(t *testing.T) {
	m := scheduleMonitor(1, 0)
	m.TriggerType = models.TriggerDataAnomaly
	m.Config = models.TriggerConfig{Entity: "deals", Field: "amount"}

	store := &fakeStore{
		monitors: []models.Monitor{m},
		records: map[string][]models.Record{
			"deals": metricRecords("deals", "amount", 10, 11, 10, 12, 11, 10, 11, 12, 10, 11, 200),
		},
	}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TriggersActivated)
	assert.Contains(t, summary.Results[0].Detail, "spike")
	require.Len(t, executor.requests, 1)
	assert.Equal(t, models.TriggerDataAnomaly, executor.requests[0].Context["trigger_type"])
}

func TestDataAnomalyStableSeriesDoesNotTrigger(t *testing.T) {
	m := scheduleMonitor(1, 0)
	m.TriggerType = models.TriggerDataAnomaly
	m.Config = models.TriggerConfig{Entity: "deals", Field: "amount"}

	store := &fakeStore{
		monitors: []models.Monitor{m},
		records: map[string][]models.Record{
			"deals": metricRecords("deals", "amount", 10, 11, 10, 12, 11, 10, 11, 12, 10, 11, 12),
		},
	}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TriggersActivated)
}

func TestMetricThresholdComparators(t *testing.T) {
	cases := []struct {
		name      string
		condition string
		threshold float64
		value     float64
		trigger   bool
	}{
		{"greater than crossed", models.CompareGreaterThan, 100, 150, true},
		{"greater than not crossed", models.CompareGreaterThan, 100, 100, false},
		{"less than crossed", models.CompareLessThan, 5, 2, true},
		{"less than not crossed", models.CompareLessThan, 5, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := scheduleMonitor(1, 0)
			m.TriggerType = models.TriggerMetricThreshold
			m.Config = models.TriggerConfig{
				Entity:    "queue",
				Field:     "depth",
				Condition: tc.condition,
				Threshold: tc.threshold,
			}
			store := &fakeStore{
				monitors: []models.Monitor{m},
				records:  map[string][]models.Record{"queue": metricRecords("queue", "depth", tc.value)},
			}
			executor := &fakeExecutor{}
			sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

			summary, err := sweeper.RunSweep(context.Background(), 1)
			require.NoError(t, err)
			if tc.trigger {
				assert.Equal(t, 1, summary.TriggersActivated)
			} else {
				assert.Equal(t, 0, summary.TriggersActivated)
			}
		})
	}
}

func TestEntityPatternCount(t *testing.T) {
	m := scheduleMonitor(1, 0)
	m.TriggerType = models.TriggerEntityPattern
	m.Config = models.TriggerConfig{Entity: "tickets", Threshold: 3}

	store := &fakeStore{
		monitors: []models.Monitor{m},
		records:  map[string][]models.Record{"tickets": metricRecords("tickets", "priority", 1, 1, 1, 1)},
	}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TriggersActivated)
	assert.Contains(t, summary.Results[0].Detail, "4 tickets records")
}

func TestClaimLostRaceSkips(t *testing.T) {
	store := &fakeStore{monitors: []models.Monitor{scheduleMonitor(1, 60)}, claimDenied: true}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TriggersActivated)
	assert.Equal(t, "claimed by concurrent sweep", summary.Results[0].Skipped)
	assert.Empty(t, executor.requests)
}

func TestTaskTemplateSubstitution(t *testing.T) {
	m := scheduleMonitor(1, 0)
	m.TriggerType = models.TriggerMetricThreshold
	m.TaskTemplate = "Handle {{trigger_type}}: {{context}}"
	m.Config = models.TriggerConfig{
		Entity:    "queue",
		Field:     "depth",
		Condition: models.CompareGreaterThan,
		Threshold: 10,
	}

	store := &fakeStore{
		monitors: []models.Monitor{m},
		records:  map[string][]models.Record{"queue": metricRecords("queue", "depth", 42)},
	}
	executor := &fakeExecutor{}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	_, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, executor.requests, 1)
	task := executor.requests[0].Task
	assert.Contains(t, task, "Handle metric_threshold:")
	assert.Contains(t, task, "queue.depth = 42.00")
}

func TestNotifyEmailOnTrigger(t *testing.T) {
	m := scheduleMonitor(1, 0)
	m.NotifyEmail = "oncall@example.com"

	store := &fakeStore{monitors: []models.Monitor{m}}
	executor := &fakeExecutor{}
	notifier := &fakeNotifier{}
	sweeper := newTestSweeper(store, executor, notifier, time.Now())

	_, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, notifier.requests, 1)
	assert.Equal(t, tools.IntegrationEmail, notifier.requests[0].IntegrationType)
	assert.Equal(t, "oncall@example.com", notifier.requests[0].Parameters["to"])
}

func TestExecutionFailureReportedPerMonitor(t *testing.T) {
	store := &fakeStore{monitors: []models.Monitor{scheduleMonitor(1, 0), scheduleMonitor(2, 0)}}
	executor := &fakeExecutor{err: errors.New("agent not found")}
	sweeper := newTestSweeper(store, executor, &fakeNotifier{}, time.Now())

	summary, err := sweeper.RunSweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MonitorsChecked)
	for _, r := range summary.Results {
		assert.Contains(t, r.Error, "agent not found")
	}
}
