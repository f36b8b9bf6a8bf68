// Package monitor evaluates configured triggers against live data and
// starts proactive executions when one fires. Sweeps are invoked by an
// external scheduler; cadence control lives there, cooldown control
// lives here.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"opspilot/internal/engine"
	"opspilot/internal/metrics"
	"opspilot/internal/models"
	"opspilot/internal/stats"
	"opspilot/internal/tools"
)

// A data-anomaly trigger needs this many points before a z-score means
// anything.
const minAnomalyPoints = 10

// Default evaluation window when the monitor does not configure one.
const defaultWindowMinutes = 60

// Store is the slice of the entity store the sweeper needs.
type Store interface {
	ListActiveMonitors(orgID uint) ([]models.Monitor, error)
	ClaimMonitor(m *models.Monitor, now time.Time) (bool, error)
	RecentRecords(orgID uint, entity string, window time.Duration) ([]models.Record, error)
	LatestRecord(orgID uint, entity string) (*models.Record, error)
}

// Executor starts an execution for a fired trigger.
type Executor interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*models.Execution, error)
}

// Notifier sends the optional post-trigger notification.
type Notifier interface {
	Dispatch(ctx context.Context, req tools.Request) (map[string]interface{}, error)
}

// Result describes the outcome of evaluating one monitor in a sweep.
type Result struct {
	MonitorID   uint   `json:"monitor_id"`
	Name        string `json:"name"`
	TriggerType string `json:"trigger_type"`
	Triggered   bool   `json:"triggered"`
	Skipped     string `json:"skipped,omitempty"`
	Detail      string `json:"detail,omitempty"`
	ExecutionID uint   `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SweepSummary is the observable outcome of one sweep.
type SweepSummary struct {
	MonitorsChecked   int      `json:"monitors_checked"`
	TriggersActivated int      `json:"triggers_activated"`
	Results           []Result `json:"results"`
}

// Sweeper runs monitor sweeps.
type Sweeper struct {
	store     Store
	executor  Executor
	notifier  Notifier
	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(store Store, executor Executor, notifier Notifier, collector *metrics.Collector, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		executor:  executor,
		notifier:  notifier,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
}

// RunSweep evaluates every active monitor for the organization. A
// failure on one monitor never aborts the rest of the batch.
func (s *Sweeper) RunSweep(ctx context.Context, orgID uint) (*SweepSummary, error) {
	monitors, err := s.store.ListActiveMonitors(orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}

	summary := &SweepSummary{MonitorsChecked: len(monitors)}
	for i := range monitors {
		result := s.checkMonitor(ctx, orgID, &monitors[i])
		if result.Triggered {
			summary.TriggersActivated++
		}
		if result.Error != "" {
			s.logger.Warn("monitor evaluation failed",
				zap.Uint("monitor_id", result.MonitorID),
				zap.String("trigger_type", result.TriggerType),
				zap.String("error", result.Error))
		}
		summary.Results = append(summary.Results, result)
	}

	s.collector.RecordSweep()
	s.logger.Info("monitor sweep finished",
		zap.Uint("org_id", orgID),
		zap.Int("checked", summary.MonitorsChecked),
		zap.Int("activated", summary.TriggersActivated))
	return summary, nil
}

// checkMonitor evaluates a single monitor, converting panics from
// trigger predicates into an error result so the batch keeps going.
func (s *Sweeper) checkMonitor(ctx context.Context, orgID uint, m *models.Monitor) (result Result) {
	result = Result{MonitorID: m.ID, Name: m.Name, TriggerType: m.TriggerType}
	defer func() {
		if r := recover(); r != nil {
			result.Triggered = false
			result.Error = fmt.Sprintf("monitor evaluation panicked: %v", r)
		}
	}()

	now := s.now()
	if m.InCooldown(now) {
		result.Skipped = "cooldown"
		return result
	}

	triggered, detail, err := s.evaluate(orgID, m)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Detail = detail
	if !triggered {
		return result
	}

	// Claim before acting: overlapping sweeps may both see an expired
	// cooldown, but only one conditional update lands.
	claimed, err := s.store.ClaimMonitor(m, now)
	if err != nil {
		result.Error = fmt.Sprintf("failed to claim monitor: %v", err)
		return result
	}
	if !claimed {
		result.Skipped = "claimed by concurrent sweep"
		return result
	}

	result.Triggered = true
	s.collector.RecordTrigger(m.TriggerType)

	task := renderTask(m, detail, now)
	exec, err := s.executor.Execute(ctx, engine.ExecuteRequest{
		AgentID:        m.AgentID,
		OrganizationID: orgID,
		Task:           task,
		Proactive:      true,
		Context: map[string]interface{}{
			"trigger_type": m.TriggerType,
			"monitor_id":   m.ID,
			"detail":       detail,
			"triggered_at": now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		result.Error = fmt.Sprintf("proactive execution failed: %v", err)
		return result
	}
	result.ExecutionID = exec.ID

	if m.NotifyEmail != "" {
		s.notify(ctx, orgID, m, exec, detail)
	}
	return result
}

// evaluate dispatches on the trigger type.
func (s *Sweeper) evaluate(orgID uint, m *models.Monitor) (bool, string, error) {
	switch m.TriggerType {
	case models.TriggerDataAnomaly:
		return s.evaluateDataAnomaly(orgID, m)
	case models.TriggerEntityPattern:
		return s.evaluateEntityPattern(orgID, m)
	case models.TriggerMetricThreshold:
		return s.evaluateMetricThreshold(orgID, m)
	case models.TriggerSchedule:
		// The external scheduler controls cadence; a schedule monitor
		// outside its cooldown always fires.
		return true, "scheduled run", nil
	case models.TriggerCalendarEvent, models.TriggerMessageReceived:
		// Extension points; the predicates are not implemented yet.
		return false, "", nil
	default:
		return false, "", fmt.Errorf("unknown trigger type %q", m.TriggerType)
	}
}

func (s *Sweeper) evaluateDataAnomaly(orgID uint, m *models.Monitor) (bool, string, error) {
	records, err := s.store.RecentRecords(orgID, m.Config.Entity, s.window(m))
	if err != nil {
		return false, "", fmt.Errorf("failed to fetch records: %w", err)
	}
	series := fieldSeries(records, m.Config.Field)
	if len(series) < minAnomalyPoints {
		return false, fmt.Sprintf("only %d data points, need %d", len(series), minAnomalyPoints), nil
	}

	latest := series[len(series)-1]
	z := stats.ZScore(latest, series)
	severity := stats.Classify(z)
	if severity == stats.SeverityNone {
		return false, fmt.Sprintf("z-score %.2f within normal range", z), nil
	}
	detail := fmt.Sprintf("%s %s on %s.%s: latest %.2f, z-score %.2f (%s)",
		severity, stats.Direction(z), m.Config.Entity, m.Config.Field, latest, z, severity)
	return true, detail, nil
}

func (s *Sweeper) evaluateEntityPattern(orgID uint, m *models.Monitor) (bool, string, error) {
	records, err := s.store.RecentRecords(orgID, m.Config.Entity, s.window(m))
	if err != nil {
		return false, "", fmt.Errorf("failed to fetch records: %w", err)
	}
	count := len(records)
	threshold := int(m.Config.Threshold)
	if count <= threshold {
		return false, fmt.Sprintf("%d records, threshold %d", count, threshold), nil
	}
	return true, fmt.Sprintf("%d %s records in window, threshold %d", count, m.Config.Entity, threshold), nil
}

func (s *Sweeper) evaluateMetricThreshold(orgID uint, m *models.Monitor) (bool, string, error) {
	record, err := s.store.LatestRecord(orgID, m.Config.Entity)
	if err != nil {
		return false, "", fmt.Errorf("failed to fetch latest record: %w", err)
	}
	value, ok := record.NumericField(m.Config.Field)
	if !ok {
		return false, "", fmt.Errorf("field %q is not numeric on %s", m.Config.Field, m.Config.Entity)
	}

	var crossed bool
	switch m.Config.Condition {
	case models.CompareGreaterThan:
		crossed = value > m.Config.Threshold
	case models.CompareLessThan:
		crossed = value < m.Config.Threshold
	default:
		return false, "", fmt.Errorf("unknown comparator %q", m.Config.Condition)
	}
	if !crossed {
		return false, fmt.Sprintf("%s.%s = %.2f, threshold %.2f", m.Config.Entity, m.Config.Field, value, m.Config.Threshold), nil
	}
	return true, fmt.Sprintf("%s.%s = %.2f crossed threshold %.2f (%s)",
		m.Config.Entity, m.Config.Field, value, m.Config.Threshold, m.Config.Condition), nil
}

func (s *Sweeper) window(m *models.Monitor) time.Duration {
	minutes := m.Config.WindowMinutes
	if minutes <= 0 {
		minutes = defaultWindowMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Sweeper) notify(ctx context.Context, orgID uint, m *models.Monitor, exec *models.Execution, detail string) {
	_, err := s.notifier.Dispatch(ctx, tools.Request{
		IntegrationType: tools.IntegrationEmail,
		ActionType:      tools.ActionSendEmail,
		OrganizationID:  orgID,
		Parameters: map[string]interface{}{
			"to":      m.NotifyEmail,
			"subject": fmt.Sprintf("Monitor %q triggered", m.Name),
			"body": fmt.Sprintf("Trigger: %s\nDetail: %s\nExecution #%d finished with status %s.",
				m.TriggerType, detail, exec.ID, exec.Status),
		},
	})
	if err != nil {
		s.logger.Warn("trigger notification failed",
			zap.Uint("monitor_id", m.ID),
			zap.Error(err))
	}
}

// renderTask substitutes the template placeholders. Monitors without a
// template get a generic investigation task.
func renderTask(m *models.Monitor, detail string, now time.Time) string {
	template := m.TaskTemplate
	if strings.TrimSpace(template) == "" {
		template = "Investigate {{trigger_type}} alert: {{context}}"
	}
	replacer := strings.NewReplacer(
		"{{trigger_type}}", m.TriggerType,
		"{{timestamp}}", now.UTC().Format(time.RFC3339),
		"{{context}}", detail,
	)
	return replacer.Replace(template)
}

func fieldSeries(records []models.Record, field string) []float64 {
	series := make([]float64, 0, len(records))
	for i := range records {
		if v, ok := records[i].NumericField(field); ok {
			series = append(series, v)
		}
	}
	return series
}
