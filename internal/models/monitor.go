package models

import (
	"database/sql/driver"
	"time"

	"github.com/jinzhu/gorm"
)

// Trigger types evaluated by the proactive monitor sweep.
const (
	TriggerDataAnomaly     = "data_anomaly"
	TriggerEntityPattern   = "entity_pattern"
	TriggerMetricThreshold = "metric_threshold"
	TriggerSchedule        = "schedule"
	TriggerCalendarEvent   = "calendar_event"
	TriggerMessageReceived = "message_received"
)

// Comparators for metric_threshold triggers.
const (
	CompareGreaterThan = "greater_than"
	CompareLessThan    = "less_than"
)

// Monitor is a configured condition that, when satisfied and outside its
// cooldown window, starts a new proactive execution on its agent.
type Monitor struct {
	gorm.Model
	AgentID         uint
	OrganizationID  uint
	Name            string
	TriggerType     string
	Config          TriggerConfig `gorm:"type:text"`
	TaskTemplate    string        `gorm:"type:text"`
	CooldownMinutes int
	Active          bool
	LastTriggeredAt *time.Time
	TriggerCount    int
	NotifyEmail     string
}

// TriggerConfig parameterizes a monitor's condition.
type TriggerConfig struct {
	Entity        string  `json:"entity"`
	Field         string  `json:"field"`
	Condition     string  `json:"condition"`
	Threshold     float64 `json:"threshold"`
	WindowMinutes int     `json:"window_minutes"`
}

// Value implements driver.Valuer
func (c TriggerConfig) Value() (driver.Value, error) { return marshalColumn(c) }

// Scan implements sql.Scanner
func (c *TriggerConfig) Scan(src interface{}) error { return scanJSON(src, c) }

// InCooldown reports whether the monitor fired within its cooldown window.
func (m *Monitor) InCooldown(now time.Time) bool {
	if m.LastTriggeredAt == nil || m.CooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*m.LastTriggeredAt) < time.Duration(m.CooldownMinutes)*time.Minute
}
