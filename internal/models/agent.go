package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/jinzhu/gorm"
)

// Agent represents a configured autonomous actor with a persona,
// declared capabilities and tool permissions.
type Agent struct {
	gorm.Model
	OrganizationID      uint
	Name                string
	Capabilities        StringList         `gorm:"type:text"`
	Persona             Persona            `gorm:"type:text"`
	AllowedTools        ToolGrants         `gorm:"type:text"`
	Performance         PerformanceMetrics `gorm:"type:text"`
	LearningData        JSONMap            `gorm:"type:text"`
	MaxChainLength      int
	ConfidenceThreshold float64
	Active              bool
	// Version guards read-modify-write updates of Performance; concurrent
	// executions of the same agent would otherwise lose updates.
	Version int
}

// Persona describes how an agent presents itself in prompts.
type Persona struct {
	Role           string   `json:"role"`
	Tone           string   `json:"tone"`
	ExpertiseAreas []string `json:"expertise_areas"`
	Instructions   string   `json:"instructions"`
}

// Value implements driver.Valuer
func (p Persona) Value() (driver.Value, error) { return marshalColumn(p) }

// Scan implements sql.Scanner
func (p *Persona) Scan(src interface{}) error { return scanJSON(src, p) }

// ToolGrant permits an agent to run a set of actions on one integration.
type ToolGrant struct {
	IntegrationType  string   `json:"integration_type"`
	AllowedActions   []string `json:"allowed_actions"`
	RequiresApproval bool     `json:"requires_approval"`
}

// ToolGrants is the agent's allowed-tools list, stored as JSON.
type ToolGrants []ToolGrant

// Value implements driver.Valuer
func (g ToolGrants) Value() (driver.Value, error) { return marshalColumn(g) }

// Scan implements sql.Scanner
func (g *ToolGrants) Scan(src interface{}) error { return scanJSON(src, g) }

// PerformanceMetrics are the agent's aggregate execution metrics,
// maintained as incremental running averages.
type PerformanceMetrics struct {
	TotalExecutions  int     `json:"total_executions"`
	SuccessRate      float64 `json:"success_rate"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	AvgSatisfaction  float64 `json:"avg_satisfaction"`
}

// Value implements driver.Valuer
func (m PerformanceMetrics) Value() (driver.Value, error) { return marshalColumn(m) }

// Scan implements sql.Scanner
func (m *PerformanceMetrics) Scan(src interface{}) error { return scanJSON(src, m) }

// RecordOutcome folds one finished execution into the running averages.
func (m *PerformanceMetrics) RecordOutcome(succeeded bool, durationSeconds float64) {
	n := float64(m.TotalExecutions)
	success := 0.0
	if succeeded {
		success = 1.0
	}
	m.SuccessRate = (m.SuccessRate*n + success) / (n + 1)
	m.AvgExecutionTime = (m.AvgExecutionTime*n + durationSeconds) / (n + 1)
	m.TotalExecutions++
}

// RecordSatisfaction folds one feedback rating into the running average.
// ratedCount is how many executions carried a rating before this one.
func (m *PerformanceMetrics) RecordSatisfaction(rating int, ratedCount int) {
	n := float64(ratedCount)
	m.AvgSatisfaction = (m.AvgSatisfaction*n + float64(rating)) / (n + 1)
}

func marshalColumn(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
