package models

import (
	"database/sql/driver"
	"time"

	"github.com/jinzhu/gorm"
)

// Execution statuses. Terminal states have no outgoing transitions.
const (
	ExecutionPlanning  = "planning"
	ExecutionExecuting = "executing"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Per-step statuses.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Execution is one run of an agent against a task, tracked through the
// plan/step state machine. Executions are never deleted; they are the
// audit trail the learning analyzer mines.
type Execution struct {
	gorm.Model
	AgentID         uint        `json:"agent_id"`
	OrganizationID  uint        `json:"organization_id"`
	TraceID         string      `json:"trace_id"`
	Task            string      `json:"task" gorm:"type:text"`
	Status          string      `json:"status"`
	Plan            PlanSteps   `json:"plan" gorm:"type:text"`
	Result          StepResults `json:"results" gorm:"type:text"`
	FinalContext    JSONMap     `json:"final_context,omitempty" gorm:"type:text"`
	Feedback        *Feedback   `json:"feedback,omitempty" gorm:"type:text"`
	ErrorMessage    string      `json:"error_message,omitempty" gorm:"type:text"`
	Confidence      float64     `json:"confidence"`
	Proactive       bool        `json:"proactive"`
	DurationSeconds float64     `json:"duration_seconds"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// PlanStep is one intended action in an execution plan.
type PlanStep struct {
	Number           int                    `json:"step_number"`
	Description      string                 `json:"description"`
	ActionType       string                 `json:"action_type"`
	Tool             string                 `json:"tool"`
	Parameters       map[string]interface{} `json:"parameters"`
	DependsOn        []int                  `json:"depends_on"`
	RequiresApproval bool                   `json:"requires_approval"`
	Confidence       float64                `json:"confidence"`
}

// PlanSteps is the ordered plan, stored as JSON.
type PlanSteps []PlanStep

// Value implements driver.Valuer
func (p PlanSteps) Value() (driver.Value, error) { return marshalColumn(p) }

// Scan implements sql.Scanner
func (p *PlanSteps) Scan(src interface{}) error { return scanJSON(src, p) }

// StepResult is the recorded outcome of one executed step.
type StepResult struct {
	StepNumber int                    `json:"step_number"`
	Status     string                 `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// StepResults are the per-step outcomes in plan order, stored as JSON.
type StepResults []StepResult

// Value implements driver.Valuer
func (r StepResults) Value() (driver.Value, error) { return marshalColumn(r) }

// Scan implements sql.Scanner
func (r *StepResults) Scan(src interface{}) error { return scanJSON(src, r) }

// Feedback is a user's rating of a finished execution.
type Feedback struct {
	Rating      int       `json:"rating"`
	Helpful     bool      `json:"helpful"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Value implements driver.Valuer
func (f Feedback) Value() (driver.Value, error) { return marshalColumn(f) }

// Scan implements sql.Scanner
func (f *Feedback) Scan(src interface{}) error { return scanJSON(src, f) }
