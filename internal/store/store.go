// Package store is the gorm-backed entity store for agents, executions,
// monitors, tools and generic records. Consumers depend on narrow
// interfaces; this package provides the single concrete implementation.
package store

import (
	"errors"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres" // PostgreSQL dialect
	_ "github.com/jinzhu/gorm/dialects/sqlite"   // SQLite dialect

	"opspilot/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist or is
// not visible to the caller's organization.
var ErrNotFound = errors.New("entity not found")

// Store wraps the database handle with the operations the orchestration
// core needs.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and runs migrations.
func Open(dialect, dsn string) (*Store, error) {
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.AutoMigrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Agent{},
		&models.Execution{},
		&models.Monitor{},
		&models.Tool{},
		&models.Record{},
	).Error
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- agents ---

// GetAgent fetches an agent scoped to its organization.
func (s *Store) GetAgent(orgID, agentID uint) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.Where("organization_id = ? AND id = ?", orgID, agentID).First(&agent).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// SaveAgent persists the full agent row.
func (s *Store) SaveAgent(agent *models.Agent) error {
	return s.db.Save(agent).Error
}

// UpdateAgentMetrics writes the aggregate performance metrics with an
// optimistic version check. It reports false when another writer won
// the race, in which case the caller re-reads and retries.
func (s *Store) UpdateAgentMetrics(agentID uint, version int, perf models.PerformanceMetrics) (bool, error) {
	res := s.db.Model(&models.Agent{}).
		Where("id = ? AND version = ?", agentID, version).
		Updates(map[string]interface{}{
			"performance": perf,
			"version":     version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateAgentLearning stores the latest learning report on the agent.
func (s *Store) UpdateAgentLearning(agentID uint, data models.JSONMap) error {
	return s.db.Model(&models.Agent{}).
		Where("id = ?", agentID).
		Update("learning_data", data).Error
}

// --- executions ---

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(exec *models.Execution) error {
	return s.db.Create(exec).Error
}

// UpdateExecution persists the current execution state so external
// observers can poll mid-flight.
func (s *Store) UpdateExecution(exec *models.Execution) error {
	return s.db.Save(exec).Error
}

// GetExecution fetches one execution scoped to its organization.
func (s *Store) GetExecution(orgID, execID uint) (*models.Execution, error) {
	var exec models.Execution
	err := s.db.Where("organization_id = ? AND id = ?", orgID, execID).First(&exec).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns an agent's executions, newest first. A zero
// limit returns the full history.
func (s *Store) ListExecutions(orgID, agentID uint, limit int) ([]models.Execution, error) {
	q := s.db.Where("organization_id = ? AND agent_id = ?", orgID, agentID).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var execs []models.Execution
	if err := q.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// ListExecutionsByStatus returns an agent's executions in one status,
// newest first.
func (s *Store) ListExecutionsByStatus(orgID, agentID uint, status string, limit int) ([]models.Execution, error) {
	q := s.db.Where("organization_id = ? AND agent_id = ? AND status = ?", orgID, agentID, status).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var execs []models.Execution
	if err := q.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// CountRatedExecutions counts an agent's executions carrying feedback.
func (s *Store) CountRatedExecutions(agentID uint) (int, error) {
	var count int
	err := s.db.Model(&models.Execution{}).
		Where("agent_id = ? AND feedback IS NOT NULL", agentID).
		Count(&count).Error
	return count, err
}

// --- monitors ---

// ListActiveMonitors returns the active monitors for an organization.
func (s *Store) ListActiveMonitors(orgID uint) ([]models.Monitor, error) {
	var monitors []models.Monitor
	err := s.db.Where("organization_id = ? AND active = ?", orgID, true).
		Find(&monitors).Error
	if err != nil {
		return nil, err
	}
	return monitors, nil
}

// ClaimMonitor atomically advances last_triggered_at past the cooldown
// gate. Two overlapping sweeps can both observe an expired cooldown;
// only the one whose conditional update lands gets to act.
func (s *Store) ClaimMonitor(m *models.Monitor, now time.Time) (bool, error) {
	cutoff := now.Add(-time.Duration(m.CooldownMinutes) * time.Minute)
	res := s.db.Model(&models.Monitor{}).
		Where("id = ? AND (last_triggered_at IS NULL OR last_triggered_at <= ?)", m.ID, cutoff).
		Updates(map[string]interface{}{
			"last_triggered_at": now,
			"trigger_count":     gorm.Expr("trigger_count + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	m.LastTriggeredAt = &now
	m.TriggerCount++
	return true, nil
}

// --- records ---

// RecentRecords returns records of an entity inside the time window,
// oldest first so the latest value sits at the end of the series.
func (s *Store) RecentRecords(orgID uint, entity string, window time.Duration) ([]models.Record, error) {
	cutoff := time.Now().Add(-window)
	var records []models.Record
	err := s.db.Where("organization_id = ? AND entity = ? AND created_at >= ?", orgID, entity, cutoff).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LatestRecord returns the single most recent record of an entity.
func (s *Store) LatestRecord(orgID uint, entity string) (*models.Record, error) {
	var record models.Record
	err := s.db.Where("organization_id = ? AND entity = ?", orgID, entity).
		Order("created_at desc").
		First(&record).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateRecord persists a generic entity record.
func (s *Store) CreateRecord(record *models.Record) error {
	return s.db.Create(record).Error
}

// UpdateRecordFields merges field updates into an existing record.
func (s *Store) UpdateRecordFields(orgID, recordID uint, fields models.JSONMap) error {
	var record models.Record
	err := s.db.Where("organization_id = ? AND id = ?", orgID, recordID).First(&record).Error
	if gorm.IsRecordNotFoundError(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if record.Fields == nil {
		record.Fields = models.JSONMap{}
	}
	for k, v := range fields {
		record.Fields[k] = v
	}
	return s.db.Save(&record).Error
}

// --- tools ---

// ListActiveTools returns the active tools for an organization.
func (s *Store) ListActiveTools(orgID uint) ([]models.Tool, error) {
	var tools []models.Tool
	err := s.db.Where("organization_id = ? AND active = ?", orgID, true).
		Find(&tools).Error
	if err != nil {
		return nil, err
	}
	return tools, nil
}
