package models

import (
	"github.com/jinzhu/gorm"
)

// Tool is an integration action surface available to agents in an
// organization. Category is used by the learning analyzer to match
// unused tools against successful task categories.
type Tool struct {
	gorm.Model
	OrganizationID  uint
	Name            string
	IntegrationType string
	Category        string
	Actions         StringList `gorm:"type:text"`
	Active          bool
}

// Record is a generic time-series entity row. Monitors evaluate their
// trigger conditions against recent records of a named entity.
type Record struct {
	gorm.Model
	OrganizationID uint
	Entity         string
	Fields         JSONMap `gorm:"type:text"`
}

// NumericField extracts a numeric field value from the record.
func (r *Record) NumericField(name string) (float64, bool) {
	v, ok := r.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
