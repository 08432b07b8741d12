package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record is one committed lending event. Attributes holds the JSON encoded
// event attributes; Account and Market are lifted out for indexed lookups.
// Digest chains the record to its predecessor.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"index"`
	Type       string    `gorm:"size:64;index"`
	Market     string    `gorm:"size:32;index"`
	Account    string    `gorm:"size:96;index"`
	Attributes string    `gorm:"type:text"`
	Digest     string    `gorm:"size:64"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table regardless of naming strategy.
func (Record) TableName() string { return "lending_events" }

// AutoMigrate performs the schema migrations for the audit log.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}
