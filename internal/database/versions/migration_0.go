package versions

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Snapshot of the Job schema at migration 0. Later migrations must not reuse
// these types.
type Job struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Kind   string `gorm:"size:20;not null"`
	Status string `gorm:"size:20;not null"`

	RemoteJobId sql.NullString

	Params datatypes.JSON `gorm:"type:jsonb"`

	InputKey  string
	ResultKey sql.NullString

	Error sql.NullString

	Deleted bool `gorm:"default:false"`

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

func Migration0(txn *gorm.DB) error {
	return txn.AutoMigrate(&Job{})
}
