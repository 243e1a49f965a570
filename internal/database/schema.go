package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// Job is one submitted inference job. Input and result bytes live in the
// object store; the row tracks lifecycle and locations only.
type Job struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Kind   string `gorm:"size:20;not null"`
	Status string `gorm:"size:20;not null"`

	// RemoteJobId is the provider-side handle, set once the worker has
	// submitted the job upstream.
	RemoteJobId sql.NullString

	// Params holds kind-specific options (e.g. segmentation class names).
	Params datatypes.JSON `gorm:"type:jsonb"`

	InputKey  string
	ResultKey sql.NullString

	Error sql.NullString

	Deleted bool `gorm:"default:false"`

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}
