package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunState mirrors the lifecycle of a pipeline run.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunAborted   RunState = "ABORTED"
)

// JSONB structures need to implement Scanner/Valuer for GORM

// OutputTail is the trimmed output kept for one step invocation.
type OutputTail []string

func (o *OutputTail) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	case nil:
		*o = nil
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, o)
}

func (o OutputTail) Value() (driver.Value, error) {
	if o == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(o)
}

// Run is one recorded deployment.
type Run struct {
	ID         uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	Variant    string       `json:"variant" gorm:"type:varchar(64);not null;index"`
	Host       string       `json:"host" gorm:"type:varchar(255)"`
	State      RunState     `json:"state" gorm:"type:varchar(20);not null;index"`
	Succeeded  bool         `json:"succeeded"`
	Degraded   bool         `json:"degraded"`
	ExitCode   int          `json:"exit_code"`
	StartedAt  time.Time    `json:"started_at" gorm:"not null;index"`
	FinishedAt time.Time    `json:"finished_at"`
	DurationMS int64        `json:"duration_ms"`
	LogURI     string       `json:"log_uri"`
	Steps      []StepRecord `json:"steps,omitempty" gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time    `json:"created_at"`
}

// BeforeCreate hook to generate UUID if not present
func (r *Run) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// StepRecord is one invocation within a run, in execution order.
type StepRecord struct {
	ID          uint       `json:"-" gorm:"primaryKey"`
	RunID       uuid.UUID  `json:"run_id" gorm:"type:uuid;not null;index:idx_run_seq,unique"`
	Seq         int        `json:"seq" gorm:"not null;index:idx_run_seq,unique"`
	Name        string     `json:"name" gorm:"not null"`
	Attempt     string     `json:"attempt" gorm:"type:varchar(20)"`
	Command     string     `json:"command"`
	Criticality string     `json:"criticality" gorm:"type:varchar(20)"`
	ExitCode    int        `json:"exit_code"`
	Succeeded   bool       `json:"succeeded"`
	Skipped     bool       `json:"skipped"`
	TimedOut    bool       `json:"timed_out"`
	DurationMS  int64      `json:"duration_ms"`
	Output      OutputTail `json:"output" gorm:"type:jsonb"`
}
