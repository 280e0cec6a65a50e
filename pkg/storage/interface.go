package storage

import (
	"context"
	"errors"

	"stagehand/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Variant string
	State   models.RunState
	Limit   int
	Offset  int
}

// RunStore is the deployment history.
type RunStore interface {
	// CreateRun persists a finished run together with its step records.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun retrieves a run and its steps by ID.
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)

	// ListRuns returns runs newest first, without steps.
	ListRuns(ctx context.Context, filter RunFilter) ([]models.Run, error)

	// Close releases the underlying connection.
	Close() error
}
