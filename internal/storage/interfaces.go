package storage

import (
	"context"

	"github.com/ternarybob/visage/internal/models"
)

// JobStorage persists registry snapshots so poll clients can recover job
// state across restarts. Live delivery never goes through storage.
type JobStorage interface {
	// SaveJob upserts the snapshot for job.Token
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob returns the stored snapshot or ErrNotFound
	GetJob(ctx context.Context, token string) (*models.Job, error)

	// DeleteJob removes the snapshot; deleting a missing token is not an error
	DeleteJob(ctx context.Context, token string) error

	// ListTerminalBefore returns tokens of terminal jobs whose UpdatedAt is
	// older than the cutoff, for TTL sweeping
	ListTerminalBefore(ctx context.Context, cutoff int64) ([]string, error)
}

// Manager bundles the storage interfaces behind one lifecycle
type Manager interface {
	JobStorage() JobStorage
	Close() error
}
