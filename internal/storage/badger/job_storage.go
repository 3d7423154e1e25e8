package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
	"github.com/ternarybob/visage/internal/storage"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the storage.JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) storage.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.Token == "" {
		return fmt.Errorf("job token is required")
	}

	if err := s.db.Store().Upsert(job.Token, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.Token, err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, token string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(token, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", token, err)
	}
	return &job, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, token string) error {
	err := s.db.Store().Delete(token, &models.Job{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job %s: %w", token, err)
	}
	return nil
}

func (s *JobStorage) ListTerminalBefore(ctx context.Context, cutoff int64) ([]string, error) {
	cutoffTime := time.Unix(cutoff, 0).UTC()

	var jobs []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusSuccess, models.JobStatusFailed).
		And("UpdatedAt").Lt(cutoffTime)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	tokens := make([]string, 0, len(jobs))
	for i := range jobs {
		tokens = append(tokens, jobs[i].Token)
	}
	return tokens, nil
}
