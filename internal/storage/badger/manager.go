package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/storage"
)

// Manager implements the storage.Manager interface for Badger
type Manager struct {
	db     *BadgerDB
	job    storage.JobStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (storage.Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() storage.JobStorage {
	return m.job
}

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}
