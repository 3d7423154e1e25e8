package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
	"github.com/ternarybob/visage/internal/storage"
)

// jobEntry pairs a job with its own mutex so mutations on unrelated jobs
// never contend
type jobEntry struct {
	mu  sync.Mutex
	job *models.Job
}

// Registry tracks the authoritative state of every job. All transitions go
// through Apply/SetSuccess/SetFailed, which enforce the state machine:
// QUEUED -> PROCESSING -> SUCCESS | FAILED, terminal states immutable,
// percentage monotonic. The registry-level lock only guards the map; each
// entry carries its own lock. Every mutation is snapshotted to storage so
// poll clients can read state after a restart.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	store  storage.JobStorage
	logger arbor.ILogger
}

// NewRegistry creates a registry backed by the given snapshot store.
// store may be nil in tests; persistence is then skipped.
func NewRegistry(store storage.JobStorage, logger arbor.ILogger) *Registry {
	return &Registry{
		jobs:   make(map[string]*jobEntry),
		store:  store,
		logger: logger,
	}
}

// Create registers a new job in the QUEUED state
func (r *Registry) Create(ctx context.Context, token, outputPrefix string) (*models.Job, error) {
	if token == "" {
		return nil, fmt.Errorf("job token is required")
	}

	job := models.NewJob(token, outputPrefix)

	r.mu.Lock()
	if _, exists := r.jobs[token]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateToken
	}
	r.jobs[token] = &jobEntry{job: job}
	clone := job.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)

	return clone, nil
}

// entry looks a job entry up in the map
func (r *Registry) entry(token string) *jobEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[token]
}

// Get returns a snapshot of the job, falling through to storage when the
// token is not in memory (service restarted since the job ran)
func (r *Registry) Get(ctx context.Context, token string) (*models.Job, error) {
	if e := r.entry(token); e != nil {
		e.mu.Lock()
		clone := e.job.Clone()
		e.mu.Unlock()
		return clone, nil
	}

	if r.store != nil {
		stored, err := r.store.GetJob(ctx, token)
		if err == nil {
			return stored, nil
		}
		if err != storage.ErrNotFound {
			return nil, fmt.Errorf("failed to load job %s: %w", token, err)
		}
	}
	return nil, ErrJobNotFound
}

// Apply folds a normalized event into the job state. The returned snapshot
// reflects the state after the event. applied is false when the event was
// discarded: unknown token aside, that is stale progress (strictly lower
// than the recorded percentage) or any event arriving after a terminal
// state, both of which are no-ops.
func (r *Registry) Apply(ctx context.Context, token string, event *models.ProgressEvent) (applied bool, snapshot *models.Job, err error) {
	e := r.entry(token)
	if e == nil {
		return false, nil, ErrJobNotFound
	}

	e.mu.Lock()
	job := e.job

	if job.Status.IsTerminal() {
		snapshot = job.Clone()
		e.mu.Unlock()
		r.logger.Debug().Str("job_token", token).Str("event", string(event.Type)).
			Str("status", string(snapshot.Status)).Msg("Event discarded, job already terminal")
		return false, snapshot, nil
	}

	now := time.Now().UTC()
	applied = true

	switch event.Type {
	case models.EventQueued:
		// Already QUEUED at creation; only the timestamp advances

	case models.EventExecuting:
		job.Status = models.JobStatusProcessing
		job.Progress.Step = fmt.Sprintf("Executing: %s", event.Title)

	case models.EventProgress:
		pct := event.Percentage
		if pct > 100 {
			pct = 100
		}
		if pct < job.Progress.Percentage {
			applied = false
			break
		}
		job.Status = models.JobStatusProcessing
		job.Progress.Percentage = pct
		job.Progress.Step = fmt.Sprintf("Progress: %d%%", pct)

	case models.EventCompleted:
		// Terminal SUCCESS/FAILED is decided by the resolver outcome
		job.Status = models.JobStatusProcessing
		job.Progress.Percentage = 100
		job.Progress.Step = "Resolving output"

	case models.EventError:
		job.Status = models.JobStatusFailed
		job.Error = event.Detail

	case models.EventStatusUpdate:
		// Liveness only: updated_at advances, nothing else changes

	default:
		applied = false
	}

	if applied {
		job.UpdatedAt = now
	}
	snapshot = job.Clone()
	e.mu.Unlock()

	if applied {
		r.persist(ctx, snapshot)
	}
	return applied, snapshot, nil
}

// SetSuccess finalizes a job after its artifact resolved. No-op when the
// job is already terminal.
func (r *Registry) SetSuccess(ctx context.Context, token string, result *models.JobResult) (*models.Job, error) {
	return r.finalize(ctx, token, func(job *models.Job) {
		job.Status = models.JobStatusSuccess
		job.Progress.Percentage = 100
		job.Progress.Step = "Completed successfully"
		job.Result = result
	})
}

// SetFailed finalizes a job with an error. No-op when already terminal.
func (r *Registry) SetFailed(ctx context.Context, token, detail string) (*models.Job, error) {
	return r.finalize(ctx, token, func(job *models.Job) {
		job.Status = models.JobStatusFailed
		job.Error = detail
	})
}

func (r *Registry) finalize(ctx context.Context, token string, mutate func(*models.Job)) (*models.Job, error) {
	e := r.entry(token)
	if e == nil {
		return nil, ErrJobNotFound
	}

	e.mu.Lock()
	if !e.job.Status.IsTerminal() {
		mutate(e.job)
		e.job.UpdatedAt = time.Now().UTC()
	}
	snapshot := e.job.Clone()
	e.mu.Unlock()

	r.persist(ctx, snapshot)

	return snapshot, nil
}

// EvictTerminalBefore drops terminal jobs last updated before the cutoff,
// both from memory and from storage. Returns the number evicted.
func (r *Registry) EvictTerminalBefore(ctx context.Context, cutoff time.Time) int {
	r.mu.Lock()
	var evicted []string
	for token, e := range r.jobs {
		e.mu.Lock()
		expired := e.job.Status.IsTerminal() && e.job.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.jobs, token)
			evicted = append(evicted, token)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		// Also sweep snapshots from runs before the last restart
		stored, err := r.store.ListTerminalBefore(ctx, cutoff.Unix())
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to list stored terminal jobs for eviction")
		} else {
			evicted = append(evicted, stored...)
		}
		for _, token := range evicted {
			if err := r.store.DeleteJob(ctx, token); err != nil {
				r.logger.Warn().Err(err).Str("job_token", token).Msg("Failed to delete job snapshot")
			}
		}
	}

	if len(evicted) > 0 {
		r.logger.Info().Int("count", len(evicted)).Msg("Evicted terminal jobs")
	}
	return len(evicted)
}

// Count returns the number of jobs currently tracked in memory
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) persist(ctx context.Context, snapshot *models.Job) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveJob(ctx, snapshot); err != nil {
		r.logger.Warn().Err(err).Str("job_token", snapshot.Token).Msg("Failed to persist job snapshot")
	}
}
