// -----------------------------------------------------------------------
// Job - Tracked state of one face-swap submission
// -----------------------------------------------------------------------

package models

import "time"

// JobStatus is the lifecycle state of a tracked job.
//
// Transitions: QUEUED -> PROCESSING -> SUCCESS | FAILED.
// QUEUED -> FAILED is also legal (submission accepted upstream but the run
// errors before any progress arrives). Terminal states never change.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal returns true for states that admit no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// IsValid returns true if the status is a known lifecycle state
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusSuccess, JobStatusFailed:
		return true
	}
	return false
}

// Progress is the percentage-complete snapshot of a running job.
// Step is the raw "current/total" counter the percentage was derived from.
type Progress struct {
	Percentage int    `json:"percentage"`
	Step       string `json:"step,omitempty"`
}

// JobResult identifies the artifact a successful job produced.
// DownloadRef is the relative reference clients fetch the file by.
type JobResult struct {
	Filename    string `json:"filename"`
	DownloadRef string `json:"download_ref"`
}

// Job is the registry record for one submission. Token doubles as the
// upstream prompt id. Result is write-once and only set on SUCCESS; Error is
// only set on FAILED.
type Job struct {
	Token        string     `json:"job_token" badgerhold:"key"`
	Status       JobStatus  `json:"status"`
	Progress     Progress   `json:"progress"`
	OutputPrefix string     `json:"output_prefix,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Result       *JobResult `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewJob creates a job record in the QUEUED state
func NewJob(token, outputPrefix string) *Job {
	now := time.Now().UTC()
	return &Job{
		Token:        token,
		Status:       JobStatusQueued,
		Progress:     Progress{Percentage: 0},
		OutputPrefix: outputPrefix,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a copy safe to hand to readers while the original keeps
// mutating under the registry lock.
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}
