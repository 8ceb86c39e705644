package httpapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// jobExpiry is how long a completed job record is kept around for the
// client to poll before it is swept.
const jobExpiry = 5 * time.Minute

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job tracks one asynchronous host operation dispatched through the HTTP
// API (check, upgrade, reboot), polled via GET /api/jobs/{id}.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	HostID      int64      `json:"host_id"`
	Action      string     `json:"action"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// jobRegistry tracks in-flight and recently-completed jobs. Entries are
// removed jobExpiry after completion by a per-job time.AfterFunc.
type jobRegistry struct {
	jobs sync.Map // uuid.UUID -> *Job
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{}
}

func (r *jobRegistry) create(hostID int64, action string) *Job {
	j := &Job{
		ID:        uuid.New(),
		HostID:    hostID,
		Action:    action,
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	r.jobs.Store(j.ID, j)
	return j
}

func (r *jobRegistry) complete(id uuid.UUID, err error) {
	v, ok := r.jobs.Load(id)
	if !ok {
		return
	}
	j := v.(*Job)
	now := time.Now()
	j.CompletedAt = &now
	if err != nil {
		j.Status = JobFailed
		j.Error = err.Error()
	} else {
		j.Status = JobSucceeded
	}
	time.AfterFunc(jobExpiry, func() { r.jobs.Delete(id) })
}

func (r *jobRegistry) get(id uuid.UUID) (*Job, bool) {
	v, ok := r.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Job), true
}
