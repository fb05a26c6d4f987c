package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/brakerun/convoy/internal/protocol"
	"github.com/brakerun/convoy/internal/transport"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobErrored JobStatus = "error"
)

// JobRecord is the dispatcher's bookkeeping for one job: where it came
// from, who it's assigned to, and how it ended up.
type JobRecord struct {
	JobID          int
	BatchID        int
	Filename       string
	Options        protocol.FileOptions
	SourcePath     string
	AssignedWorker int
	Status         JobStatus
	Error          string
	StartedAt      time.Time
}

// JobTable holds every job assigned in the current batch, keyed by id;
// Reset discards them on a batch switch.
type JobTable struct {
	mu      sync.Mutex
	jobs    map[int]*JobRecord
	nextID  int
	reg     *Registry
	batches *BatchManager
}

func NewJobTable(reg *Registry, batches *BatchManager) *JobTable {
	return &JobTable{jobs: make(map[int]*JobRecord), reg: reg, batches: batches}
}

// JobRequest is a job still waiting to be assigned to a worker.
type JobRequest struct {
	JobID      *int // nil means "assign the next id"; set to keep an existing id (e.g. on reassignment)
	BatchID    int
	Filename   string
	Options    protocol.FileOptions
	SourcePath string
}

// StartJob picks the least-loaded alive worker, records the job as
// running, and ships the file to that worker. The job is marked running
// before the send is attempted and stays running even if the send fails
// — the liveness monitor is what notices a worker that never actually
// got the job and reassigns it, exactly as the reference dispatcher
// leaves a send failure to be resolved by the next heartbeat timeout
// rather than retrying inline.
func (jt *JobTable) StartJob(req JobRequest, dialCfg DialConfig) (*JobRecord, error) {
	worker, err := jt.reg.PickWorker()
	if err != nil {
		return nil, err
	}

	jt.mu.Lock()
	var jobID int
	if req.JobID == nil {
		jobID = jt.nextID
		jt.nextID++
	} else {
		jobID = *req.JobID
		if jobID >= jt.nextID {
			jt.nextID = jobID + 1
		}
	}

	rec := &JobRecord{
		JobID:          jobID,
		BatchID:        req.BatchID,
		Filename:       req.Filename,
		Options:        req.Options,
		SourcePath:     req.SourcePath,
		AssignedWorker: worker.ID,
		Status:         JobRunning,
		StartedAt:      time.Now(),
	}
	jt.jobs[rec.JobID] = rec
	jt.mu.Unlock()

	jt.reg.AddActiveJob(worker.ID, rec.JobID)

	header, err := protocol.NewJobMessage(req.BatchID, jobID, req.Filename, req.Options, dialCfg.FileSize)
	if err != nil {
		return rec, fmt.Errorf("build new_job header: %w", err)
	}

	if err := transport.SendFileTCP(worker.Addr(), header, req.SourcePath, dialCfg.ConnectTimeout, dialCfg.SendTimeout); err != nil {
		return rec, fmt.Errorf("send job %d to worker %d: %w", rec.JobID, worker.ID, err)
	}

	return rec, nil
}

// Reset discards every job record and resets the id counter to 0,
// matching the reference dispatcher's new_batch handler
// (`self._jobs.clear()`, `self._next_job_id = 0`): prior job records do
// not survive a batch switch.
func (jt *JobTable) Reset() {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	jt.jobs = make(map[int]*JobRecord)
	jt.nextID = 0
}

// DialConfig carries the transport timeouts and the outgoing file's
// size, since NewJobMessage needs byte_length before the send happens.
type DialConfig struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	FileSize       int64
}

func (jt *JobTable) Get(jobID int) (*JobRecord, bool) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	r, ok := jt.jobs[jobID]
	return r, ok
}

// Complete marks a job done, frees it from its worker's active list, and
// pushes a success result onto its batch.
func (jt *JobTable) Complete(jobID, workerID int, paths []string) {
	jt.mu.Lock()
	rec, ok := jt.jobs[jobID]
	if ok {
		rec.Status = JobDone
	}
	jt.mu.Unlock()

	jt.reg.RemoveActiveJob(workerID, jobID)

	if ok {
		jt.batches.PushResult(rec.BatchID, Result{JobID: jobID, BatchID: rec.BatchID, OK: true, Paths: paths})
	}
}

// Fail marks a job errored, frees it from its worker's active list, and
// pushes a failure result onto its batch.
func (jt *JobTable) Fail(jobID, workerID int, stage, errMsg string) {
	jt.mu.Lock()
	rec, ok := jt.jobs[jobID]
	if ok {
		rec.Status = JobErrored
		rec.Error = errMsg
	}
	jt.mu.Unlock()

	jt.reg.RemoveActiveJob(workerID, jobID)

	if ok {
		jt.batches.PushResult(rec.BatchID, Result{JobID: jobID, BatchID: rec.BatchID, OK: false, Stage: stage, Err: errMsg})
	}
}

// AbandonedRequests converts the job ids a dead worker was carrying back
// into JobRequests so they can be handed to StartJob again.
func (jt *JobTable) AbandonedRequests(jobIDs []int) []JobRequest {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	out := make([]JobRequest, 0, len(jobIDs))
	for _, id := range jobIDs {
		rec, ok := jt.jobs[id]
		if !ok {
			continue
		}
		jobID := rec.JobID
		out = append(out, JobRequest{
			JobID:      &jobID,
			BatchID:    rec.BatchID,
			Filename:   rec.Filename,
			Options:    rec.Options,
			SourcePath: rec.SourcePath,
		})
	}
	return out
}
