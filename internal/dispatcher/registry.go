package dispatcher

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// WorkerStatus is either alive or dead. A worker never leaves the
// registry once it has died — it stays as a dead record so stale
// reconnection attempts can be diagnosed from the logs.
type WorkerStatus string

const (
	WorkerAlive WorkerStatus = "alive"
	WorkerDead  WorkerStatus = "dead"
)

// WorkerRecord tracks one registered worker's address, liveness, and the
// jobs it currently has in flight.
type WorkerRecord struct {
	ID            int
	Host          string
	Port          int
	Nonce         string
	LastHeartbeat time.Time
	Status        WorkerStatus
	ActiveJobs    []int
}

// Addr is the host:port a dispatcher dials to reach this worker.
func (w *WorkerRecord) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Registry is the dispatcher's worker fleet: who's registered, who's
// alive, and how loaded each one is. All access goes through the mutex —
// the registry is read far more often than it's written, so callers
// hold the read lock for anything that doesn't mutate state.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]*WorkerRecord
	nextID  int
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[int]*WorkerRecord)}
}

// Register is idempotent by (host, port): a worker that reconnects with
// the same address gets its existing id back, its nonce updated, and its
// status reset to alive rather than a second record. This preserves the
// dispatcher's documented idempotent-registration contract even though
// the worker now carries an incarnation nonce.
func (r *Registry) Register(host string, port int, nonce string) (*WorkerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Host == host && w.Port == port {
			isNewIncarnation := w.Nonce != "" && nonce != "" && w.Nonce != nonce
			w.Nonce = nonce
			w.Status = WorkerAlive
			w.LastHeartbeat = time.Now()
			return w, isNewIncarnation
		}
	}

	w := &WorkerRecord{
		ID:            r.nextID,
		Host:          host,
		Port:          port,
		Nonce:         nonce,
		LastHeartbeat: time.Now(),
		Status:        WorkerAlive,
	}
	r.nextID++
	r.workers[w.ID] = w
	return w, false
}

func (r *Registry) Get(id int) (*WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// MarkHeartbeat refreshes a worker's liveness timestamp, but only while
// it's still considered alive — a heartbeat arriving after the liveness
// monitor already declared a worker dead doesn't resurrect it.
func (r *Registry) MarkHeartbeat(id int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok && w.Status == WorkerAlive {
		w.LastHeartbeat = at
	}
}

// PickWorker selects the alive worker with the fewest active jobs,
// breaking ties by the smallest worker id so scheduling is deterministic.
func (r *Registry) PickWorker() (*WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*WorkerRecord
	for _, w := range r.workers {
		if w.Status == WorkerAlive {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no alive workers available")
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := len(candidates[i].ActiveJobs), len(candidates[j].ActiveJobs)
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates[0], nil
}

func (r *Registry) AddActiveJob(workerID, jobID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.ActiveJobs = append(w.ActiveJobs, jobID)
	}
}

func (r *Registry) RemoveActiveJob(workerID, jobID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	for i, id := range w.ActiveJobs {
		if id == jobID {
			w.ActiveJobs = append(w.ActiveJobs[:i], w.ActiveJobs[i+1:]...)
			return
		}
	}
}

// CheckLiveness marks as dead any alive worker whose last heartbeat is
// older than timeout, and returns each dead worker's now-abandoned job
// ids so the caller can reassign them. A worker's ActiveJobs is cleared
// as part of being marked dead.
func (r *Registry) CheckLiveness(timeout time.Duration, now time.Time) map[int][]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	abandoned := make(map[int][]int)
	for _, w := range r.workers {
		if w.Status != WorkerAlive {
			continue
		}
		if now.Sub(w.LastHeartbeat) >= timeout {
			w.Status = WorkerDead
			abandoned[w.ID] = append([]int(nil), w.ActiveJobs...)
			w.ActiveJobs = nil
		}
	}
	return abandoned
}

// Counts returns the number of alive and dead workers, for metrics.
func (r *Registry) Counts() (alive, dead int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.Status == WorkerAlive {
			alive++
		} else {
			dead++
		}
	}
	return
}

// All returns a snapshot of every registered worker, alive or dead.
func (r *Registry) All() []*WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
