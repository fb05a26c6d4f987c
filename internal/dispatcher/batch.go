package dispatcher

import (
	"errors"
	"sync"
	"time"
)

// Result is what a batch's result channel delivers once a job finishes —
// either a success with extracted file paths, or an error report.
type Result struct {
	JobID   int
	BatchID int
	OK      bool
	Paths   []string
	Stage   string
	Err     string
}

// ErrBatchComplete is returned by NextResult once every expected result
// has been delivered (or the batch is no longer current); it is not a
// failure, just "nothing left to wait for".
var ErrBatchComplete = errors.New("batch is complete")

// BatchState tracks one batch's expected job count, completion progress,
// and the channel jobs report their results on.
type BatchState struct {
	BatchID   int
	Total     int
	Completed int
	delivered int
	results   chan Result
}

// BatchManager owns the dispatcher's notion of "current batch". Starting
// a new batch invalidates the previous one: its result channel is
// abandoned and any jobs still in flight against it are no longer
// tracked for completion purposes (mirroring the reference dispatcher's
// new_batch semantics, which exists precisely so a client can cancel a
// stale run without waiting for it to drain).
type BatchManager struct {
	mu      sync.Mutex
	current *BatchState
	nextID  int
}

func NewBatchManager() *BatchManager {
	return &BatchManager{}
}

// NewBatch starts a new batch and returns its id. The result channel is
// buffered to 4096 entries, so PushResult does not block on a slow
// consumer until that many results are queued.
func (b *BatchManager) NewBatch() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.current = &BatchState{
		BatchID: b.nextID,
		results: make(chan Result, 4096),
	}
	return b.nextID
}

func (b *BatchManager) SetJobCount(batchID, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && b.current.BatchID == batchID {
		b.current.Total = count
	}
}

func (b *BatchManager) CurrentBatchID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0
	}
	return b.current.BatchID
}

// IsComplete reports whether batchID has reported at least as many
// completions as its expected total. A batch that is no longer current
// (or an unknown id) is reported complete.
func (b *BatchManager) IsComplete(batchID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.BatchID != batchID {
		return true
	}
	return b.current.Total > 0 && b.current.Completed >= b.current.Total
}

// PushResult records a completion against batchID and enqueues it for
// NextResult. A result for a batch that's no longer current is dropped —
// its consumer already moved on.
func (b *BatchManager) PushResult(batchID int, res Result) {
	b.mu.Lock()
	if b.current == nil || b.current.BatchID != batchID {
		b.mu.Unlock()
		return
	}
	b.current.Completed++
	ch := b.current.results
	b.mu.Unlock()

	ch <- res
}

// NextResult blocks up to timeout for the next result belonging to
// batchID. It returns ErrBatchComplete once the batch has finished and
// has nothing left queued.
func (b *BatchManager) NextResult(batchID int, timeout time.Duration) (*Result, error) {
	b.mu.Lock()
	if b.current == nil || b.current.BatchID != batchID {
		b.mu.Unlock()
		return nil, ErrBatchComplete
	}
	st := b.current
	if st.Total > 0 && st.delivered >= st.Total {
		b.mu.Unlock()
		return nil, ErrBatchComplete
	}
	ch := st.results
	b.mu.Unlock()

	select {
	case res := <-ch:
		b.mu.Lock()
		st.delivered++
		b.mu.Unlock()
		return &res, nil
	case <-time.After(timeout):
		return nil, nil
	}
}
