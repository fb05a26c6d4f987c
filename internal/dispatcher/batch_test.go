package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchLifecycle(t *testing.T) {
	bm := NewBatchManager()
	id := bm.NewBatch()
	assert.Equal(t, 1, id)

	bm.SetJobCount(id, 2)
	assert.False(t, bm.IsComplete(id))

	bm.PushResult(id, Result{JobID: 1, BatchID: id, OK: true})
	assert.False(t, bm.IsComplete(id))

	bm.PushResult(id, Result{JobID: 2, BatchID: id, OK: true})
	assert.True(t, bm.IsComplete(id))
}

func TestNewBatchInvalidatesPrevious(t *testing.T) {
	bm := NewBatchManager()
	first := bm.NewBatch()
	bm.SetJobCount(first, 5)

	second := bm.NewBatch()
	assert.NotEqual(t, first, second)

	// A result for the stale batch is silently dropped.
	bm.PushResult(first, Result{JobID: 1, BatchID: first, OK: true})
	assert.True(t, bm.IsComplete(first))
}

func TestNextResultBlocksThenReturns(t *testing.T) {
	bm := NewBatchManager()
	id := bm.NewBatch()
	bm.SetJobCount(id, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bm.PushResult(id, Result{JobID: 1, BatchID: id, OK: true, Paths: []string{"/tmp/a.png"}})
	}()

	res, err := bm.NextResult(id, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.JobID)
	assert.True(t, res.OK)
}

func TestNextResultReturnsCompleteAfterAllJobsDone(t *testing.T) {
	bm := NewBatchManager()
	id := bm.NewBatch()
	bm.SetJobCount(id, 1)
	bm.PushResult(id, Result{JobID: 1, BatchID: id, OK: true})

	// The queued result is still delivered before the batch reports complete.
	res, err := bm.NextResult(id, time.Second)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.JobID)

	res, err = bm.NextResult(id, time.Second)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrBatchComplete)
}

func TestNextResultTimesOutWithoutError(t *testing.T) {
	bm := NewBatchManager()
	id := bm.NewBatch()
	bm.SetJobCount(id, 5)

	res, err := bm.NextResult(id, 30*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, res)
}
