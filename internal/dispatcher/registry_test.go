package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentByHostPort(t *testing.T) {
	r := NewRegistry()

	w1, isNew1 := r.Register("10.0.0.5", 5057, "nonce-a")
	require.NotNil(t, w1)
	assert.False(t, isNew1)

	w2, isNew2 := r.Register("10.0.0.5", 5057, "nonce-b")
	assert.Equal(t, w1.ID, w2.ID)
	assert.True(t, isNew2, "second registration with a different nonce from the same address is a new incarnation")

	w3, _ := r.Register("10.0.0.9", 5057, "nonce-c")
	assert.NotEqual(t, w1.ID, w3.ID)
}

func TestPickWorkerPrefersFewestActiveJobs(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register("host-a", 1, "")
	b, _ := r.Register("host-b", 1, "")
	_, _ = r.Register("host-c", 1, "")

	r.AddActiveJob(a.ID, 1)
	r.AddActiveJob(a.ID, 2)
	r.AddActiveJob(b.ID, 1)

	picked, err := r.PickWorker()
	require.NoError(t, err)
	assert.Equal(t, "host-c", picked.Host)
}

func TestPickWorkerTieBreaksBySmallestID(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register("host-a", 1, "")
	_, _ = r.Register("host-b", 1, "")

	picked, err := r.PickWorker()
	require.NoError(t, err)
	assert.Equal(t, a.ID, picked.ID)
}

func TestPickWorkerErrorsWithNoAliveWorkers(t *testing.T) {
	r := NewRegistry()
	_, err := r.PickWorker()
	assert.Error(t, err)
}

func TestCheckLivenessMarksDeadAndReturnsAbandonedJobs(t *testing.T) {
	r := NewRegistry()
	w, _ := r.Register("host-a", 1, "")
	r.AddActiveJob(w.ID, 10)
	r.AddActiveJob(w.ID, 11)

	r.MarkHeartbeat(w.ID, time.Now().Add(-20*time.Second))

	abandoned := r.CheckLiveness(10*time.Second, time.Now())
	require.Contains(t, abandoned, w.ID)
	assert.ElementsMatch(t, []int{10, 11}, abandoned[w.ID])

	got, ok := r.Get(w.ID)
	require.True(t, ok)
	assert.Equal(t, WorkerDead, got.Status)
	assert.Empty(t, got.ActiveJobs)
}

func TestCheckLivenessIgnoresWorkersWithinTimeout(t *testing.T) {
	r := NewRegistry()
	w, _ := r.Register("host-a", 1, "")
	r.MarkHeartbeat(w.ID, time.Now())

	abandoned := r.CheckLiveness(10*time.Second, time.Now())
	assert.Empty(t, abandoned)
}

func TestMarkHeartbeatDoesNotResurrectDeadWorker(t *testing.T) {
	r := NewRegistry()
	w, _ := r.Register("host-a", 1, "")
	r.MarkHeartbeat(w.ID, time.Now().Add(-1*time.Hour))
	r.CheckLiveness(10*time.Second, time.Now())

	r.MarkHeartbeat(w.ID, time.Now())

	got, _ := r.Get(w.ID)
	assert.Equal(t, WorkerDead, got.Status)
}
