package dispatcher

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brakerun/convoy/internal/protocol"
	"github.com/brakerun/convoy/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker listens on a TCP port and decodes exactly one framed
// message, handing it back on a channel.
func fakeWorker(t *testing.T) (port int, received chan *protocol.Envelope, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received = make(chan *protocol.Envelope, 4)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				h, err := transport.ReadFramed(conn, transport.DefaultMaxHeaderBytes)
				if err != nil {
					return
				}
				if h.ByteLength != nil {
					transport.RecvExact(conn, int(*h.ByteLength))
				}
				select {
				case received <- h:
				case <-done:
				}
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, received, func() {
		close(done)
		ln.Close()
	}
}

func TestStartJobDispatchesToLeastLoadedWorker(t *testing.T) {
	reg := NewRegistry()
	batches := NewBatchManager()
	jt := NewJobTable(reg, batches)

	port, received, stop := fakeWorker(t)
	defer stop()

	reg.Register("127.0.0.1", port, "nonce-1")

	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(src, []byte("image-bytes"), 0o644))

	batchID := batches.NewBatch()
	req := JobRequest{
		BatchID:    batchID,
		Filename:   "photo.png",
		Options:    protocol.DefaultFileOptions(),
		SourcePath: src,
	}

	rec, err := jt.StartJob(req, DialConfig{
		ConnectTimeout: time.Second,
		SendTimeout:    time.Second,
		FileSize:       11,
	})
	require.NoError(t, err)
	assert.Equal(t, JobRunning, rec.Status)

	select {
	case h := <-received:
		assert.Equal(t, protocol.TypeNewJob, h.Type)
		require.NotNil(t, h.JobID)
		assert.Equal(t, rec.JobID, *h.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the job")
	}

	w, ok := reg.Get(rec.AssignedWorker)
	require.True(t, ok)
	assert.Contains(t, w.ActiveJobs, rec.JobID)
}

func TestCompleteRemovesActiveJobAndPushesResult(t *testing.T) {
	reg := NewRegistry()
	batches := NewBatchManager()
	jt := NewJobTable(reg, batches)

	w, _ := reg.Register("127.0.0.1", 1, "")
	reg.AddActiveJob(w.ID, 99)

	batchID := batches.NewBatch()
	batches.SetJobCount(batchID, 1)
	jt.jobs[99] = &JobRecord{JobID: 99, BatchID: batchID, AssignedWorker: w.ID, Status: JobRunning}

	jt.Complete(99, w.ID, []string{"/tmp/a.png"})

	got, _ := jt.Get(99)
	assert.Equal(t, JobDone, got.Status)
	assert.True(t, batches.IsComplete(batchID))

	worker, _ := reg.Get(w.ID)
	assert.NotContains(t, worker.ActiveJobs, 99)
}

func TestFailRecordsErrorAndPushesResult(t *testing.T) {
	reg := NewRegistry()
	batches := NewBatchManager()
	jt := NewJobTable(reg, batches)

	w, _ := reg.Register("127.0.0.1", 1, "")
	reg.AddActiveJob(w.ID, 7)

	batchID := batches.NewBatch()
	batches.SetJobCount(batchID, 1)
	jt.jobs[7] = &JobRecord{JobID: 7, BatchID: batchID, AssignedWorker: w.ID, Status: JobRunning}

	jt.Fail(7, w.ID, "convert", "decode failure")

	got, _ := jt.Get(7)
	assert.Equal(t, JobErrored, got.Status)
	assert.Equal(t, "decode failure", got.Error)
}
