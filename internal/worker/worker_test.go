package worker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/brakerun/convoy/internal/config"
	"github.com/brakerun/convoy/internal/logger"
	"github.com/brakerun/convoy/internal/protocol"
	"github.com/brakerun/convoy/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConverter struct{ called int }

func (c *stubConverter) Convert(ctx context.Context, inputPath, outDir string, opts protocol.FileOptions) error {
	c.called++
	return os.WriteFile(filepath.Join(outDir, "out.png"), []byte("converted"), 0o644)
}

// fakeDispatcher listens on a TCP port, replies "ack" to new_convertor,
// and records every other header it receives.
type fakeDispatcher struct {
	ln       net.Listener
	received chan *protocol.Envelope
}

func newFakeDispatcher(t *testing.T) *fakeDispatcher {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fd := &fakeDispatcher{ln: ln, received: make(chan *protocol.Envelope, 32)}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fd.handle(conn)
		}
	}()
	return fd
}

func (fd *fakeDispatcher) handle(conn net.Conn) {
	defer conn.Close()
	h, err := transport.ReadFramed(conn, transport.DefaultMaxHeaderBytes)
	if err != nil {
		return
	}
	if h.ByteLength != nil {
		transport.RecvExact(conn, int(*h.ByteLength))
	}

	if h.Type == protocol.TypeNewConvertor {
		ack := protocol.AckMessage(1)
		transport.SendTCP(net.JoinHostPort(h.Host, strconv.Itoa(h.Port)), ack, time.Second, time.Second)
	}

	fd.received <- h
}

func (fd *fakeDispatcher) port() int { return fd.ln.Addr().(*net.TCPAddr).Port }
func (fd *fakeDispatcher) close()    { fd.ln.Close() }

func testConfig(t *testing.T, dispatcherPort int) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Worker: config.WorkerConfig{
			DispatcherHost:  "127.0.0.1",
			DispatcherTCP:   dispatcherPort,
			DispatcherUDP:   dispatcherPort,
			RegisterRetries: 2,
		},
		Heartbeat: config.HeartbeatConfig{Interval: 50 * time.Millisecond, Timeout: time.Second, LivenessPeriod: time.Second},
		Transport: config.TransportConfig{
			ConnectTimeout: time.Second,
			SendTimeout:    time.Second,
			RecvTimeout:    time.Second,
			MaxHeaderBytes: transport.DefaultMaxHeaderBytes,
		},
		Storage: config.StorageConfig{
			JobsInputDir: dir,
			JobsOutDir:   filepath.Join(dir, "out"),
		},
	}
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestWorkerRegistersAndGetsAck(t *testing.T) {
	fd := newFakeDispatcher(t)
	defer fd.close()

	cfg := testConfig(t, fd.port())
	log, err := logger.New(filepath.Join(t.TempDir(), "worker.log"), logger.LevelInfo, false)
	require.NoError(t, err)

	conv := &stubConverter{}
	w := New(cfg, log, nil, conv, "127.0.0.1", freePort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go w.tcpServer.Serve(ctx.Done())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, w.Register(ctx))
	assert.Equal(t, 1, w.ID())

	select {
	case h := <-fd.received:
		assert.Equal(t, protocol.TypeNewConvertor, h.Type)
		assert.NotEmpty(t, h.Nonce)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never saw registration")
	}
}

func TestProcessSingleJobSendsImagesReady(t *testing.T) {
	fd := newFakeDispatcher(t)
	defer fd.close()

	cfg := testConfig(t, fd.port())
	log, err := logger.New(filepath.Join(t.TempDir(), "worker.log"), logger.LevelInfo, false)
	require.NoError(t, err)

	conv := &stubConverter{}
	w := New(cfg, log, nil, conv, "127.0.0.1", freePort(t))
	w.id = 5
	w.batchID = 1

	inputPath := filepath.Join(cfg.Storage.JobsInputDir, "photo.png")
	require.NoError(t, os.WriteFile(inputPath, []byte("src-bytes"), 0o644))

	jobID, batchID := 1, 1
	job := &protocol.Envelope{
		Type:      protocol.TypeNewJob,
		JobID:     &jobID,
		BatchID:   &batchID,
		Filename:  "photo.png",
		SavedPath: inputPath,
		Options:   &protocol.FileOptions{Type: "default", SizeType: "content"},
	}

	w.processSingleJob(context.Background(), job)
	assert.Equal(t, 1, conv.called)

	select {
	case h := <-fd.received:
		assert.Equal(t, protocol.TypeImagesReady, h.Type)
		require.NotNil(t, h.JobID)
		assert.Equal(t, jobID, *h.JobID)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never received images_ready")
	}
}

func TestProcessSingleJobReportsConverterError(t *testing.T) {
	fd := newFakeDispatcher(t)
	defer fd.close()

	cfg := testConfig(t, fd.port())
	log, err := logger.New(filepath.Join(t.TempDir(), "worker.log"), logger.LevelInfo, false)
	require.NoError(t, err)

	w := New(cfg, log, nil, failingConverter{}, "127.0.0.1", freePort(t))
	w.id = 9

	jobID, batchID := 2, 1
	job := &protocol.Envelope{
		Type:     protocol.TypeNewJob,
		JobID:    &jobID,
		BatchID:  &batchID,
		Filename: "bad.png",
		Options:  &protocol.FileOptions{Type: "default"},
	}

	w.processSingleJob(context.Background(), job)

	select {
	case h := <-fd.received:
		assert.Equal(t, protocol.TypeJobError, h.Type)
		assert.Equal(t, "convert", h.Stage)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never received job_error")
	}
}

type failingConverter struct{}

func (failingConverter) Convert(ctx context.Context, inputPath, outDir string, opts protocol.FileOptions) error {
	return assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "conversion exploded" }
