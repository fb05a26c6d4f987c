// Package worker implements the conversion-worker side of the protocol:
// registration, the control channel (ack/new_batch/new_job/shutdown),
// heartbeats, and per-job processing.
package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brakerun/convoy/internal/config"
	"github.com/brakerun/convoy/internal/logger"
	"github.com/brakerun/convoy/internal/metrics"
	"github.com/brakerun/convoy/internal/protocol"
	"github.com/brakerun/convoy/internal/transport"
	"github.com/segmentio/ksuid"
)

// Worker drives one conversion worker process: it registers with the
// dispatcher, answers control messages on its own TCP listener, and
// processes jobs one at a time off an internal queue.
type Worker struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.WorkerCollector
	conv    Converter

	host  string
	port  int
	nonce string

	mu      sync.Mutex
	id      int
	batchID int

	jobQueue  chan *protocol.Envelope
	control   chan *protocol.Envelope
	shutdown  chan struct{}
	tcpServer *transport.Server
}

// New builds a worker bound to host:port for its own control/file
// listener. The incarnation nonce is generated once per process, per
// SPEC_FULL.md's registration expansion.
func New(cfg *config.Config, log *logger.Logger, m *metrics.WorkerCollector, conv Converter, host string, port int) *Worker {
	w := &Worker{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		conv:     conv,
		host:     host,
		port:     port,
		nonce:    ksuid.New().String(),
		jobQueue: make(chan *protocol.Envelope, 256),
		control:  make(chan *protocol.Envelope, 16),
		shutdown: make(chan struct{}),
	}

	w.tcpServer = transport.NewServer(transport.ServerConfig{
		Host:           host,
		Port:           port,
		StoragePath:    cfg.Storage.JobsInputDir,
		MaxHeaderBytes: cfg.Transport.MaxHeaderBytes,
		RecvTimeout:    cfg.Transport.RecvTimeout,
		Log:            log,
	}, w.routeControlMessage)

	return w
}

func (w *Worker) dispatcherAddr() string {
	return net.JoinHostPort(w.cfg.Worker.DispatcherHost, fmt.Sprintf("%d", w.cfg.Worker.DispatcherTCP))
}

func (w *Worker) dispatcherUDPAddr() string {
	return net.JoinHostPort(w.cfg.Worker.DispatcherHost, fmt.Sprintf("%d", w.cfg.Worker.DispatcherUDP))
}

// routeControlMessage is the worker's own TCP server's handler: new_job
// goes onto the job queue; ack, new_batch and shutdown go onto the
// control channel, where Register picks up the ack and the
// job-processing loop handles the rest.
func (w *Worker) routeControlMessage(h *protocol.Envelope) {
	switch h.Type {
	case protocol.TypeAck:
		select {
		case w.control <- h:
		default:
		}
	case protocol.TypeNewJob:
		select {
		case w.jobQueue <- h:
		default:
			w.log.Warn("job queue full, dropping job %v", h.JobID)
		}
	case protocol.TypeNewBatch, protocol.TypeShutdown:
		select {
		case w.control <- h:
		default:
		}
	default:
		w.log.Warn("worker received unrecognized control message: %s", h.Type)
	}
}

// Register attempts to join the dispatcher's fleet, retrying up to
// RegisterRetries times with a fresh connection attempt each time. Each
// attempt waits up to 10 seconds for an ack to arrive on the worker's own
// TCP listener before giving up and retrying — mirroring the reference worker's bounded registration
// handshake rather than retrying forever.
func (w *Worker) Register(ctx context.Context) error {
	msg, err := protocol.NewConvertorMessage(w.host, w.port, w.nonce)
	if err != nil {
		return err
	}

	attempts := w.cfg.Worker.RegisterRetries
	if attempts <= 0 {
		attempts = 4
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := transport.SendTCP(w.dispatcherAddr(), msg, w.cfg.Transport.ConnectTimeout, w.cfg.Transport.SendTimeout); err != nil {
			lastErr = err
			w.log.Warn("registration attempt %d/%d failed to send: %v", i+1, attempts, err)
			continue
		}

		select {
		case ack := <-w.control:
			if ack.Type != protocol.TypeAck || ack.ID == nil {
				lastErr = fmt.Errorf("unexpected response to registration: %s", ack.Type)
				continue
			}
			w.mu.Lock()
			w.id = *ack.ID
			w.mu.Unlock()
			w.log.Info("registered with dispatcher as worker %d", *ack.ID)
			return nil
		case <-time.After(10 * time.Second):
			lastErr = fmt.Errorf("registration attempt %d/%d timed out waiting for ack", i+1, attempts)
			w.log.Warn("%v", lastErr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("worker registration failed after %d attempts: %w", attempts, lastErr)
}

func (w *Worker) ID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Run starts the worker's own TCP listener, registers with the
// dispatcher, starts the heartbeat emitter, and processes jobs until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	stop := ctx.Done()
	serverErr := make(chan error, 1)
	go func() { serverErr <- w.tcpServer.Serve(stop) }()

	// Give the listener a moment to bind before announcing ourselves.
	time.Sleep(50 * time.Millisecond)

	if err := w.Register(ctx); err != nil {
		return err
	}

	w.startHeartbeats(stop)

	go w.processJobs(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return err
	}
}
