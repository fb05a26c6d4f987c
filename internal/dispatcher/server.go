package dispatcher

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/brakerun/convoy/internal/config"
	"github.com/brakerun/convoy/internal/logger"
	"github.com/brakerun/convoy/internal/metrics"
	"github.com/brakerun/convoy/internal/protocol"
	"github.com/brakerun/convoy/internal/transport"
)

// Dispatcher owns the worker registry, the current batch, the job
// table, and the TCP/UDP listeners that keep them moving. It is the
// composition root for the dispatcher binary's runtime behavior.
type Dispatcher struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.DispatcherCollector

	Registry *Registry
	Batches  *BatchManager
	Jobs     *JobTable

	tcpServer *transport.Server
}

func New(cfg *config.Config, log *logger.Logger, m *metrics.DispatcherCollector) *Dispatcher {
	reg := NewRegistry()
	batches := NewBatchManager()
	jobs := NewJobTable(reg, batches)

	d := &Dispatcher{cfg: cfg, log: log, metrics: m, Registry: reg, Batches: batches, Jobs: jobs}

	d.tcpServer = transport.NewServer(transport.ServerConfig{
		Host:           cfg.Dispatcher.Host,
		Port:           cfg.Dispatcher.TCPPort,
		StoragePath:    cfg.Storage.UploadsDir,
		MaxHeaderBytes: cfg.Transport.MaxHeaderBytes,
		RecvTimeout:    cfg.Transport.RecvTimeout,
		Log:            log,
	}, d.handleTCPMessage)

	return d
}

// ServeTCP runs the control/file-transfer listener until stop fires.
func (d *Dispatcher) ServeTCP(stop <-chan struct{}) error {
	return d.tcpServer.Serve(stop)
}

// ServeUDP runs the heartbeat listener until stop fires.
func (d *Dispatcher) ServeUDP(stop <-chan struct{}) error {
	return transport.ServeUDP(d.cfg.Dispatcher.Host, d.cfg.Dispatcher.UDPPort, stop, d.handleHeartbeat, d.log)
}

// MonitorLiveness periodically marks unresponsive workers dead and
// reassigns the jobs they were holding, until stop fires.
func (d *Dispatcher) MonitorLiveness(stop <-chan struct{}) error {
	ticker := time.NewTicker(d.cfg.Heartbeat.LivenessPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case now := <-ticker.C:
			d.sweepDeadWorkers(now)
		}
	}
}

func (d *Dispatcher) sweepDeadWorkers(now time.Time) {
	abandoned := d.Registry.CheckLiveness(d.cfg.Heartbeat.Timeout, now)
	for workerID, jobIDs := range abandoned {
		if len(jobIDs) == 0 {
			continue
		}
		d.log.Warn("worker %d marked dead, reassigning %d job(s)", workerID, len(jobIDs))

		for _, req := range d.Jobs.AbandonedRequests(jobIDs) {
			d.redispatch(req)
		}
	}

	if d.metrics != nil {
		alive, dead := d.Registry.Counts()
		d.metrics.SetWorkerCounts(alive, dead)
	}
}

func (d *Dispatcher) redispatch(req JobRequest) {
	var jobID int
	if req.JobID != nil {
		jobID = *req.JobID
	}

	fi, err := os.Stat(req.SourcePath)
	if err != nil {
		d.log.Error("cannot reassign job %d: source file missing: %v", jobID, err)
		if d.metrics != nil {
			d.metrics.RecordJobDispatchLost()
		}
		return
	}

	dialCfg := DialConfig{
		ConnectTimeout: d.cfg.Transport.ConnectTimeout,
		SendTimeout:    d.cfg.Transport.SendTimeout,
		FileSize:       fi.Size(),
	}

	if _, err := d.Jobs.StartJob(req, dialCfg); err != nil {
		d.log.Error("reassigning job %d failed: %v", jobID, err)
		if d.metrics != nil {
			d.metrics.RecordJobDispatchLost()
		}
		return
	}

	if d.metrics != nil {
		d.metrics.RecordJobReassigned()
	}
}

// NewBatch starts a new batch, broadcasting the switch to every known
// worker so they drop whatever they were doing for the previous one.
func (d *Dispatcher) NewBatch() int {
	batchID := d.Batches.NewBatch()
	d.Jobs.Reset()

	msg, err := protocol.NewBatchMessage(batchID)
	if err != nil {
		d.log.Error("building new_batch message: %v", err)
		return batchID
	}

	for _, w := range d.Registry.All() {
		if w.Status != WorkerAlive {
			continue
		}
		if err := transport.SendTCP(w.Addr(), msg, d.cfg.Transport.ConnectTimeout, d.cfg.Transport.SendTimeout); err != nil {
			d.log.Warn("notifying worker %d of new batch %d: %v", w.ID, batchID, err)
		}
	}

	if d.metrics != nil {
		d.metrics.SetBatch(batchID, 0)
	}
	return batchID
}

// Shutdown broadcasts a shutdown message to every known worker.
func (d *Dispatcher) Shutdown() {
	msg, err := protocol.ShutdownMessage(d.cfg.Dispatcher.Host, d.cfg.Dispatcher.TCPPort)
	if err != nil {
		d.log.Error("building shutdown message: %v", err)
		return
	}
	for _, w := range d.Registry.All() {
		if w.Status != WorkerAlive {
			continue
		}
		if err := transport.SendTCP(w.Addr(), msg, d.cfg.Transport.ConnectTimeout, d.cfg.Transport.SendTimeout); err != nil {
			d.log.Warn("notifying worker %d of shutdown: %v", w.ID, err)
		}
	}
}

func (d *Dispatcher) handleTCPMessage(h *protocol.Envelope) {
	switch h.Type {
	case protocol.TypeNewConvertor:
		d.handleNewConvertor(h)
	case protocol.TypeImagesReady:
		d.handleImagesReady(h)
	case protocol.TypeJobError:
		d.handleJobError(h)
	case protocol.TypeShutdown:
		d.log.Info("received unexpected shutdown message from %s:%d", h.Host, h.Port)
	default:
		d.log.Warn("dispatcher received unrecognized message type: %s", h.Type)
	}
}

func (d *Dispatcher) handleNewConvertor(h *protocol.Envelope) {
	w, isNewIncarnation := d.Registry.Register(h.Host, h.Port, h.Nonce)
	if isNewIncarnation {
		d.log.Info("worker %d reconnected with a new incarnation nonce (host %s:%d)", w.ID, h.Host, h.Port)
	}
	d.log.Info("registered worker %d at %s:%d", w.ID, h.Host, h.Port)

	ack := protocol.AckMessage(w.ID)
	if err := transport.SendTCP(w.Addr(), ack, d.cfg.Transport.ConnectTimeout, d.cfg.Transport.SendTimeout); err != nil {
		d.log.Error("sending ack to worker %d: %v", w.ID, err)
	}
}

func (d *Dispatcher) handleImagesReady(h *protocol.Envelope) {
	if h.JobID == nil || h.BatchID == nil || h.WorkerID == nil {
		d.log.Error("images_ready message missing job_id/batch_id/worker_id")
		return
	}
	if d.Batches.CurrentBatchID() != *h.BatchID {
		d.log.Warn("images_ready for stale batch %d (current is %d), ignoring", *h.BatchID, d.Batches.CurrentBatchID())
		return
	}

	d.Jobs.Complete(*h.JobID, *h.WorkerID, h.Paths)
	if d.metrics != nil {
		rec, ok := d.Jobs.Get(*h.JobID)
		if ok {
			d.metrics.RecordJobCompleted(time.Since(rec.StartedAt).Seconds())
		}
	}
}

func (d *Dispatcher) handleJobError(h *protocol.Envelope) {
	if h.JobID == nil || h.WID == nil {
		d.log.Error("job_error message missing job_id/w_id")
		return
	}
	if h.BatchID != nil && d.Batches.CurrentBatchID() != *h.BatchID {
		d.log.Warn("job_error for stale batch %d (current is %d), ignoring", *h.BatchID, d.Batches.CurrentBatchID())
		return
	}
	d.log.Warn("job %d failed on worker %d at stage %s: %s", *h.JobID, *h.WID, h.Stage, h.Error)
	d.Jobs.Fail(*h.JobID, *h.WID, h.Stage, h.Error)
	if d.metrics != nil {
		d.metrics.RecordJobErrored()
	}
}

func (d *Dispatcher) handleHeartbeat(h *protocol.Envelope, from net.Addr) {
	if h.WorkerID == nil {
		return
	}
	d.Registry.MarkHeartbeat(*h.WorkerID, time.Now())
	_ = from // address is only useful for diagnostics; the worker id is authoritative
}

// StartJob is the dispatcher's externally-driven entry point for
// submitting a job: it reads the source file's size and hands off to
// the job table's scheduling logic.
func (d *Dispatcher) StartJob(req JobRequest) (*JobRecord, error) {
	fi, err := os.Stat(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat job source %s: %w", req.SourcePath, err)
	}

	dialCfg := DialConfig{
		ConnectTimeout: d.cfg.Transport.ConnectTimeout,
		SendTimeout:    d.cfg.Transport.SendTimeout,
		FileSize:       fi.Size(),
	}

	rec, err := d.Jobs.StartJob(req, dialCfg)
	if err == nil && d.metrics != nil {
		d.metrics.RecordJobStarted()
	}
	return rec, err
}
