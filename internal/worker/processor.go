package worker

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/brakerun/convoy/internal/protocol"
	"github.com/brakerun/convoy/internal/transport"
)

// processJobs is the worker's single-threaded job loop: it polls the job
// queue and the control channel, handling a batch switch or shutdown
// between jobs, and abandoning a job already in flight if shutdown fires
// mid-job. A batch switch that arrives while a job is running is handled
// by this same loop only after that job finishes; the running job is not
// abandoned.
func (w *Worker) processJobs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case ctrl := <-w.control:
			w.handleControl(ctrl)
		case job := <-w.jobQueue:
			if job.BatchID != nil {
				w.mu.Lock()
				current := w.batchID
				w.mu.Unlock()
				if *job.BatchID != current {
					w.log.Warn("dropping job %v: belongs to stale batch %d (current %d)", job.JobID, *job.BatchID, current)
					continue
				}
			}
			w.processSingleJob(ctx, job)
		case <-time.After(1 * time.Second):
			// matches the reference worker's polling cadence; nothing
			// to do, loop back around and re-check for shutdown.
		}
	}
}

func (w *Worker) handleControl(ctrl *protocol.Envelope) {
	switch ctrl.Type {
	case protocol.TypeNewBatch:
		if ctrl.BatchID == nil {
			return
		}
		w.mu.Lock()
		w.batchID = *ctrl.BatchID
		w.mu.Unlock()
		w.log.Info("switched to batch %d", *ctrl.BatchID)
		w.drainJobQueue()
		if err := os.RemoveAll(w.cfg.Storage.JobsOutDir); err != nil {
			w.log.Error("clearing output dir on batch switch: %v", err)
		}
		if err := os.MkdirAll(w.cfg.Storage.JobsOutDir, 0o755); err != nil {
			w.log.Error("recreating output dir on batch switch: %v", err)
		}
	case protocol.TypeShutdown:
		w.log.Info("received shutdown from dispatcher")
		close(w.shutdown)
	}
}

func (w *Worker) drainJobQueue() {
	for {
		select {
		case <-w.jobQueue:
		default:
			return
		}
	}
}

func (w *Worker) processSingleJob(ctx context.Context, job *protocol.Envelope) {
	if job.JobID == nil || job.BatchID == nil {
		w.log.Error("new_job message missing job_id/batch_id")
		return
	}
	jobID, batchID := *job.JobID, *job.BatchID
	start := time.Now()

	outDir := filepath.Join(w.cfg.Storage.JobsOutDir, fmt.Sprintf("%d", jobID))
	if err := os.RemoveAll(outDir); err != nil {
		w.reportError(jobID, batchID, protocol.StageUnknown, err)
		return
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		w.reportError(jobID, batchID, protocol.StageUnknown, err)
		return
	}

	opts := protocol.DefaultFileOptions()
	if job.Options != nil {
		opts = *job.Options
	}

	inputPath := job.SavedPath
	if inputPath == "" {
		inputPath = filepath.Join(w.cfg.Storage.JobsInputDir, job.Filename)
	}

	jobCtx, cancel := w.cancelableContext(ctx)
	defer cancel()

	if err := w.conv.Convert(jobCtx, inputPath, outDir, opts); err != nil {
		if w.abandonedMidJob() {
			w.log.Info("job %d abandoned mid-conversion (shutdown)", jobID)
			if w.metrics != nil {
				w.metrics.RecordAbandoned()
			}
			return
		}
		w.reportError(jobID, batchID, protocol.StageConvert, err)
		return
	}

	if w.abandonedMidJob() {
		w.log.Info("job %d abandoned after conversion (shutdown)", jobID)
		if w.metrics != nil {
			w.metrics.RecordAbandoned()
		}
		return
	}

	zipPath := outDir + ".zip"
	if err := zipDir(outDir, zipPath); err != nil {
		w.reportError(jobID, batchID, protocol.StageZip, err)
		return
	}

	if w.abandonedMidJob() {
		w.log.Info("job %d abandoned after zipping (shutdown)", jobID)
		if w.metrics != nil {
			w.metrics.RecordAbandoned()
		}
		return
	}

	fi, err := os.Stat(zipPath)
	if err != nil {
		w.reportError(jobID, batchID, protocol.StageZip, err)
		return
	}

	header := protocol.ImagesReadyMessage(batchID, jobID, w.ID(), filepath.Base(zipPath), fi.Size())
	if err := transport.SendFileTCP(w.dispatcherAddr(), header, zipPath, w.cfg.Transport.ConnectTimeout, w.cfg.Transport.SendTimeout); err != nil {
		w.log.Error("sending images_ready for job %d: %v", jobID, err)
		return
	}

	w.log.Info("job %d completed in %s (%s)", jobID, time.Since(start).Round(time.Millisecond), zipPath)
	if w.metrics != nil {
		w.metrics.RecordProcessed(time.Since(start).Seconds())
	}
}

// abandonedMidJob reports whether shutdown has started since the job was
// picked up — checked synchronously between stages rather than via a
// background goroutine racing the converter, since the converter itself
// is handed a cancelable context. A batch switch is not checked here.
func (w *Worker) abandonedMidJob() bool {
	select {
	case <-w.shutdown:
		return true
	default:
	}
	return false
}

// cancelableContext returns a context cancelled the moment the worker
// shuts down, so a long-running Converter.Convert call can bail out
// promptly instead of running to completion on abandoned work.
func (w *Worker) cancelableContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-w.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Worker) reportError(jobID, batchID int, stage protocol.JobStage, cause error) {
	w.log.Error("job %d failed at stage %s: %v", jobID, stage, cause)
	if w.metrics != nil {
		w.metrics.RecordFailed()
	}

	msg, err := protocol.JobErrorMessage(batchID, jobID, w.ID(), stage, cause.Error(), cause.Error(), false)
	if err != nil {
		w.log.Error("building job_error message for job %d: %v", jobID, err)
		return
	}
	if err := transport.SendTCP(w.dispatcherAddr(), msg, w.cfg.Transport.ConnectTimeout, w.cfg.Transport.SendTimeout); err != nil {
		w.log.Error("sending job_error for job %d: %v", jobID, err)
	}
}

// zipDir archives every regular file directly under dir into a zip at
// zipPath, matching the reference worker's shutil.make_archive step.
func zipDir(dir, zipPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addZipEntry(zw, dir, e.Name()); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addZipEntry(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, src)
	return err
}
