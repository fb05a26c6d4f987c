package worker

import "github.com/brakerun/convoy/internal/transport"

// startHeartbeats launches the UDP heartbeat emitter in the background.
// It is a thin wrapper so Run reads as a sequence of lifecycle steps
// rather than inlining the heartbeat loop's own channel plumbing.
func (w *Worker) startHeartbeats(stop <-chan struct{}) {
	go transport.SendHeartbeats(w.ID(), w.dispatcherUDPAddr(), w.cfg.Heartbeat.Interval, stop, w.log)
}
