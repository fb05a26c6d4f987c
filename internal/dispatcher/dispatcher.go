package dispatcher

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run starts the TCP listener, UDP listener, and liveness monitor, and
// blocks until ctx is cancelled or one of them returns an error. All
// three are supervised together: if any one dies, the others are told
// to stop too, the way the reference dispatcher's daemon threads all go
// down together when the process exits.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := ctx.Done()

	g.Go(func() error {
		d.log.Info("dispatcher TCP listener starting on %s:%d", d.cfg.Dispatcher.Host, d.cfg.Dispatcher.TCPPort)
		return d.ServeTCP(stop)
	})

	g.Go(func() error {
		d.log.Info("dispatcher UDP listener starting on %s:%d", d.cfg.Dispatcher.Host, d.cfg.Dispatcher.UDPPort)
		return d.ServeUDP(stop)
	})

	g.Go(func() error {
		return d.MonitorLiveness(stop)
	})

	return g.Wait()
}
