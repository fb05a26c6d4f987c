// Package app wires a binary's configuration, logger, and metrics into
// the long-lived object it actually runs — the dispatcher or the
// worker — the same composition-root role the teacher's own app package
// plays for its engine.
package app

import (
	"fmt"

	"github.com/brakerun/convoy/internal/config"
	"github.com/brakerun/convoy/internal/dispatcher"
	"github.com/brakerun/convoy/internal/logger"
	"github.com/brakerun/convoy/internal/metrics"
	"github.com/brakerun/convoy/internal/worker"
)

// DispatcherContext holds everything the dispatcher binary's main needs
// after flags and config are parsed.
type DispatcherContext struct {
	Config     *config.Config
	Logger     *logger.Logger
	Metrics    *metrics.DispatcherCollector
	Dispatcher *dispatcher.Dispatcher
}

func NewDispatcherContext(cfgPath string) (*DispatcherContext, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	m := metrics.NewDispatcherCollector()
	d := dispatcher.New(cfg, log, m)

	return &DispatcherContext{Config: cfg, Logger: log, Metrics: m, Dispatcher: d}, nil
}

// WorkerContext holds everything the worker binary's main needs after
// flags and config are parsed. The caller supplies the Converter and the
// worker's own host/port, since those aren't config-file concerns.
type WorkerContext struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.WorkerCollector
	Worker  *worker.Worker
}

func NewWorkerContext(cfgPath string, conv worker.Converter, host string, port int) (*WorkerContext, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	m := metrics.NewWorkerCollector()
	w := worker.New(cfg, log, m, conv, host, port)

	return &WorkerContext{Config: cfg, Logger: log, Metrics: m, Worker: w}, nil
}
