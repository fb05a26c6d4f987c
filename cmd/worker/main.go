package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brakerun/convoy/internal/app"
	"github.com/brakerun/convoy/internal/extraction"
	"github.com/brakerun/convoy/internal/metrics"
	"github.com/brakerun/convoy/internal/worker"
	"github.com/spf13/cobra"
)

var (
	configPath    string
	converterPath string
	host          string
	port          int
)

var rootCmd = &cobra.Command{
	Use:   "convoy-worker",
	Short: "Convoy worker: registers with a dispatcher and converts assigned jobs",
	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "Path to the worker config file")
	rootCmd.Flags().StringVar(&converterPath, "converter", "", "Path to the external conversion binary")
	rootCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host this worker's own listener binds to")
	rootCmd.Flags().IntVar(&port, "port", 0, "Port this worker's own listener binds to (0 picks a free one)")
}

func run() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-sigChan
		fmt.Println("\ninterrupt received, shutting down worker gracefully...")
		cancel()
	}()

	conv := worker.NewCLIConverter(converterPath)

	if port == 0 {
		free, err := pickPort(host)
		if err != nil {
			log.Fatalf("unable to find a free port: %v", err)
		}
		port = free
	}

	appCtx, err := app.NewWorkerContext(configPath, conv, host, port)
	if err != nil {
		log.Fatalf("worker init error: %v", err)
	}

	go func() {
		if err := metrics.Serve(ctx, appCtx.Config.Metrics.Port); err != nil {
			appCtx.Logger.Error("metrics server stopped: %v", err)
		}
	}()

	appCtx.Logger.Info("convoy-worker starting on %s:%d", host, port)
	if err := appCtx.Worker.Run(ctx); err != nil && ctx.Err() == nil {
		appCtx.Logger.Fatal("worker stopped with error: %v", err)
	}
	appCtx.Logger.Info("convoy-worker stopped")
}

func pickPort(host string) (int, error) {
	const startPort = 5057
	return extraction.FindFreeTCPPort(host, startPort, 100)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
