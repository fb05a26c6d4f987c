package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brakerun/convoy/internal/app"
	"github.com/brakerun/convoy/internal/metrics"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "convoy-dispatcher",
	Short: "Convoy is a distributed image-conversion worker coordinator",
	Long:  `The dispatcher registers workers, schedules jobs across them, and tracks batch completion.`,
	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "Path to the dispatcher config file")
}

func run() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-sigChan
		fmt.Println("\ninterrupt received, shutting down dispatcher gracefully...")
		cancel()
	}()

	appCtx, err := app.NewDispatcherContext(configPath)
	if err != nil {
		log.Fatalf("dispatcher init error: %v", err)
	}

	go func() {
		if err := metrics.Serve(ctx, appCtx.Config.Metrics.Port); err != nil {
			appCtx.Logger.Error("metrics server stopped: %v", err)
		}
	}()

	appCtx.Logger.Info("convoy-dispatcher starting")
	if err := appCtx.Dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		appCtx.Logger.Fatal("dispatcher stopped with error: %v", err)
	}

	appCtx.Dispatcher.Shutdown()
	appCtx.Logger.Info("convoy-dispatcher stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
