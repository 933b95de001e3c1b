// Package main is the Manager role binary: it acquires the manager lock
// and runs the page-range assignment tick loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaofeng19920506/crawl-worker/internal/app"
	"github.com/xiaofeng19920506/crawl-worker/internal/manager"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "manager: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-manager",
		Short: "Single-leader controller that partitions the page range across General workers",
		Long: `crawl-manager acquires the manager lock, watches General-worker
heartbeats, and assigns page ranges in even-distribution or round-robin
rotation mode. Exactly one replica acts at a time; additional replicas
exit on lock contention.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(cmd.Context(), cfgFile)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (env vars with CRAWL_ prefix otherwise)")
	return cmd
}

func runManager(ctx context.Context, cfgFile string) error {
	application, err := app.New(ctx, cfgFile, "manager")
	if err != nil {
		return err
	}

	m := manager.New(application.Coordinator, application.Clock, application.Logger,
		application.Lease, manager.Params{
			TickPeriod:        time.Duration(application.Cfg.Manager.TickSeconds) * time.Second,
			TLive:             application.Cfg.TLive(),
			RotationEnabled:   application.Cfg.Rotation.Enabled,
			RotationBatchSize: application.Cfg.Rotation.BatchSize,
		})
	m.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application.Close(shutdownCtx)
	return nil
}
