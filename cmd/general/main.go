// Package main is the General worker role binary: it drives the browser
// tab window over its assigned page range and runs the batch lifecycle.
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
	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/general"
	"github.com/xiaofeng19920506/crawl-worker/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "general: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-general",
		Short: "General worker that opens listing tabs and feeds Product workers",
		Long: `crawl-general heartbeats to the coordinator, reads the page range
the Manager assigned to it, opens listing tabs in paced batches, splits
each batch's pages across live Product workers, and closes the batch once
it drains. It shares its login session with every other worker through
the coordinator.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGeneral(cmd.Context(), cfgFile)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (env vars with CRAWL_ prefix otherwise)")
	return cmd
}

func runGeneral(ctx context.Context, cfgFile string) error {
	application, err := app.New(ctx, cfgFile, "general")
	if err != nil {
		return err
	}
	cfg := application.Cfg

	driver, err := browser.NewChromedpDriver(browser.ChromedpConfig{
		RemoteDebugURL: cfg.Browser.RemoteDebugURL,
		UserAgent:      cfg.Browser.UserAgent,
		NavTimeout:     time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		Proxy:          proxyFromConfig(cfg.Browser.ProxyServer, cfg.Browser.ProxyUsername, cfg.Browser.ProxyPassword),
	}, application.Logger)
	if err != nil {
		return fmt.Errorf("init browser: %w", err)
	}
	defer func() {
		_ = driver.Close()
	}()

	w := general.New(application.Coordinator, application.Clock, application.Logger,
		application.Lease, driver,
		session.NewManager(application.Coordinator, application.Logger),
		general.Params{
			ID:                 cfg.Role.ID,
			PollPeriod:         time.Duration(cfg.General.PollSeconds) * time.Second,
			HeartbeatPeriod:    time.Duration(cfg.General.HeartbeatSeconds) * time.Second,
			BatchPollPeriod:    time.Duration(cfg.General.BatchPollSeconds) * time.Second,
			TabsPerBatch:       cfg.General.TabsPerBatch,
			TabOpenDelayMin:    time.Duration(cfg.Browser.TabOpenDelayMinMs) * time.Millisecond,
			TabOpenDelayMax:    time.Duration(cfg.Browser.TabOpenDelayMaxMs) * time.Millisecond,
			SequentialTabs:     cfg.Browser.Sequential,
			TLive:              cfg.TLive(),
			ProductWorkerTotal: cfg.General.ProductWorkerTotal,
			ServiceDownWait:    time.Duration(cfg.General.ServiceDownWaitSecs) * time.Second,
			LoginWait:          time.Duration(cfg.General.LoginWaitSeconds) * time.Second,
			ListingURLTemplate: cfg.Site.ListingURLTemplate,
			DiscoverScript:     cfg.Site.DiscoverScript,
			SignedInScript:     cfg.Site.SignedInScript,
			ContextPerBatch:    cfg.Browser.ContextPerBatch,
		})
	w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Shutdown(shutdownCtx)
	application.Close(shutdownCtx)
	return nil
}

func proxyFromConfig(server, username, password string) *browser.Proxy {
	if server == "" {
		return nil
	}
	return &browser.Proxy{Server: server, Username: username, Password: password}
}
