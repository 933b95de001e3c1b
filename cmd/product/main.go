// Package main is the Product worker role binary: it extracts listing
// records from the tabs General workers keep open and persists them.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaofeng19920506/crawl-worker/internal/app"
	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/extractor"
	"github.com/xiaofeng19920506/crawl-worker/internal/product"
	"github.com/xiaofeng19920506/crawl-worker/internal/session"
	"github.com/xiaofeng19920506/crawl-worker/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "product: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-product",
		Short: "Product worker that extracts listing records from open tabs",
		Long: `crawl-product heartbeats to the coordinator, consumes the page
numbers assigned to it, locates the matching listing tabs in the shared
browser, extracts their records, and upserts them with an append-only
audit trail.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProduct(cmd.Context(), cfgFile)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (env vars with CRAWL_ prefix otherwise)")
	return cmd
}

func runProduct(ctx context.Context, cfgFile string) error {
	application, err := app.New(ctx, cfgFile, "product")
	if err != nil {
		return err
	}
	cfg := application.Cfg

	records, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		DSN:      cfg.Store.DSN,
		Table:    cfg.Store.Table,
		MaxConns: int32(cfg.Store.MaxOpenConns),
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer records.Close()

	driver, err := browser.NewChromedpDriver(browser.ChromedpConfig{
		RemoteDebugURL: cfg.Browser.RemoteDebugURL,
		UserAgent:      cfg.Browser.UserAgent,
		NavTimeout:     time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
	}, application.Logger)
	if err != nil {
		return fmt.Errorf("init browser: %w", err)
	}
	defer func() {
		_ = driver.Close()
	}()

	w := product.New(application.Coordinator, application.Clock, application.Logger,
		application.Lease, driver,
		session.NewManager(application.Coordinator, application.Logger),
		records,
		extractor.NewScriptExtractor(cfg.Site.ExtractScript),
		product.Params{
			ID:              cfg.Role.ID,
			PollPeriod:      time.Duration(cfg.Product.PollSeconds) * time.Second,
			HeartbeatPeriod: time.Duration(cfg.Product.HeartbeatSeconds) * time.Second,
			TLive:           cfg.TLive(),
			SiteHost:        hostOf(cfg.Site.BaseURL),
		})
	w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Shutdown(shutdownCtx)
	application.Close(shutdownCtx)
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
