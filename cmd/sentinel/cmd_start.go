package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cnrmurphy/sentinel/internal/agents"
	"github.com/cnrmurphy/sentinel/internal/api"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/config"
	"github.com/cnrmurphy/sentinel/internal/ingest"
	"github.com/cnrmurphy/sentinel/internal/proxy"
	"github.com/cnrmurphy/sentinel/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newStartCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			setupLogging(cfg.LogLevel)
			return runProxy(cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 9000, "port to listen on")
	return cmd
}

func runProxy(cfg config.Config) error {
	slog.Info("sentinel starting",
		"port", cfg.Port,
		"upstream", cfg.UpstreamURL,
		"data_dir", cfg.DataDir,
		"subscriber_buffer", cfg.SubscriberBuffer,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	slog.Info("database ready", "path", cfg.DBPath())

	b := bus.New(cfg.SubscriberBuffer)
	rec := bus.NewRecorder(st, b)
	registry := agents.NewRegistry(st, cfg.IdleAfter)

	proxyHandler, err := proxy.New(rec, registry, proxy.Config{
		UpstreamURL:    cfg.UpstreamURL,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TapBufferBytes: cfg.TapBufferBytes,
	})
	if err != nil {
		st.Close()
		return err
	}

	srv := api.NewServer(st, b, rec, registry, proxyHandler)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	var labelIngress *ingest.Ingester
	if cfg.NatsURL != "" {
		labelIngress, err = ingest.New(cfg.NatsURL, srv.IngestLabel)
		if err != nil {
			slog.Warn("label ingress unavailable", "nats_url", cfg.NatsURL, "error", err)
		} else if err := labelIngress.Start(); err != nil {
			slog.Warn("label ingress failed to start", "error", err)
			labelIngress.Close()
			labelIngress = nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("sentinel proxy listening", "addr", httpSrv.Addr)
		slog.Info("route traffic through the proxy",
			"hint", fmt.Sprintf("ANTHROPIC_BASE_URL=http://127.0.0.1:%d", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// In-flight requests get a grace period; push-channel handlers
		// only return once the bus releases them, so a second, shorter
		// drain follows the bus close.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)

		b.Close()

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDrain()
		_ = httpSrv.Shutdown(drainCtx)
		_ = httpSrv.Close()

		if labelIngress != nil {
			labelIngress.Close()
		}
		return nil
	})

	err = g.Wait()

	if cerr := st.Close(); cerr != nil {
		slog.Error("closing store failed", "error", cerr)
	}
	slog.Info("sentinel stopped")
	return err
}
