package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/config"
	"github.com/agentserver/sandboxd/internal/facade"
	"github.com/agentserver/sandboxd/internal/logging"
	"github.com/agentserver/sandboxd/internal/metrics"
	"github.com/agentserver/sandboxd/internal/resource"
	"github.com/agentserver/sandboxd/internal/rpcserver"
	"github.com/agentserver/sandboxd/internal/sandboxclient"
	"github.com/agentserver/sandboxd/internal/session"
)

var addr string

const quarantineSweeps = 2 // two consecutive sweeps before an unowned sandbox is reclaimed

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd RPC server",
	Run: func(cmd *cobra.Command, args []string) {
		logger := logging.New(os.Stdout)

		cfg, err := config.FromEnv(os.Getenv)
		if err != nil {
			log.Fatalf("configuration: %v", err)
		}

		templates := catalog.DefaultTemplateSet()

		client := sandboxclient.New(cfg.ServerURL, cfg.APIKey, &http.Client{Timeout: 60 * time.Second})

		sessions := session.NewManager(client, templates, "default", cfg.SessionTimeout, cfg.CleanupInterval, cfg.SandboxStartTimeout, logger)

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		resources := resource.NewManager(sessions, client, cfg.MaxSessions, cfg.MaxTotalMemoryMiB, quarantineSweeps, m, logger)

		f := facade.New(cfg, sessions, resources, templates, m, logger)

		ctx, cancel := context.WithCancel(context.Background())
		if err := f.Start(ctx); err != nil {
			cancel()
			log.Fatalf("start: %v", err)
		}

		rpc := rpcserver.New(f, logger)
		mux := http.NewServeMux()
		mux.Handle("/", rpc.Router())
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		httpServer := &http.Server{Addr: addr, Handler: mux}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)

			f.Stop(shutdownCtx)
			cancel()
		}()

		logger.Info().Str("addr", addr).Str("provider", cfg.ServerURL).Msg("sandboxd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
}
