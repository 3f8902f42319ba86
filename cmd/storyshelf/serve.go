package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/fulfillment"
	"github.com/jackzampolin/storyshelf/internal/home"
	"github.com/jackzampolin/storyshelf/internal/server"
	"github.com/jackzampolin/storyshelf/internal/telemetry"
)

var (
	serveHost  string
	servePort  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storyshelf server",
	Long: `Start the storyshelf HTTP server.

Configuration is read from --config (or config.yaml in . and ~/.storyshelf)
and reloaded on change. Print vendor credentials come from the environment
only:

  STORYSHELF_FULFILLMENT_URL       vendor API base URL
  STORYSHELF_FULFILLMENT_API_KEY   vendor API key
  STORYSHELF_FULFILLMENT_MODE      draft (default) or order

The server provides:
  - /health - Basic server health check
  - /ready  - Readiness check (includes the store)

Examples:
  storyshelf serve                    # Start on the configured port
  storyshelf serve --port 3000        # Start on custom port
  storyshelf serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		level := slog.LevelInfo
		if serveDebug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		cfgMgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfgMgr.WatchConfig()
		if f := cfgMgr.ConfigFile(); f != "" {
			logger.Info("loaded config", "file", f)
		}
		appCfg := cfgMgr.Get()

		telCfg, err := telemetry.LoadConfig()
		if err != nil {
			return err
		}
		shutdownTracing, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("failed to flush traces", "error", err)
			}
		}()

		vendor, err := fulfillment.LoadEnv()
		if err != nil {
			return err
		}
		if !vendor.Configured() {
			logger.Warn("fulfillment vendor not configured; dispatch is disabled")
		}

		host, port := appCfg.Server.Host, appCfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		// Create server
		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          h,
			ConfigManager: cfgMgr,
			Fulfillment:   vendor,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
}
