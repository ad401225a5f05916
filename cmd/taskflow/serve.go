package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskflow/internal/config"
	"taskflow/internal/events"
	"taskflow/internal/server"
)

func newServeCommand() *cobra.Command {
	var addr string
	var natsURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := config.Overrides{}
			if addr != "" {
				overrides.ServerAddr = &addr
			}
			if natsURL != "" {
				overrides.NATSURL = &natsURL
			}
			cfg, _, err := loadRuntimeConfig(overrides)
			if err != nil {
				return err
			}

			app, err := buildApp(cfg, nil)
			if err != nil {
				return err
			}
			defer app.close()

			if cfg.NATSURL != "" {
				bridge, err := events.NewNATSBridge(cfg.NATSURL, app.bus, app.logger)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer bridge.Close()
			}

			debug, _ := cmd.Flags().GetBool("verbose")
			srv := server.New(server.Config{
				Addr:    cfg.ServerAddr,
				Runner:  app.runner,
				Bus:     app.bus,
				MCP:     app.mcp,
				Options: app.runnerOptions(true),
				Debug:   debug,
				Logger:  app.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :8080)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "Mirror events to this NATS server")
	return cmd
}
