package cli

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		port  int
		token string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the abgoat HTTP server.

The server provides:
  - Tracking endpoint (POST /e) for impressions, conversions and revenue
  - Operator API under /api/tests (requires the API token)
  - Prometheus metrics at /metrics
  - Health check endpoint

Example:
  abgoat serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("port") && os.Getenv("ABG_PORT") == "" {
					port = a.cfg.Server.Port
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				srv := server.New(a.engine, port, token, a.cfg.Server.TokenFile, a.logger)
				return srv.Start(ctx)
			})
		},
	}

	defaultPort := 8080
	if p := os.Getenv("ABG_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	cmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on (overrides server.port)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ABG_TOKEN"), "API token (random when empty)")
	return cmd
}
