package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"darwin/pkg/api"
	"darwin/pkg/mcpserver"
	"darwin/pkg/version"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API and Prometheus metrics",
		Long: `Serve the control API. When DARWIN_API_KEY is set every /api route requires
"Authorization: Bearer <key>"; /health and /metrics stay open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			addr := listen
			if addr == "" {
				addr = a.cfg.Listen
			}
			if a.cfg.APIKey == "" {
				a.logger.Warn("DARWIN_API_KEY is not set; the API accepts unauthenticated requests")
			}

			srv := api.NewServer(a.controller, api.Options{
				APIKey:   a.cfg.APIKey,
				Runner:   a.newDriver(driverOptions{}),
				Gatherer: a.registry,
				Recorder: a.recorder,
				Version:  version.Version,
			})
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from DARWIN_LISTEN, else :8000)")
	return cmd
}

func newMCPCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the control tools over MCP on stdio",
		Long: `Start an MCP server over stdin/stdout so an assistant can list signals and
issues, approve or reject fixes, and start non-interactive pipeline runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcpserver.NewServer(a.controller, a.newDriver(driverOptions{}), version.Version)
			return srv.Run(ctx)
		},
	}
}
