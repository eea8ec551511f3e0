package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/rendis/e2ekit/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the e2ekit tools over MCP stdio",
		Long: `Serve pipeline.plan, cleanup.list and cleanup.retry to an MCP client
over stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.retrier()
				if err != nil {
					return err
				}
				srv := mcpserver.NewServer(mcpserver.ServerDeps{
					Store:   a.store,
					Retrier: r,
					Version: version,
					Logger:  a.logger,
				})

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				a.logger.Info("mcp server listening on stdio")
				if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
}
