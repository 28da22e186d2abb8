package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"parley/internal/provider/factory"
	"parley/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose conversation sessions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if port <= 0 || port > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", port)
				}
				cfg.Server.Port = port
			}

			builder := factory.New(cfg, slog.Default())
			defer builder.Close()

			srv, err := server.New(cfg, builder)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server port from configuration")
	return cmd
}
