package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/modernjs-estimator/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the estimator HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(rt.cfg, rt.logger, server.Options{})
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run app: %w", err)
			}
			return nil
		},
	}
}
