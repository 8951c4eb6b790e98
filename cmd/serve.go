package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API without running any stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			return serveHTTP(cmd.Context(), appInstance.HTTPServer(), cfg.Server.ShutdownTimeout, appInstance.Logger())
		},
	}
}
