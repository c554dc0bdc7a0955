package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roadrl/carlaenv/internal/config"
)

func newPortCmd(root *rootOptions) *cobra.Command {
	var preferred int
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print a free RPC port and its traffic manager port",
		Long: "Scans the configured port range for a free RPC port whose neighbour is free too,\n" +
			"then picks the traffic manager port. Prints \"<rpc> <tm>\"; tm is 0 when the\n" +
			"traffic manager is disabled.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(root)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := config.GetServerConfig()
			if cmd.Flags().Changed("preferred") {
				cfg.Port = preferred
			}
			rpc, tm, err := newSupervisor(a, cfg).Ports()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d %d\n", rpc, tm)
			return err
		},
	}
	cmd.Flags().IntVar(&preferred, "preferred", 0, "try this RPC port first")
	return cmd
}
