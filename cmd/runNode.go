package cmd

import (
	"github.com/spf13/cobra"

	"github.com/api3dao/airnode-go/node"
)

var (
	runNodeCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the oracle node",
		Long: `Initialize and run the oracle node round loop.

Use --config=path-to-your-config-file. default is=./config/airnode.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return node.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runNodeCmd)
}
