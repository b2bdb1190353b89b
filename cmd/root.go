package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/airnode.yaml"
	rootCmd = &cobra.Command{
		Use:   "airnode",
		Short: "Airnode oracle node CLI",
		Long: `CLI to run and interact with the Airnode oracle node.

Use "airnode run" to start the node against a config file.
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/airnode.yaml", "Path to config file")
}
