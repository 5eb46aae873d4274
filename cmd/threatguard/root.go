package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "threatguard",
		Short:         "Security monitoring and automatic defense",
		Version:       version,
		SilenceUsage:  true,
	}

	root.PersistentFlags().String("config", "", "Configuration file path (default configs/config.yaml)")

	root.AddCommand(newServeCmd(), newClassifyCmd())
	return root
}
