package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), bridgediscovery.VersionInfo())
		},
	}
}
