package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/discovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
)

func newDiscoverCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Search the local network for bridges and print them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)
			orch := newOrchestrator(cfg, status.LogSink{Logger: *zerolog.Ctx(ctx)})

			devs, err := orch.Discover(ctx, discovery.Options{SpecificIdentifier: id})
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devs)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Bridge id to look for; also queries the cloud registry")
	return cmd
}

func printDevices(w io.Writer, devs []bridgediscovery.ConfirmedDevice) {
	for _, d := range devs {
		name := d.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.NormalizedID, d.HostPort(), name, d.Method)
	}
}
