package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marcuoli/go-bridgediscovery/internal/adminhttp"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/connection"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/credentials"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/discovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
)

var errAmbiguous = errors.New("several bridges found, pick one with --id")

func newConnectCmd() *cobra.Command {
	var (
		id        string
		key       string
		adminAddr string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a bridge and keep the connection alive until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)
			cfg := configFrom(ctx)
			if adminAddr != "" {
				cfg.Admin.Addr = adminAddr
			}

			latest := &status.Latest{}
			sink := status.Multi{status.LogSink{Logger: *log}, latest}

			if cfg.Admin.Addr != "" {
				if err := adminhttp.NewServer(cfg.Admin.Addr, latest).Start(ctx); err != nil {
					return fmt.Errorf("admin listener: %w", err)
				}
			}

			store := newStore(cfg)
			if fs, ok := store.(*credentials.FileStore); ok && cfg.Credentials.Watch {
				err := fs.Watch(ctx, func(rec *credentials.Record) {
					if rec == nil {
						log.Info().Msg("stored credentials removed")
						return
					}
					log.Info().Str("id", rec.DeviceID).Str("addr", rec.LastKnownAddress).Msg("stored credentials changed")
				})
				if err != nil {
					log.Warn().Err(err).Msg("credential file not watched")
				}
			}

			rec, err := store.Get()
			if err != nil {
				return err
			}
			fresh := needsSelect(rec, id, key)

			orch := newOrchestrator(cfg, sink)
			sup := newSupervisor(cfg, orch, store, sink)
			// a resumed sequence would fight selectBridge for the orchestrator
			sup.SkipResume = fresh
			if err := sup.Start(ctx); err != nil {
				return err
			}
			defer sup.Close()

			if fresh {
				if err := selectBridge(ctx, orch, sup, id, key); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Bridge id to connect to")
	cmd.Flags().StringVar(&key, "key", "", "Application key registered on the bridge")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "Serve /metrics and /status on this address")
	return cmd
}

// needsSelect reports whether connect has to discover a bridge instead of
// resuming the stored one.
func needsSelect(rec *credentials.Record, id, key string) bool {
	if rec == nil || key != "" {
		return true
	}
	return id != "" && bridgediscovery.NormalizeID(id) != bridgediscovery.NormalizeID(rec.DeviceID)
}

// selectBridge discovers and connects. A single result is connected to
// without asking; several results need --id.
func selectBridge(ctx context.Context, orch *discovery.Orchestrator, sup *connection.Supervisor, id, key string) error {
	devs, err := orch.Discover(ctx, discovery.Options{SpecificIdentifier: id})
	if err != nil {
		return err
	}
	target, err := pick(devs, id)
	if err != nil {
		return err
	}
	return sup.Select(ctx, target, key)
}

func pick(devs []bridgediscovery.ConfirmedDevice, id string) (bridgediscovery.ConfirmedDevice, error) {
	if id != "" {
		want := bridgediscovery.NormalizeID(id)
		for _, d := range devs {
			if d.NormalizedID == want {
				return d, nil
			}
		}
		return bridgediscovery.ConfirmedDevice{}, bridgediscovery.NewError(bridgediscovery.KindNotFound, "connect", "", fmt.Errorf("no bridge with id %s", want))
	}
	switch len(devs) {
	case 0:
		return bridgediscovery.ConfirmedDevice{}, bridgediscovery.NewError(bridgediscovery.KindNotFound, "connect", "", nil)
	case 1:
		return devs[0], nil
	default:
		return bridgediscovery.ConfirmedDevice{}, errAmbiguous
	}
}
