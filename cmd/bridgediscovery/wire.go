package main

import (
	"context"

	"github.com/marcuoli/go-bridgediscovery/internal/config"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/announce"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/cloud"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/connection"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/credentials"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/discovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/hwaddr"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/permission"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/probe"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/reachability"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/subnet"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/validate"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func newOrchestrator(cfg *config.Config, sink status.Sink) *discovery.Orchestrator {
	d := cfg.Discovery

	prober := probe.New()
	prober.Timeout = d.ProbeTimeout
	prober.ModelMarkers = d.ModelMarkers

	gate := permission.New()
	gate.Timeout = d.PermissionTimeout

	scan := subnet.New(prober)
	scan.Workers = d.SubnetWorkers
	scan.Rate = d.SubnetRate
	if len(d.CommonOctets) > 0 {
		scan.Common = d.CommonBytes()
	}

	ann := announce.New(prober.WithMethod(bridgediscovery.MethodService))
	ann.Lifetime = d.AnnounceLifetime
	ann.ResolveTimeout = d.ResolveTimeout

	validator := validate.New()
	validator.Timeout = d.ProbeTimeout
	if d.HardwareCheck && d.OUIDatabase != "" {
		validator.Hardware = hwaddr.NewVendorChecker(d.OUIDatabase)
	}

	return &discovery.Orchestrator{
		Gate:     gate,
		Announce: ann,
		Subnet:   scan,
		Cloud: cloud.New(cloud.Options{
			URL:      d.CloudURL,
			Timeout:  d.CloudTimeout,
			CacheTTL: d.CloudCacheTTL,
		}),
		Prober:      prober.WithMethod(bridgediscovery.MethodCloud),
		Validator:   validator,
		Sink:        sink,
		Timeout:     d.Timeout,
		Settle:      d.Settle,
		CloudAlways: d.CloudAlways,
		CloudDelay:  d.CloudDelay,
	}
}

func newStore(cfg *config.Config) credentials.Store {
	if cfg.Credentials.File == "" {
		return &credentials.MemoryStore{}
	}
	return credentials.NewFileStore(cfg.Credentials.File)
}

func newSupervisor(cfg *config.Config, disc connection.Discoverer, store credentials.Store, sink status.Sink) *connection.Supervisor {
	c := cfg.Connection

	client := connection.NewClient()
	client.Timeout = cfg.Discovery.ProbeTimeout

	sup := connection.New(client, disc, store)
	sup.Reachability = reachability.New()
	sup.Sink = sink
	sup.HealthInterval = c.HealthInterval
	sup.FailureThreshold = c.FailureThreshold
	sup.AddressRetries = c.AddressRetries
	sup.Retry = connection.RetryPolicy{
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
	}
	return sup
}
