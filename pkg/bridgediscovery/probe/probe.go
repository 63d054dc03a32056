// Package probe checks whether a single address hosts a bridge by reading its
// unauthenticated configuration endpoint. The probe is deliberately cheap:
// one GET with a short timeout, no retries. Most addresses on a LAN have
// nothing listening, so a negative answer is the normal outcome and is never
// reported as an error.
package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcuoli/go-bridgediscovery/internal/metrics"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/hwaddr"
)

const (
	// ConfigPath is the unauthenticated status endpoint.
	ConfigPath = "/api/config"
	// maxBody caps how much of a response is read.
	maxBody = 64 << 10
)

// DefaultModelMarkers are the model ids of known bridge hardware.
var DefaultModelMarkers = []string{"BSB001", "BSB002", "BSB003"}

// Config is the subset of the bridge's /api/config answer used for identity.
type Config struct {
	Name       string `json:"name"`
	BridgeID   string `json:"bridgeid"`
	MAC        string `json:"mac"`
	ModelID    string `json:"modelid"`
	APIVersion string `json:"apiversion"`
	SWVersion  string `json:"swversion"`
	FactoryNew bool   `json:"factorynew"`
}

// Prober validates candidate addresses.
type Prober struct {
	Timeout      time.Duration
	Port         int
	ModelMarkers []string
	Client       *http.Client
	Method       bridgediscovery.DiscoveryMethod
}

// New creates a prober with defaults.
func New() *Prober {
	return &Prober{
		Timeout:      bridgediscovery.DefaultTimeout,
		Port:         bridgediscovery.DefaultPort,
		ModelMarkers: DefaultModelMarkers,
		Client:       &http.Client{},
		Method:       bridgediscovery.MethodSubnetScan,
	}
}

// WithMethod returns a copy of p that stamps results with method.
func (p *Prober) WithMethod(method bridgediscovery.DiscoveryMethod) *Prober {
	cp := *p
	cp.Method = method
	return &cp
}

// Probe issues one status request to host and returns the bridge found there,
// or nil. host may carry an explicit port ("10.0.0.5:8080"); otherwise the
// prober's Port is used.
func (p *Prober) Probe(ctx context.Context, host string) *bridgediscovery.ConfirmedDevice {
	addr, port := p.target(host)
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentProbe)

	cfg, err := p.fetch(ctx, bridgediscovery.JoinHostPort(addr, port))
	if err != nil {
		metrics.ProbesTotal.WithLabelValues(metrics.ProbeNoAnswer).Inc()
		log.Trace().Str("addr", addr).Err(err).Msg("no bridge")
		return nil
	}

	id := bridgediscovery.NormalizeID(cfg.BridgeID)
	if id == "" {
		id = hwaddr.BridgeIDFromMAC(cfg.MAC)
	}
	if id == "" {
		metrics.ProbesTotal.WithLabelValues(metrics.ProbeRejected).Inc()
		log.Debug().Str("addr", addr).Msg("status response without identifier")
		return nil
	}
	if !p.knownModel(cfg.ModelID) {
		metrics.ProbesTotal.WithLabelValues(metrics.ProbeRejected).Inc()
		log.Debug().Str("addr", addr).Str("model", cfg.ModelID).Msg("unknown model, ignoring")
		return nil
	}

	metrics.ProbesTotal.WithLabelValues(metrics.ProbeFound).Inc()
	log.Debug().Str("addr", addr).Str("id", id).Msg("bridge answered")
	return &bridgediscovery.ConfirmedDevice{
		NormalizedID: id,
		Address:      addr,
		Port:         port,
		DisplayName:  cfg.Name,
		ModelID:      cfg.ModelID,
		Method:       p.Method,
		ObservedAt:   time.Now(),
	}
}

// Fetch returns the raw status document of the bridge at hostPort. Unlike
// Probe it keeps the error, which the connection health check classifies.
func (p *Prober) Fetch(ctx context.Context, hostPort string) (*Config, error) {
	return p.fetch(ctx, hostPort)
}

func (p *Prober) fetch(ctx context.Context, hostPort string) (*Config, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = bridgediscovery.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostPort+ConfigPath, nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var cfg Config
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *Prober) target(host string) (string, int) {
	if strings.Contains(host, ":") {
		if h, port := bridgediscovery.SplitAddress(host); h != host {
			return bridgediscovery.CanonicalAddress(h), port
		}
	}
	port := p.Port
	if port <= 0 {
		port = bridgediscovery.DefaultPort
	}
	return bridgediscovery.CanonicalAddress(host), port
}

func (p *Prober) knownModel(model string) bool {
	markers := p.ModelMarkers
	if len(markers) == 0 {
		markers = DefaultModelMarkers
	}
	model = strings.ToUpper(strings.TrimSpace(model))
	for _, m := range markers {
		if strings.EqualFold(model, m) {
			return true
		}
	}
	return false
}

// StatusError reports a non-200 answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "unexpected status " + http.StatusText(e.Code)
}
