// Package cloud asks the vendor's discovery registry which bridges have
// recently reported in from the caller's public address.
//
// The registry is rate limited and sometimes slow, so every lookup goes
// through a circuit breaker and a short-lived response cache.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"

	"github.com/marcuoli/go-bridgediscovery/internal/metrics"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

const (
	// DefaultURL is the vendor registry endpoint.
	DefaultURL = "https://discovery.meethue.com/"
	// DefaultTimeout bounds one registry request.
	DefaultTimeout = 8 * time.Second
	// DefaultCacheTTL is how long a registry answer is reused.
	DefaultCacheTTL = 60 * time.Second

	maxBody  = 256 << 10
	cacheKey = "all"

	defaultMaxFailures uint32 = 3
	defaultOpenTimeout        = 60 * time.Second
)

// Record is one registry entry.
type Record struct {
	ID                string `json:"id"`
	InternalIPAddress string `json:"internalipaddress"`
	Port              int    `json:"port,omitempty"`
}

// Options configure a Client. Zero values take defaults.
type Options struct {
	URL         string
	Timeout     time.Duration
	CacheTTL    time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
	HTTPClient  *http.Client
}

// Client looks bridges up in the registry.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
	cache   *expirable.LRU[string, []Record]
	breaker *gobreaker.CircuitBreaker[[]Record]
}

// New creates a registry client.
func New(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	maxFailures := opts.MaxFailures
	return &Client{
		url:     opts.URL,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		cache:   expirable.NewLRU[string, []Record](1, nil, opts.CacheTTL),
		breaker: gobreaker.NewCircuitBreaker[[]Record](gobreaker.Settings{
			Name:        "cloud-registry",
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsExcluded: func(err error) bool {
				return errors.Is(err, context.Canceled)
			},
		}),
	}
}

// LookupAll returns every bridge the registry knows for this network.
func (c *Client) LookupAll(ctx context.Context) ([]bridgediscovery.Candidate, error) {
	recs, err := c.records(ctx)
	if err != nil {
		return nil, err
	}
	return toCandidates(recs, ""), nil
}

// LookupByIdentifier returns registry entries for the bridge id. The registry
// has no per-id query; it always answers with every bridge registered from
// the caller's public address, so the id is matched here against the cached
// list that LookupAll shares.
func (c *Client) LookupByIdentifier(ctx context.Context, id string) ([]bridgediscovery.Candidate, error) {
	recs, err := c.records(ctx)
	if err != nil {
		return nil, err
	}
	return toCandidates(recs, bridgediscovery.NormalizeID(id)), nil
}

func (c *Client) records(ctx context.Context) ([]Record, error) {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentCloud)

	if recs, ok := c.cache.Get(cacheKey); ok {
		metrics.CloudLookupsTotal.WithLabelValues("cache").Inc()
		return recs, nil
	}

	recs, err := c.breaker.Execute(func() ([]Record, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		metrics.CloudLookupsTotal.WithLabelValues("error").Inc()
		log.Debug().Err(err).Str("breaker", c.breaker.State().String()).Msg("registry lookup failed")
		return nil, bridgediscovery.NewError(bridgediscovery.KindUnreachable, "cloud lookup", "", err)
	}
	metrics.CloudLookupsTotal.WithLabelValues("network").Inc()
	c.cache.Add(cacheKey, recs)
	log.Debug().Int("records", len(recs)).Msg("registry answered")
	return recs, nil
}

func (c *Client) fetch(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry status %d", resp.StatusCode)
	}
	var recs []Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode registry answer: %w", err)
	}
	return recs, nil
}

// Purge drops the cached registry answer.
func (c *Client) Purge() {
	c.cache.Purge()
}

func toCandidates(recs []Record, id string) []bridgediscovery.Candidate {
	now := time.Now()
	var out []bridgediscovery.Candidate
	for _, r := range recs {
		rid := bridgediscovery.NormalizeID(r.ID)
		if id != "" && rid != id {
			continue
		}
		if r.InternalIPAddress == "" {
			continue
		}
		port := r.Port
		// the registry reports the TLS port; the status endpoint is plain HTTP
		if port <= 0 || port == 443 {
			port = bridgediscovery.DefaultPort
		}
		out = append(out, bridgediscovery.Candidate{
			Address:       bridgediscovery.CanonicalAddress(r.InternalIPAddress),
			Port:          port,
			RawIdentifier: r.ID,
			Method:        bridgediscovery.MethodCloud,
			ObservedAt:    now,
		})
	}
	return out
}
