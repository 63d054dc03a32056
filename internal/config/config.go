// Package config loads the bridgediscovery YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

var (
	errConfigPathEmpty         = errors.New("config path is empty")
	errTimeoutMustBePositive   = errors.New("timeouts must be positive")
	errWorkersMustBePositive   = errors.New("discovery.subnet_workers must be positive")
	errRateMustBeNonNegative   = errors.New("discovery.subnet_rate must be non-negative")
	errCommonOctetOutOfRange   = errors.New("discovery.common_octets must be within 1..254")
	errModelMarkersEmpty       = errors.New("discovery.model_markers must not be empty")
	errCloudURLInvalid         = errors.New("discovery.cloud_url must be an absolute http(s) URL")
	errThresholdMustBePositive = errors.New("connection.failure_threshold must be positive")
	errRetriesMustBePositive   = errors.New("connection address_retries and max_attempts must be positive")
	errMaxDelayBelowBase       = errors.New("connection.max_delay cannot be below base_delay")
	errLogFormatUnknown        = errors.New("log.format must be json or console")
	errAddressMustBeHostPort   = errors.New("admin.addr must be host:port or :port")
)

// DiscoveryConfig tunes the discovery strategies.
type DiscoveryConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	AnnounceLifetime  time.Duration `yaml:"announce_lifetime"`
	ResolveTimeout    time.Duration `yaml:"resolve_timeout"`
	// Settle is how long a lone bridge waits for a second one. Negative
	// returns on the first.
	Settle time.Duration `yaml:"settle"`

	SubnetWorkers int      `yaml:"subnet_workers"`
	SubnetRate    float64  `yaml:"subnet_rate"`
	CommonOctets  []int    `yaml:"common_octets,omitempty"`
	ModelMarkers  []string `yaml:"model_markers,omitempty"`

	CloudURL      string        `yaml:"cloud_url"`
	CloudTimeout  time.Duration `yaml:"cloud_timeout"`
	CloudCacheTTL time.Duration `yaml:"cloud_cache_ttl"`
	CloudAlways   bool          `yaml:"cloud_always"`
	CloudDelay    time.Duration `yaml:"cloud_delay"`

	// HardwareCheck enables the ARP/OUI vendor check; it needs OUIDatabase.
	HardwareCheck bool   `yaml:"hardware_check"`
	OUIDatabase   string `yaml:"oui_database,omitempty"`
}

// ConnectionConfig tunes the supervisor.
type ConnectionConfig struct {
	HealthInterval   time.Duration `yaml:"health_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	AddressRetries   int           `yaml:"address_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// CredentialsConfig points at the credential file. An empty File keeps
// credentials in memory only.
type CredentialsConfig struct {
	File  string `yaml:"file,omitempty"`
	Watch bool   `yaml:"watch"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig configures the /metrics and /status listener. Empty Addr
// disables it.
type AdminConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type Config struct {
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Log         LogConfig         `yaml:"log"`
	Admin       AdminConfig       `yaml:"admin"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Timeout:           15 * time.Second,
			PermissionTimeout: 30 * time.Second,
			ProbeTimeout:      2 * time.Second,
			AnnounceLifetime:  6 * time.Second,
			ResolveTimeout:    2 * time.Second,
			Settle:            250 * time.Millisecond,
			SubnetWorkers:     16,
			SubnetRate:        200,
			CommonOctets:      []int{2, 3, 4, 5, 10, 20, 50, 100, 101, 102, 150, 200, 254},
			ModelMarkers:      []string{"BSB001", "BSB002", "BSB003"},
			CloudURL:          "https://discovery.meethue.com/",
			CloudTimeout:      8 * time.Second,
			CloudCacheTTL:     60 * time.Second,
			CloudDelay:        5 * time.Second,
		},
		Connection: ConnectionConfig{
			HealthInterval:   10 * time.Second,
			FailureThreshold: 3,
			AddressRetries:   2,
			BaseDelay:        2 * time.Second,
			MaxDelay:         30 * time.Second,
			MaxAttempts:      6,
		},
		Credentials: CredentialsConfig{Watch: true},
		Log:         LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errConfigPathEmpty
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.UnmarshalWithOptions(b, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CommonBytes returns CommonOctets as bytes. Validate has checked the range.
func (d DiscoveryConfig) CommonBytes() []byte {
	out := make([]byte, 0, len(d.CommonOctets))
	for _, o := range d.CommonOctets {
		out = append(out, byte(o))
	}
	return out
}

func (c *Config) Validate() error {
	d := c.Discovery
	for _, t := range []time.Duration{
		d.Timeout, d.PermissionTimeout, d.ProbeTimeout, d.AnnounceLifetime,
		d.ResolveTimeout, d.CloudTimeout, c.Connection.HealthInterval,
		c.Connection.BaseDelay, c.Connection.MaxDelay,
	} {
		if t <= 0 {
			return errTimeoutMustBePositive
		}
	}
	if d.CloudCacheTTL < 0 || d.CloudDelay < 0 {
		return errTimeoutMustBePositive
	}
	if d.SubnetWorkers <= 0 {
		return errWorkersMustBePositive
	}
	if d.SubnetRate < 0 {
		return errRateMustBeNonNegative
	}
	for _, o := range d.CommonOctets {
		if o < 1 || o > 254 {
			return fmt.Errorf("%w: %d", errCommonOctetOutOfRange, o)
		}
	}
	if len(d.ModelMarkers) == 0 {
		return errModelMarkersEmpty
	}
	u, err := url.Parse(d.CloudURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errCloudURLInvalid
	}

	cn := c.Connection
	if cn.FailureThreshold <= 0 {
		return errThresholdMustBePositive
	}
	if cn.AddressRetries <= 0 || cn.MaxAttempts <= 0 {
		return errRetriesMustBePositive
	}
	if cn.MaxDelay < cn.BaseDelay {
		return errMaxDelayBelowBase
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: %q", errLogFormatUnknown, c.Log.Format)
	}

	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			return fmt.Errorf("%w: %s", errAddressMustBeHostPort, c.Admin.Addr)
		}
	}
	return nil
}
