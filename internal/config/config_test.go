package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
discovery:
  timeout: 20s
  subnet_workers: 8
  settle: -1s
  cloud_always: true
connection:
  health_interval: 5s
  max_attempts: 3
credentials:
  file: /var/lib/bridge/credentials.yaml
log:
  level: debug
  format: json
admin:
  addr: 127.0.0.1:9464
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Discovery.Timeout)
	assert.Equal(t, 8, cfg.Discovery.SubnetWorkers)
	assert.Equal(t, -time.Second, cfg.Discovery.Settle)
	assert.True(t, cfg.Discovery.CloudAlways)
	assert.Equal(t, 5*time.Second, cfg.Connection.HealthInterval)
	assert.Equal(t, 3, cfg.Connection.MaxAttempts)
	assert.Equal(t, "/var/lib/bridge/credentials.yaml", cfg.Credentials.File)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9464", cfg.Admin.Addr)

	// untouched fields keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Discovery.ProbeTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connection.MaxDelay)
	assert.Equal(t, []byte{2, 3, 4, 5, 10, 20, 50, 100, 101, 102, 150, 200, 254}, cfg.Discovery.CommonBytes())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	require.ErrorIs(t, err, errConfigPathEmpty)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "discovery:\n  no_such_field: 1\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "connection:\n  max_delay: 1s\n"))
	require.ErrorIs(t, err, errMaxDelayBelowBase)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero timeout", func(c *Config) { c.Discovery.Timeout = 0 }, errTimeoutMustBePositive},
		{"negative cache ttl", func(c *Config) { c.Discovery.CloudCacheTTL = -time.Second }, errTimeoutMustBePositive},
		{"no workers", func(c *Config) { c.Discovery.SubnetWorkers = 0 }, errWorkersMustBePositive},
		{"negative rate", func(c *Config) { c.Discovery.SubnetRate = -1 }, errRateMustBeNonNegative},
		{"octet 255", func(c *Config) { c.Discovery.CommonOctets = []int{2, 255} }, errCommonOctetOutOfRange},
		{"no markers", func(c *Config) { c.Discovery.ModelMarkers = nil }, errModelMarkersEmpty},
		{"relative cloud url", func(c *Config) { c.Discovery.CloudURL = "/discover" }, errCloudURLInvalid},
		{"ftp cloud url", func(c *Config) { c.Discovery.CloudURL = "ftp://example.com/" }, errCloudURLInvalid},
		{"zero threshold", func(c *Config) { c.Connection.FailureThreshold = 0 }, errThresholdMustBePositive},
		{"zero attempts", func(c *Config) { c.Connection.MaxAttempts = 0 }, errRetriesMustBePositive},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, errLogFormatUnknown},
		{"bad admin addr", func(c *Config) { c.Admin.Addr = "localhost" }, errAddressMustBeHostPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
