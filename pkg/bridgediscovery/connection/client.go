package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/probe"
)

// HealthResult classifies one health probe.
type HealthResult int

const (
	// HealthOK: the bridge answered, however slowly.
	HealthOK HealthResult = iota
	// HealthSoft: something went wrong but the host is evidently there.
	HealthSoft
	// HealthClear: timeout, refused or no route. Only these count towards
	// giving up on the connection.
	HealthClear
)

func (r HealthResult) String() string {
	switch r {
	case HealthOK:
		return "ok"
	case HealthSoft:
		return "soft"
	case HealthClear:
		return "clear"
	default:
		return "unknown"
	}
}

// unauthorizedUser is the bridge's error type for an unknown application key.
const unauthorizedUser = 1

// Client talks to a bridge over its local REST API.
type Client struct {
	Timeout time.Duration
	HTTP    *http.Client
}

// NewClient returns a client with the default status timeout.
func NewClient() *Client {
	return &Client{Timeout: bridgediscovery.DefaultTimeout}
}

type apiError struct {
	Error struct {
		Type        int    `json:"type"`
		Address     string `json:"address"`
		Description string `json:"description"`
	} `json:"error"`
}

type bridgeConfig struct {
	Name     string `json:"name"`
	BridgeID string `json:"bridgeid"`
}

// Handshake opens a session with dev using key. It fails with
// KindAuthenticationRequired when the bridge does not know the key,
// KindUnreachable when nothing answered, and KindHandshakeFailed otherwise.
func (c *Client) Handshake(ctx context.Context, dev bridgediscovery.ConfirmedDevice, key string) error {
	const op = "handshake"
	addr := dev.HostPort()
	if key == "" {
		return bridgediscovery.NewError(bridgediscovery.KindAuthenticationRequired, op, addr, nil)
	}

	body, code, err := c.get(ctx, addr, "/api/"+url.PathEscape(key)+"/config")
	if err != nil {
		return bridgediscovery.NewError(bridgediscovery.KindUnreachable, op, addr, err)
	}
	if code != http.StatusOK {
		return bridgediscovery.NewError(bridgediscovery.KindHandshakeFailed, op, addr, fmt.Errorf("status %d", code))
	}

	var errs []apiError
	if json.Unmarshal(body, &errs) == nil && len(errs) > 0 {
		if errs[0].Error.Type == unauthorizedUser {
			return bridgediscovery.NewError(bridgediscovery.KindAuthenticationRequired, op, addr, errors.New(errs[0].Error.Description))
		}
		return bridgediscovery.NewError(bridgediscovery.KindHandshakeFailed, op, addr,
			fmt.Errorf("bridge error %d: %s", errs[0].Error.Type, errs[0].Error.Description))
	}

	var cfg bridgeConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return bridgediscovery.NewError(bridgediscovery.KindHandshakeFailed, op, addr, err)
	}
	if id := bridgediscovery.NormalizeID(cfg.BridgeID); id != "" && dev.NormalizedID != "" && id != dev.NormalizedID {
		return bridgediscovery.NewError(bridgediscovery.KindHandshakeFailed, op, addr,
			fmt.Errorf("address now answers as %s", id))
	}
	return nil
}

// Health fetches the unauthenticated status document of dev through the same
// request the discovery probe uses.
func (c *Client) Health(ctx context.Context, dev bridgediscovery.ConfirmedDevice) HealthResult {
	p := probe.New()
	p.Timeout = c.Timeout
	if c.HTTP != nil {
		p.Client = c.HTTP
	}
	_, err := p.Fetch(ctx, dev.HostPort())
	switch {
	case err == nil:
		return HealthOK
	case IsClearFailure(err):
		return HealthClear
	default:
		return HealthSoft
	}
}

func (c *Client) get(ctx context.Context, hostPort, path string) ([]byte, int, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = bridgediscovery.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostPort+path, nil)
	if err != nil {
		return nil, 0, err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// IsClearFailure reports whether err means the bridge is gone rather than
// merely slow or confused: a timeout, a refused connection or no route.
func IsClearFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
