// Package ssdp finds bridges through UPnP M-SEARCH (koron/go-ssdp). Bridges
// answer upnp:rootdevice searches with a Server header carrying the IpBridge
// token and a USN whose UUID ends in the bridge's MAC address.
package ssdp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	gossdp "github.com/koron/go-ssdp"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/hwaddr"
)

const (
	// DefaultTimeout is how long one search waits for answers.
	DefaultTimeout = 3 * time.Second
	// RootDevice searches for UPnP root devices only
	RootDevice = gossdp.RootDevice
	// ServerToken identifies bridge answers.
	ServerToken = "IpBridge"
	// BridgeIDHeader is sent by newer firmware alongside the USN.
	BridgeIDHeader = "hue-bridgeid"
)

// SearchFunc matches gossdp.Search.
type SearchFunc func(searchType string, waitSec int, localAddr string) ([]gossdp.Service, error)

// Searcher runs M-SEARCH and turns bridge answers into candidates.
type Searcher struct {
	Timeout     time.Duration
	Target      string
	ServerToken string
	Interfaces  []net.Interface // nil = all

	search SearchFunc
}

// NewSearcher creates a searcher with defaults.
func NewSearcher() *Searcher {
	return &Searcher{
		Timeout:     DefaultTimeout,
		Target:      RootDevice,
		ServerToken: ServerToken,
		search: func(st string, wait int, local string) ([]gossdp.Service, error) {
			return gossdp.Search(st, wait, local)
		},
	}
}

// Search performs one M-SEARCH round.
func (s *Searcher) Search(ctx context.Context) ([]bridgediscovery.Candidate, error) {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentSSDP)

	if len(s.Interfaces) > 0 {
		gossdp.Interfaces = s.Interfaces
		defer func() { gossdp.Interfaces = nil }()
	}

	waitSec := int(s.Timeout.Seconds())
	if waitSec < 1 {
		waitSec = 1
	}
	target := s.Target
	if target == "" {
		target = RootDevice
	}

	resultCh := make(chan []gossdp.Service, 1)
	errCh := make(chan error, 1)
	go func() {
		services, err := s.search(target, waitSec, "")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- services
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("ssdp search: %w", err)
	case services := <-resultCh:
		cands := s.convert(services)
		log.Debug().Int("answers", len(services)).Int("bridges", len(cands)).Msg("search finished")
		return cands, nil
	}
}

// Browse runs Search and streams its candidates to out, then closes out.
func (s *Searcher) Browse(ctx context.Context, out chan<- bridgediscovery.Candidate) error {
	defer close(out)
	cands, err := s.Search(ctx)
	if err != nil {
		return err
	}
	for _, c := range cands {
		select {
		case out <- c:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (s *Searcher) convert(services []gossdp.Service) []bridgediscovery.Candidate {
	token := strings.ToLower(s.ServerToken)
	if token == "" {
		token = strings.ToLower(ServerToken)
	}
	seen := make(map[string]bool)
	var out []bridgediscovery.Candidate
	for _, svc := range services {
		if !strings.Contains(strings.ToLower(svc.Server), token) {
			continue
		}
		host, port := hostFromLocation(svc.Location)
		if host == "" {
			continue
		}
		id := bridgediscovery.NormalizeID(svc.Header().Get(BridgeIDHeader))
		if id == "" {
			id = hwaddr.BridgeIDFromMAC(hwaddr.MACFromUUID(svc.USN))
		}
		key := host + "|" + id
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, bridgediscovery.Candidate{
			Address:       host,
			Port:          port,
			RawIdentifier: id,
			Method:        bridgediscovery.MethodService,
			ObservedAt:    time.Now(),
		})
	}
	return out
}

// hostFromLocation extracts the IP address and port from a URL like
// "http://192.168.1.1:80/description.xml". Non-IP hosts yield "".
func hostFromLocation(location string) (string, int) {
	u, err := url.Parse(strings.TrimSpace(location))
	if err != nil || u.Host == "" {
		return "", 0
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		return "", 0
	}
	port := bridgediscovery.DefaultPort
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 && n <= 65535 {
			port = n
		}
	} else if u.Scheme == "https" {
		port = 443
	}
	return bridgediscovery.CanonicalAddress(host), port
}
