package mdns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// DefaultResolveTimeout bounds one host resolution.
const DefaultResolveTimeout = 2 * time.Second

// ErrNoAnswer is returned when nobody answered for the name.
var ErrNoAnswer = errors.New("mdns: no answer")

// HostResolver resolves .local names with a multicast A query.
type HostResolver struct {
	Timeout time.Duration
	// Server is where queries are sent; defaults to the mDNS group.
	Server string
}

// NewHostResolver creates a resolver with defaults.
func NewHostResolver() *HostResolver {
	return &HostResolver{
		Timeout: DefaultResolveTimeout,
		Server:  net.JoinHostPort(MulticastAddr, "5353"),
	}
}

// ResolveHost returns the first IPv4 address announced for host.
func (r *HostResolver) ResolveHost(ctx context.Context, host string) (net.IP, error) {
	name := dns.Fqdn(host)
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.Id = 0
	msg.RecursionDesired = false
	// ask for a unicast response
	msg.Question[0].Qclass |= 1 << 15

	data, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	server := r.Server
	if server == "" {
		server = net.JoinHostPort(MulticastAddr, "5353")
	}
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.WriteTo(data, raddr); err != nil {
		return nil, err
	}

	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			bridgediscovery.Logger(ctx, bridgediscovery.ComponentMDNS).Debug().Str("host", host).Err(err).Msg("no answer")
			return nil, ErrNoAnswer
		}
		if ip := parseA(buf[:n], name); ip != nil {
			return ip, nil
		}
	}
}

func parseA(packet []byte, name string) net.IP {
	resp := new(dns.Msg)
	if err := resp.Unpack(packet); err != nil || !resp.Response {
		return nil
	}
	for _, section := range [][]dns.RR{resp.Answer, resp.Extra} {
		for _, rr := range section {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			if strings.EqualFold(a.Hdr.Name, name) {
				return a.A.To4()
			}
		}
	}
	return nil
}
