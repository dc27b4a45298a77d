package sink

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"pixel-control/application/util/domain"
	"pixel-control/transport/tcp"

	"github.com/pkg/errors"
)

// ResolveAddr turns "host[:port]" into a TCP address.
//
// An empty host means localhost, and a missing or zero port means
// defaultPort. IPv6 literals go in brackets when a port is given.
// Names resolving to both families prefer IPv4.
func ResolveAddr(ctx context.Context, lookuper domain.Lookuper, hostport string, defaultPort uint16) (tcp.Addr, error) {
	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return tcp.Addr{}, err
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return tcp.Addr{}, errors.Wrapf(err, "invalid port in %q", hostport)
		}
		if p != 0 {
			port = uint16(p)
		}
	}

	if host == "" {
		host = "localhost"
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return tcp.NewAddr(ip.Unmap(), port), nil
	}

	addrs, err := lookuper.LookupIP(ctx, host)
	if err != nil {
		return tcp.Addr{}, errors.Wrapf(err, "lookup for host(%s) failed", host)
	}
	if len(addrs) == 0 {
		return tcp.Addr{}, errors.Wrapf(domain.ErrDomainNotFound, "lookup for host(%s) failed", host)
	}

	ip := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			ip = a
			break
		}
	}

	return tcp.NewAddr(ip.Unmap(), port), nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	switch strings.Count(hostport, ":") {
	case 0:
		return hostport, "", nil
	case 1:
		host, port, _ = strings.Cut(hostport, ":")
		return host, port, nil
	}

	if !strings.HasPrefix(hostport, "[") {
		// Bare IPv6 literal.
		return hostport, "", nil
	}

	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		if strings.HasSuffix(hostport, "]") {
			return strings.Trim(hostport, "[]"), "", nil
		}
		return "", "", errors.Wrapf(err, "parsing %q", hostport)
	}
	return host, port, nil
}
