package domain

import (
	"context"
	"maps"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

var ErrDomainNotFound = errors.New("domain not found")

type Lookuper interface {
	LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error)
}

type mapLookuper struct {
	set map[string][]netip.Addr
}

var _ Lookuper = (*mapLookuper)(nil)

func NewMapLookuper(set map[string][]netip.Addr) *mapLookuper {
	if set == nil {
		set = make(map[string][]netip.Addr)
	}
	return &mapLookuper{set: maps.Clone(set)}
}

func (m *mapLookuper) LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error) {
	addrs, ok := m.set[domain]
	if !ok {
		return nil, ErrDomainNotFound
	}
	return addrs, nil
}

func (m *mapLookuper) Set(domain string, addrs []netip.Addr) {
	if len(addrs) == 0 {
		return
	}
	m.set[domain] = addrs
}

func (m *mapLookuper) Del(domain string) { delete(m.set, domain) }

// netLookuper asks the system resolver.
type netLookuper struct {
	resolver *net.Resolver
}

var _ Lookuper = (*netLookuper)(nil)

// NewNetLookuper uses net.DefaultResolver when resolver is nil.
func NewNetLookuper(resolver *net.Resolver) *netLookuper {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &netLookuper{resolver: resolver}
}

func (n *netLookuper) LookupIP(ctx context.Context, domain string) ([]netip.Addr, error) {
	addrs, err := n.resolver.LookupNetIP(ctx, "ip", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, errors.Wrap(ErrDomainNotFound, domain)
		}
		return nil, errors.Wrapf(err, "resolving %s", domain)
	}

	if len(addrs) == 0 {
		return nil, errors.Wrap(ErrDomainNotFound, domain)
	}

	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}
