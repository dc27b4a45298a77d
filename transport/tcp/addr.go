// Package tcp implements [transport.Network] on top of the operating system's TCP stack.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9293
package tcp

import (
	"net"
	"net/netip"
	"strconv"

	"pixel-control/transport"
)

type Addr struct {
	ipAddr netip.Addr
	port   uint16
}

var _ transport.Addr = Addr{}

func NewAddr(ipAddr netip.Addr, port uint16) Addr {
	return Addr{ipAddr, port}
}

func addrFrom(a net.Addr) Addr {
	if tcpAddr, ok := a.(*net.TCPAddr); ok {
		ap := tcpAddr.AddrPort()
		return Addr{ap.Addr().Unmap(), ap.Port()}
	}
	return Addr{}
}

func (a Addr) Port() uint16             { return a.port }
func (a Addr) IP() netip.Addr           { return a.ipAddr }
func (a Addr) AddrPort() netip.AddrPort { return netip.AddrPortFrom(a.ipAddr, a.port) }

func (a Addr) String() string {
	net := a.ipAddr.String()
	if a.ipAddr.Is6() {
		net = "[" + net + "]"
	}

	return net + ":" + strconv.FormatUint(uint64(a.port), 10)
}
