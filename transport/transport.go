// Package transport defines the byte-stream contracts the pixel protocol runs on.
//
// The protocol itself only needs an ordered, reliable stream with deadlines.
// [transport/tcp] backs it with the operating system's TCP stack,
// [transport/pipe] backs it with in-memory pipes for tests.
package transport

import "context"

type Addr interface {
	Port() uint16
	String() string
}

type ConnListener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() Addr
	Close() error
}

type ConnDialer interface {
	Dial(ctx context.Context, addr Addr) (Conn, error)
}

// PortListener opens listeners bound to a local port.
// Port 0 lets the implementation pick one.
type PortListener interface {
	Listen(port uint16) (ConnListener, error)
}

// Network is everything a registry needs from a transport.
type Network interface {
	ConnDialer
	PortListener
}
