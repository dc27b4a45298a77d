package tcp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"pixel-control/transport"

	"github.com/pkg/errors"
)

type Network struct {
	dialer net.Dialer
	lc     net.ListenConfig
}

var _ transport.Network = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{}
}

// Dial connects to addr. The attempt is bounded by ctx.
func (n *Network) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	c, err := n.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "dialing %s", addr)
		}
		return nil, errors.Wrapf(mapError(err), "dialing %s", addr)
	}

	return newConn(c.(*net.TCPConn)), nil
}

// Listen binds every local interface on port.
func (n *Network) Listen(port uint16) (transport.ConnListener, error) {
	address := ":" + strconv.FormatUint(uint64(port), 10)

	l, err := n.lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "listening on port %d", port)
	}

	return &listener{l: l.(*net.TCPListener), addr: addrFrom(l.Addr())}, nil
}

type listener struct {
	l    *net.TCPListener
	addr Addr

	mu sync.Mutex // serializes Accept so deadlines don't leak between calls.
}

var _ transport.ConnListener = (*listener)(nil)

func (l *listener) Addr() transport.Addr { return l.addr }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_ = l.l.SetDeadline(time.Time{})

	// Wake the blocked accept once ctx is done.
	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		_ = l.l.SetDeadline(time.Unix(1, 0))
	})

	c, err := l.l.AcceptTCP()
	if !stop() {
		<-woken
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrConnListenerClosed
		}
		return nil, errors.Wrap(mapError(err), "accepting connection")
	}

	return newConn(c), nil
}

func (l *listener) Close() error {
	if err := l.l.Close(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrConnListenerClosed
		}
		return err
	}
	return nil
}
