package pipe

import (
	"context"
	"math/rand/v2"
	"sync"

	"pixel-control/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type Options struct {
	// BufferSize selects buffered pipes of that size. Zero gives synchronous pipes.
	BufferSize uint
	// Backlog is the number of dialed connections a listener holds before Accept.
	// Further dials wait for room until their context ends.
	Backlog uint

	Ephemeral transport.EphemeralPortOptions
}

func DefaultOptions() Options {
	return Options{
		BufferSize: 1 << 17,
		Backlog:    4,
		Ephemeral: transport.EphemeralPortOptions{
			Range:  transport.DefaultEphemeralRange,
			Rand:   func() uint16 { return uint16(rand.Uint32()) },
			MaxTry: 32,
		},
	}
}

type PipeTransport struct {
	listeners map[uint16]*pipeListener
	ports     *transport.PortTable
	clock     clock.Clock
	opts      Options

	mu sync.Mutex
}

var _ transport.Network = (*PipeTransport)(nil)

func NewPipeTransport(clock clock.Clock, opts Options) *PipeTransport {
	if opts.Ephemeral.Rand == nil {
		opts.Ephemeral = DefaultOptions().Ephemeral
	}
	if opts.Backlog == 0 {
		opts.Backlog = 1
	}

	return &PipeTransport{
		listeners: make(map[uint16]*pipeListener),
		ports:     transport.NewPortTable(opts.Ephemeral),
		clock:     clock,
		opts:      opts,
	}
}

// NewPair creates two connected ends, buffered when bufSize is positive.
func NewPair(addr1, addr2 Addr, clock clock.Clock, bufSize uint) (transport.Conn, transport.Conn) {
	if bufSize > 0 {
		return BufferedPipe(addr1, addr2, clock, bufSize)
	}
	return Pipe(addr1, addr2, clock)
}

func (pt *PipeTransport) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	pt.mu.Lock()
	listener, ok := pt.listeners[addr.Port()]
	pt.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s", addr)
	}

	local, remote := NewPair(NewAddr("dialer", 0), listener.addr, pt.clock, pt.opts.BufferSize)

	if err := listener.enqueue(ctx, remote); err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	return local, nil
}

func (pt *PipeTransport) Listen(port uint16) (transport.ConnListener, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	ok, bound, release := pt.ports.Occupy(port)
	if !ok {
		if port == 0 {
			return nil, errors.New("no ephemeral port available")
		}
		return nil, errors.Wrapf(transport.ErrAddrAlreadyInUse, "listening on port %d", port)
	}

	pl := &pipeListener{
		addr:      NewAddr("pipe", bound),
		transport: pt,
		release:   release,
		pending:   make(chan transport.Conn, pt.opts.Backlog),
		closed:    make(chan struct{}),
	}
	pt.listeners[bound] = pl

	return pl, nil
}

type pipeListener struct {
	addr Addr

	transport *PipeTransport
	release   func()

	pending chan transport.Conn
	closed  chan struct{}

	once sync.Once
}

var _ transport.ConnListener = (*pipeListener)(nil)

func (pl *pipeListener) Addr() transport.Addr { return pl.addr }

func (pl *pipeListener) enqueue(ctx context.Context, conn transport.Conn) error {
	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-pl.closed:
		conn.Close()
		return transport.ErrConnRefused
	case pl.pending <- conn:
	}

	// Close may have drained the backlog before we got in.
	if isClosed(pl.closed) {
		conn.Close()
		return transport.ErrConnRefused
	}

	return nil
}

func (pl *pipeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pl.closed:
		return nil, transport.ErrConnListenerClosed
	case conn := <-pl.pending:
		return conn, nil
	}
}

func (pl *pipeListener) Close() error {
	err := transport.ErrConnListenerClosed

	pl.once.Do(func() {
		err = nil
		close(pl.closed)

		// Refuse whoever is still waiting in the backlog.
		for drained := false; !drained; {
			select {
			case conn := <-pl.pending:
				conn.Close()
			default:
				drained = true
			}
		}

		pl.transport.mu.Lock()
		delete(pl.transport.listeners, pl.addr.Port())
		pl.transport.mu.Unlock()

		pl.release()
	})

	return err
}
