// Package pipe implements an in-memory [transport.Network].
//
// Connections come in two flavours: synchronous pipes, where every write
// waits for a matching read, and buffered pipes, where writes complete as long
// as the peer's buffer has room. Deadlines are driven by a [clock.Clock] so
// tests can control time.
package pipe

import (
	"strconv"
	"sync"
	"time"

	"pixel-control/transport"

	"github.com/benbjohnson/clock"
)

type Addr struct {
	Name string
	port uint16
}

func NewAddr(name string, port uint16) Addr { return Addr{Name: name, port: port} }

func (a Addr) Port() uint16 { return a.port }

func (a Addr) String() string {
	return a.Name + ":" + strconv.FormatUint(uint64(a.port), 10)
}

var _ transport.Addr = Addr{}

type pipe struct {
	stream chan []byte // stream that this pipe reads from.
	nc     chan int    // counterpart's respond will be sent here.

	writeMu sync.Mutex

	closed chan struct{}
	once   sync.Once // making sure not to close closed channel.

	rdeadLine *chanDeadLine
	wdeadLine *chanDeadLine

	// the opposite pipe.
	counterpart *pipe

	addr Addr
}

var _ transport.Conn = (*pipe)(nil)

// Pipe creates a pair of synchronous, unbuffered pipes.
func Pipe(addr1, addr2 Addr, clock clock.Clock) (c1, c2 *pipe) {
	c1, c2 = newPipe(addr1, clock), newPipe(addr2, clock)
	c1.counterpart, c2.counterpart = c2, c1
	return
}

func newPipe(addr Addr, clock clock.Clock) *pipe {
	return &pipe{
		stream:    make(chan []byte),
		nc:        make(chan int),
		closed:    make(chan struct{}),
		rdeadLine: newChanDeadLine(clock),
		wdeadLine: newChanDeadLine(clock),
		addr:      addr,
	}
}

func (p *pipe) LocalAddr() transport.Addr  { return p.addr }
func (p *pipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) Read(b []byte) (n int, err error) {
	if err := p.checkReadOK(); err != nil {
		return 0, err
	}

	select {
	case received := <-p.stream:
		n := copy(b, received)
		p.counterpart.nc <- n
		return n, nil
	case <-p.closed:
		return 0, transport.ErrConnClosed
	case <-p.counterpart.closed:
		return 0, transport.ErrConnClosed
	case <-p.rdeadLine.wait():
		return 0, transport.ErrDeadLineExceeded
	}
}

func (p *pipe) Write(b []byte) (n int, err error) {
	if err := p.checkWriteOK(); err != nil {
		return 0, err
	}

	// Serialize write operations to prevent interleaving write.
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// The reader may take fewer bytes than offered; keep offering the rest.
	for len(b) > 0 {
		select {
		case p.counterpart.stream <- b:
			taken := <-p.nc
			b = b[taken:]
			n += taken
		case <-p.closed:
			return n, transport.ErrConnClosed
		case <-p.counterpart.closed:
			return n, transport.ErrConnClosed
		case <-p.wdeadLine.wait():
			return n, transport.ErrDeadLineExceeded
		}
	}

	return n, nil
}

func (p *pipe) checkReadOK() error  { return p.checkOK(p.rdeadLine) }
func (p *pipe) checkWriteOK() error { return p.checkOK(p.wdeadLine) }

func (p *pipe) checkOK(d *chanDeadLine) error {
	switch {
	case isClosed(p.closed):
		return transport.ErrConnClosed
	case isClosed(p.counterpart.closed):
		return transport.ErrConnClosed
	case isClosed(d.wait()):
		return transport.ErrDeadLineExceeded
	}
	return nil
}

func (p *pipe) SetReadDeadLine(t time.Time)  { p.rdeadLine.set(t) }
func (p *pipe) SetWriteDeadLine(t time.Time) { p.wdeadLine.set(t) }

// chanDeadLine closes its channel once the deadline passes.
type chanDeadLine struct {
	clock clock.Clock

	t *clock.Timer
	m sync.Mutex

	closed chan struct{}
}

func newChanDeadLine(clock clock.Clock) *chanDeadLine {
	return &chanDeadLine{
		clock:  clock,
		closed: make(chan struct{}),
	}
}

func (d *chanDeadLine) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}

	if isClosed(d.closed) {
		d.closed = make(chan struct{})
	}

	if t.IsZero() {
		return
	}

	if d.clock.Until(t) <= 0 {
		close(d.closed)
		return
	}

	closed := d.closed
	d.t = d.clock.AfterFunc(d.clock.Until(t), func() {
		d.m.Lock()
		defer d.m.Unlock()
		if !isClosed(closed) {
			close(closed)
		}
	})
}

func (d *chanDeadLine) wait() <-chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	return d.closed
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
