package pipe

import (
	"bytes"
	"sync"
	"time"

	"pixel-control/transport"

	"github.com/benbjohnson/clock"
)

// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
type bufferedPipe struct {
	addr Addr

	buf  *bytes.Buffer // protected by in.L.
	size int

	in, out  sync.Cond
	serialMu sync.Mutex // For serialized write operations.

	_closed  bool
	closedMu sync.Mutex

	rdeadLine, wdeadLine *deadline

	// the opposite pipe.
	counterpart *bufferedPipe
}

var _ transport.Conn = (*bufferedPipe)(nil)
var _ transport.BufferedConn = (*bufferedPipe)(nil)

// BufferedPipe creates a pair of asynchronous, buffered pipes.
// Data only moves through the buffers, so bufSize MUST be more than 0.
func BufferedPipe(addr1, addr2 Addr, clock clock.Clock, bufSize uint) (c1, c2 *bufferedPipe) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}

	c1, c2 = newBufferedPipe(addr1, clock, bufSize), newBufferedPipe(addr2, clock, bufSize)
	c1.counterpart, c2.counterpart = c2, c1
	return
}

func newBufferedPipe(addr Addr, clock clock.Clock, bufSize uint) *bufferedPipe {
	p := &bufferedPipe{
		buf:       bytes.NewBuffer(make([]byte, 0, bufSize)),
		size:      int(bufSize),
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      addr,
	}
	p.in.L, p.out.L = &sync.Mutex{}, &sync.Mutex{}
	return p
}

func (p *bufferedPipe) ReadBufSize() uint          { return uint(p.size) }
func (p *bufferedPipe) WriteBufSize() uint         { return uint(p.counterpart.size) }
func (p *bufferedPipe) LocalAddr() transport.Addr  { return p.addr }
func (p *bufferedPipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *bufferedPipe) Close() error {
	p.closedMu.Lock()
	p._closed = true
	p.closedMu.Unlock()

	p.wakeRead()
	p.wakeWrite()
	p.counterpart.wakeRead()
	p.counterpart.wakeWrite()
	return nil
}

func (p *bufferedPipe) Read(b []byte) (n int, err error) {
	p.in.L.Lock()
	for {
		// Deadline comes first, even over buffered bytes.
		if p.rdeadLine.exceeded() {
			p.in.L.Unlock()
			return 0, transport.ErrDeadLineExceeded
		}

		// Buffered bytes survive a close on either side.
		if p.buf.Len() > 0 {
			n, _ = p.buf.Read(b)
			break
		}

		if p.closed() || p.counterpart.closed() {
			p.in.L.Unlock()
			return 0, transport.ErrConnClosed
		}

		p.in.Wait()
	}
	p.in.L.Unlock()

	// Room was made; a blocked writer may continue.
	p.counterpart.wakeWrite()
	return n, nil
}

func (p *bufferedPipe) Write(b []byte) (n int, err error) {
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	p.out.L.Lock()
	defer p.out.L.Unlock()

	for {
		if p.wdeadLine.exceeded() {
			return n, transport.ErrDeadLineExceeded
		}

		if p.closed() || p.counterpart.closed() {
			return n, transport.ErrConnClosed
		}

		if len(b) == 0 {
			return n, nil
		}

		cp := p.counterpart
		cp.in.L.Lock()

		if canWrite := min(len(b), cp.size-cp.buf.Len()); canWrite > 0 {
			cp.buf.Write(b[:canWrite])
			b = b[canWrite:]
			n += canWrite

			cp.in.Broadcast()
			cp.in.L.Unlock()
			continue
		}

		cp.in.L.Unlock()
		p.out.Wait()
	}
}

func (p *bufferedPipe) closed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._closed
}

func (p *bufferedPipe) wakeRead() {
	p.in.L.Lock()
	p.in.Broadcast()
	p.in.L.Unlock()
}

func (p *bufferedPipe) wakeWrite() {
	p.out.L.Lock()
	p.out.Broadcast()
	p.out.L.Unlock()
}

func (p *bufferedPipe) SetReadDeadLine(t time.Time) {
	p.rdeadLine.set(t, p.wakeRead)
	p.wakeRead()
}

func (p *bufferedPipe) SetWriteDeadLine(t time.Time) {
	p.wdeadLine.set(t, p.wakeWrite)
	p.wakeWrite()
}

func newDeadLine(clock clock.Clock) *deadline { return &deadline{clock: clock} }

type deadline struct {
	clock clock.Clock
	m     sync.Mutex

	timer *clock.Timer
	t     time.Time
}

// set arms the deadline. onExceed runs without d.m held, so it may take
// the locks that the waiting side holds while checking exceeded.
func (d *deadline) set(t time.Time, onExceed func()) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	if !t.IsZero() {
		d.timer = d.clock.AfterFunc(d.clock.Until(t), onExceed)
	}
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}

	return d.clock.Until(d.t) <= 0
}
