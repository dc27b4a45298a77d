package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// PortTable keeps track of occupied local ports.
type PortTable struct {
	table map[uint16]struct{}
	mu    sync.Mutex

	ephemeral  [2]uint16 // start, end
	rand       func() uint16
	maxRandTry uint
}

type EphemeralPortOptions struct {
	Range  [2]uint16 // [start, end)
	Rand   func() uint16
	MaxTry uint
}

// DefaultEphemeralRange is the IANA dynamic port range.
var DefaultEphemeralRange = [2]uint16{49152, 65535}

func (o EphemeralPortOptions) validate() error {
	if o.Range[0] > o.Range[1] {
		return errors.Errorf("end(%d) must be greater or equal than start(%d)", o.Range[1], o.Range[0])
	}
	if o.Rand == nil {
		return errors.New("rand function must be provided")
	}
	return nil
}

func NewPortTable(opts EphemeralPortOptions) *PortTable {
	if err := opts.validate(); err != nil {
		panic(err)
	}

	return &PortTable{
		table:      make(map[uint16]struct{}),
		ephemeral:  opts.Range,
		rand:       opts.Rand,
		maxRandTry: opts.MaxTry,
	}
}

// Occupy marks port as used. Port 0 picks an ephemeral port.
// release frees the port again; calling it more than once is harmless.
func (p *PortTable) Occupy(port uint16) (ok bool, result uint16, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port == 0 {
		return p.occupyEphemeralLocked()
	}

	if ok, release := p.occupyLocked(port); ok {
		return true, port, release
	}

	return false, 0, nil
}

// InUse reports whether port is currently occupied.
func (p *PortTable) InUse(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, found := p.table[port]
	return found
}

func (p *PortTable) occupyEphemeralLocked() (ok bool, port uint16, release func()) {
	if p.ephemeral[0] == p.ephemeral[1] {
		return false, 0, nil
	}

	for try := uint(0); try < p.maxRandTry; try++ {
		port := p.selectEphemeral()

		if port == 0 {
			continue
		}

		if ok, release := p.occupyLocked(port); ok {
			return true, port, release
		}
	}

	return false, 0, nil
}

func (p *PortTable) occupyLocked(port uint16) (ok bool, release func()) {
	if _, found := p.table[port]; found {
		return false, nil
	}

	p.table[port] = struct{}{}

	var once sync.Once
	release = func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.table, port)
		})
	}

	return true, release
}

func (p *PortTable) selectEphemeral() uint16 {
	gap := p.ephemeral[1] - p.ephemeral[0]
	return p.ephemeral[0] + (p.rand() % gap)
}
