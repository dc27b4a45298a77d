// Package arena implements an append-only table of fixed capacity.
// Records are addressed by the index they were registered at and are never
// removed or reused.
package arena

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrFull     = errors.New("arena is full")
	ErrNotExist = errors.New("no record at handle")
)

type Handle int

type Arena[T any] struct {
	mu      sync.Mutex
	records []T
}

func New[T any](capacity uint) *Arena[T] {
	return &Arena[T]{records: make([]T, 0, capacity)}
}

// Register stores record at the next free handle.
func (a *Arena[T]) Register(record T) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.records) == cap(a.records) {
		return -1, errors.Wrapf(ErrFull, "capacity %d", cap(a.records))
	}

	a.records = append(a.records, record)
	return Handle(len(a.records) - 1), nil
}

func (a *Arena[T]) Lookup(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h < 0 || int(h) >= len(a.records) {
		var zero T
		return zero, errors.Wrapf(ErrNotExist, "handle %d", h)
	}
	return a.records[h], nil
}

func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func (a *Arena[T]) Cap() int { return cap(a.records) }

// All returns a copy of every registered record in handle order.
func (a *Arena[T]) All() []T {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]T, len(a.records))
	copy(out, a.records)
	return out
}
