// Package registry owns every Sink and Source of a process and hands out
// small integer handles for them.
//
// Handles are assigned in creation order starting at 0 and are never reused.
// A failed creation does not use up a handle.
package registry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"pixel-control/application/opc"
	"pixel-control/application/opc/actor/sink"
	"pixel-control/application/opc/actor/source"
	"pixel-control/application/util/domain"
	"pixel-control/lib/ds/arena"
	"pixel-control/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type (
	SinkHandle   arena.Handle
	SourceHandle arena.Handle
)

type Registry struct {
	// Serializes creation, so capacity checks and registration agree.
	createMu sync.Mutex

	sinks   *arena.Arena[*sink.Sink]
	sources *arena.Arena[*source.Source]

	network  transport.Network
	lookuper domain.Lookuper

	logger *slog.Logger
	clock  clock.Clock
	opts   Options
}

func New(
	network transport.Network,
	lookuper domain.Lookuper,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Registry {
	if opts.MaxSinks == 0 {
		opts.MaxSinks = DefaultMaxSinks
	}
	if opts.MaxSources == 0 {
		opts.MaxSources = DefaultMaxSources
	}
	if opts.DefaultPort == 0 {
		opts.DefaultPort = opc.DefaultPort
	}
	if opts.Metrics != nil {
		opts.Sink.Metrics = opts.Metrics
		opts.Source.Metrics = opts.Metrics
	}

	return &Registry{
		sinks:    arena.New[*sink.Sink](opts.MaxSinks),
		sources:  arena.New[*source.Source](opts.MaxSources),
		network:  network,
		lookuper: lookuper,
		logger:   logger,
		clock:    clock,
		opts:     opts,
	}
}

// NewSink resolves "host[:port]" and registers a sink for it.
// No connection is made until the first send.
func (r *Registry) NewSink(ctx context.Context, hostport string) (SinkHandle, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.checkRoom(r.sinks.Len(), r.sinks.Cap(), "sinks"); err != nil {
		return -1, err
	}

	addr, err := sink.ResolveAddr(ctx, r.lookuper, hostport, r.opts.DefaultPort)
	if err != nil {
		r.logger.Error("host not found", "destination", hostport, "error", err.Error())
		return -1, errors.Wrapf(err, "creating sink for %s", hostport)
	}

	return r.registerSink(sink.NewNetwork(r.network, addr, r.logger, r.clock, r.opts.Sink))
}

// NewFileSink registers a sink appending to path.
func (r *Registry) NewFileSink(path string) (SinkHandle, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.checkRoom(r.sinks.Len(), r.sinks.Cap(), "sinks"); err != nil {
		return -1, err
	}

	s, err := sink.NewFile(path, r.logger, r.clock, r.opts.Sink)
	if err != nil {
		r.logger.Error("invalid file sink", "error", err.Error())
		return -1, errors.Wrap(err, "creating file sink")
	}

	return r.registerSink(s)
}

func (r *Registry) registerSink(s *sink.Sink) (SinkHandle, error) {
	h, err := r.sinks.Register(s)
	if err != nil {
		return -1, err
	}

	r.logger.Debug("sink created", "handle", h, "sink", s.Label())
	return SinkHandle(h), nil
}

// NewSource listens on port and registers a source for it.
func (r *Registry) NewSource(port uint16) (SourceHandle, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.checkRoom(r.sources.Len(), r.sources.Cap(), "sources"); err != nil {
		return -1, err
	}

	s, err := source.New(r.network, port, r.logger, r.clock, r.opts.Source)
	if err != nil {
		r.logger.Error("unable to create source", "port", port, "error", err.Error())
		return -1, errors.Wrap(err, "creating source")
	}

	h, err := r.sources.Register(s)
	if err != nil {
		_ = s.Close()
		return -1, err
	}

	return SourceHandle(h), nil
}

func (r *Registry) checkRoom(n, capacity int, what string) error {
	if n < capacity {
		return nil
	}
	r.logger.Error("no more "+what+" available", "max", capacity)
	return errors.Wrapf(arena.ErrFull, "no more %s available (max %d)", what, capacity)
}

func (r *Registry) Sink(h SinkHandle) (*sink.Sink, error) {
	return r.sinks.Lookup(arena.Handle(h))
}

func (r *Registry) Source(h SourceHandle) (*source.Source, error) {
	return r.sources.Lookup(arena.Handle(h))
}

// PutPixels sends pixels through the sink at h.
func (r *Registry) PutPixels(ctx context.Context, h SinkHandle, channel uint8, pixels []opc.Pixel) error {
	s, err := r.Sink(h)
	if err != nil {
		return err
	}
	return s.PutPixels(ctx, channel, pixels)
}

func (r *Registry) Send(ctx context.Context, h SinkHandle, f opc.Frame) error {
	s, err := r.Sink(h)
	if err != nil {
		return err
	}
	return s.Send(ctx, f)
}

// Receive polls the source at h once. See [source.Source.Poll].
func (r *Registry) Receive(ctx context.Context, h SourceHandle, handler source.Handler, timeout time.Duration) (bool, error) {
	s, err := r.Source(h)
	if err != nil {
		return false, err
	}
	return s.Poll(ctx, handler, timeout), nil
}

func (r *Registry) ResetSource(h SourceHandle) error {
	s, err := r.Source(h)
	if err != nil {
		return err
	}
	s.Reset()
	return nil
}

// Close closes every sink and source. Handles stay valid, but their
// sends fail and their polls do nothing.
func (r *Registry) Close() error {
	var errs []error

	for _, s := range r.sinks.All() {
		if err := s.Close(); err != nil && !errors.Is(err, sink.ErrSinkClosed) {
			errs = append(errs, err)
		}
	}
	for _, s := range r.sources.All() {
		if err := s.Close(); err != nil && !errors.Is(err, source.ErrSourceClosed) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "closing registry")
	}
	return nil
}
