// Package source receives pixel frames from one peer at a time.
//
// A Source is either listening for a peer or connected to one. It is driven
// by repeated calls to [Source.Poll], each doing at most one accept or one
// read bounded by the given timeout.
package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pixel-control/application/opc"
	"pixel-control/transport"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type State uint8

const (
	Listening State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	}
	return "unknown"
}

var ErrSourceClosed = errors.New("source is closed")

type Source struct {
	mu sync.Mutex

	network transport.PortListener
	port    uint16

	// At most one of listener and conn is set. Both are nil while a
	// relisten is pending.
	listener transport.ConnListener
	conn     transport.Conn
	closed   bool

	reasm  *opc.Reassembler
	pixels []opc.Pixel

	logger     *slog.Logger
	connLogger *slog.Logger
	clock      clock.Clock
	opts       Options
}

// New binds port and starts listening. Port 0 binds any free port, which is
// then kept for every later relisten.
func New(
	network transport.PortListener,
	port uint16,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) (*Source, error) {
	l, err := network.Listen(port)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on port %d", port)
	}
	port = l.Addr().Port()

	logger = logger.With("port", port)
	logger.Info("listening")

	return &Source{
		network:    network,
		port:       port,
		listener:   l,
		reasm:      opc.NewReassembler(),
		pixels:     make([]opc.Pixel, 0, opc.MaxPixelsPerFrame),
		logger:     logger,
		connLogger: logger,
		clock:      clock,
		opts:       opts,
	}, nil
}

func (s *Source) Port() uint16 { return s.port }

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return Connected
	}
	return Listening
}

// Poll waits up to timeout for a peer or for bytes from the connected peer,
// handing every completed set-pixels frame to h. It reports whether anything
// happened: an accept, a read, or the peer going away.
// A timeout of zero or less waits until ctx ends.
func (s *Source) Poll(ctx context.Context, h Handler, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.conn == nil {
		return s.accept(ctx, timeout)
	}
	return s.read(ctx, h, timeout)
}

func (s *Source) accept(ctx context.Context, timeout time.Duration) bool {
	if s.listener == nil {
		if err := s.listen(); err != nil {
			s.logger.Warn("still unable to listen", "error", err.Error())
			s.sleep(ctx, timeout)
			return false
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = s.clock.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := s.listener.Accept(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("unexpected error when accepting connection", "error", err.Error())
			s.closeListener()
		}
		return false
	}

	// One peer at a time: nobody else can connect until this one leaves.
	s.closeListener()

	s.conn = conn
	s.reasm.Reset()
	s.connLogger = s.logger.With(
		"session", uuid.NewString(),
		"peer", conn.RemoteAddr().String(),
	)
	s.connLogger.Info("peer connected")
	s.opts.Metrics.ObserveAccept()

	return true
}

func (s *Source) read(ctx context.Context, h Handler, timeout time.Duration) bool {
	conn := s.conn

	if timeout > 0 {
		conn.SetReadDeadLine(s.clock.Now().Add(timeout))
	} else {
		conn.SetReadDeadLine(time.Time{})
	}

	// Cancelling ctx expires the deadline to unblock the read.
	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		conn.SetReadDeadLine(s.clock.Now().Add(-time.Second))
	})
	n, err := conn.Read(s.reasm.Next())
	if !stop() {
		<-woken
	}

	if n > 0 {
		s.opts.Metrics.ObserveBytes(n)
		if f, ok := s.reasm.Advance(n); ok {
			s.dispatch(h, f)
		}
	}

	switch {
	case err == nil && n > 0:
		return true
	case errors.Is(err, transport.ErrDeadLineExceeded):
		return n > 0
	case err == nil, errors.Is(err, transport.ErrConnClosed):
		s.disconnect("peer closed connection", nil)
	default:
		s.disconnect("read failed", err)
	}
	return true
}

func (s *Source) dispatch(h Handler, f opc.Frame) {
	if f.Command != opc.CmdSetPixels {
		s.connLogger.Debug("discarding frame", "channel", f.Channel, "command", f.Command.String(), "len", len(f.Payload))
		s.opts.Metrics.ObserveFrame(f.Command, false)
		return
	}
	s.opts.Metrics.ObserveFrame(f.Command, true)

	if h == nil {
		return
	}

	s.pixels = opc.DecodePixels(s.pixels[:0], f.Payload)
	if err := doHandle(h, f.Channel, s.pixels); err != nil {
		s.connLogger.Error("error while handling pixels", "channel", f.Channel, "error", err.Error())
	}
}

// Reset drops the connected peer, if any, and goes back to listening.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.conn != nil {
		s.disconnect("reset", nil)
		return
	}

	if s.listener == nil {
		if err := s.listen(); err != nil {
			s.logger.Error("unable to listen", "error", err.Error())
		}
	}
}

// disconnect must be called with s.mu held and s.conn set.
func (s *Source) disconnect(reason string, cause error) {
	attrs := []any{"reason", reason}
	if cause != nil {
		attrs = append(attrs, "error", cause.Error())
	}
	if s.reasm.Pending() {
		attrs = append(attrs, "partial_frame", true)
	}
	s.connLogger.Info("peer disconnected", attrs...)

	_ = s.conn.Close()
	s.conn = nil
	s.reasm.Reset()
	s.connLogger = s.logger
	s.opts.Metrics.ObserveDisconnect()

	if err := s.listen(); err != nil {
		s.logger.Error("unable to listen again, retrying on next poll", "error", err.Error())
	}
}

func (s *Source) listen() error {
	l, err := s.network.Listen(s.port)
	if err != nil {
		return errors.Wrapf(err, "listening on port %d", s.port)
	}
	s.listener = l
	s.logger.Info("listening")
	return nil
}

func (s *Source) closeListener() {
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, transport.ErrConnListenerClosed) {
		s.logger.Warn("closing listener", "error", err.Error())
	}
	s.listener = nil
}

func (s *Source) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := s.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close releases the peer and the port. Later polls do nothing.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSourceClosed
	}
	s.closed = true

	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	if s.listener != nil {
		if lerr := s.listener.Close(); err == nil {
			err = lerr
		}
		s.listener = nil
	}

	if err != nil {
		return errors.Wrap(err, "closing source")
	}
	return nil
}
