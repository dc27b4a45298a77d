// Package sink sends pixel frames to a server or appends them to a file.
//
// A Sink connects lazily: nothing is dialed or opened until the first send,
// and any failure closes the stream so that the next send starts over with a
// fresh connect. No send blocks longer than its configured timeouts.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pixel-control/application/opc"
	"pixel-control/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const MaxPathLen = 1024

var (
	ErrPathTooLong = errors.Errorf("path longer than %d bytes", MaxPathLen)
	ErrSinkClosed  = errors.New("sink is closed")
)

type Sink struct {
	mu sync.Mutex

	label string
	open  opener

	// conn is non-nil exactly while the stream is open.
	conn   stream
	closed bool

	logger *slog.Logger
	clock  clock.Clock
	opts   Options
}

// NewNetwork creates a sink for a server at addr. Nothing is dialed yet.
func NewNetwork(
	d transport.ConnDialer,
	addr transport.Addr,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Sink {
	return newSink(addr.String(), dialOpener(d, addr), logger, clock, opts)
}

// NewFile creates a sink appending frames to path. The file is opened,
// and created if needed, on the first send.
func NewFile(path string, logger *slog.Logger, clock clock.Clock, opts Options) (*Sink, error) {
	if len(path) > MaxPathLen {
		return nil, errors.Wrapf(ErrPathTooLong, "got %d bytes", len(path))
	}
	return newSink(path, fileOpener(path), logger, clock, opts), nil
}

func newSink(label string, open opener, logger *slog.Logger, clock clock.Clock, opts Options) *Sink {
	return &Sink{
		label:  label,
		open:   open,
		logger: logger.With("sink", label),
		clock:  clock,
		opts:   opts,
	}
}

// Label is the resolved destination, "ip:port" or the file path.
func (s *Sink) Label() string { return s.label }

func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// PutPixels sends one set-pixels frame on channel.
// More than [opc.MaxPixelsPerFrame] pixels are refused without touching the
// connection.
func (s *Sink) PutPixels(ctx context.Context, channel uint8, pixels []opc.Pixel) error {
	f, err := opc.PixelFrame(channel, pixels)
	if err != nil {
		s.logger.Warn("refusing to send frame", "channel", channel, "pixels", len(pixels), "error", err.Error())
		return err
	}
	return s.Send(ctx, f)
}

// Send writes f as a whole, connecting first if needed.
func (s *Sink) Send(ctx context.Context, f opc.Frame) error {
	if _, err := f.Header(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	if err := s.connect(ctx); err != nil {
		s.opts.Metrics.ObserveSend(false)
		return err
	}

	if err := s.write(ctx, f); err != nil {
		s.logger.Warn("send failed, closing", "error", err.Error())
		s.disconnect()
		s.opts.Metrics.ObserveSend(false)
		return errors.Wrapf(err, "sending to %s", s.label)
	}

	s.opts.Metrics.ObserveSend(true)
	return nil
}

// connect makes exactly one attempt when no stream is open.
func (s *Sink) connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	dialCtx := ctx
	if timeout := s.opts.Timeout.Connect; timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = s.clock.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := s.open(dialCtx)
	if err != nil {
		s.opts.Metrics.ObserveConnect(false)
		s.logger.Warn("failed to connect", "error", err.Error())

		if errors.Is(err, transport.ErrConnRefused) {
			s.sleep(ctx, s.opts.Timeout.RefusedBackoff)
		}
		return errors.Wrapf(err, "connecting to %s", s.label)
	}

	s.opts.Metrics.ObserveConnect(true)
	s.logger.Info("connected")
	s.conn = conn

	return nil
}

func (s *Sink) write(ctx context.Context, f opc.Frame) error {
	conn := s.conn

	if timeout := s.opts.Timeout.Write; timeout > 0 {
		conn.SetWriteDeadLine(s.clock.Now().Add(timeout))
	} else {
		conn.SetWriteDeadLine(time.Time{})
	}

	// Cancelling ctx expires the deadline to unblock the write.
	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		conn.SetWriteDeadLine(s.clock.Now().Add(-time.Second))
	})
	defer func() {
		if !stop() {
			<-woken
		}
	}()

	return opc.WriteFrame(conn, f)
}

func (s *Sink) disconnect() {
	if err := s.conn.Close(); err != nil && !errors.Is(err, transport.ErrConnClosed) {
		s.logger.Warn("closing stream", "error", err.Error())
	}
	s.conn = nil
}

func (s *Sink) sleep(ctx context.Context, d time.Duration) {
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

// Close closes the stream if open. Later sends fail with [ErrSinkClosed].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.Wrapf(err, "closing %s", s.label)
	}
	return nil
}
