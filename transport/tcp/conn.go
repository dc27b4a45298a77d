package tcp

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"pixel-control/transport"
)

type conn struct {
	c *net.TCPConn

	local, remote Addr
}

var _ transport.Conn = (*conn)(nil)

func newConn(c *net.TCPConn) *conn {
	return &conn{
		c:      c,
		local:  addrFrom(c.LocalAddr()),
		remote: addrFrom(c.RemoteAddr()),
	}
}

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.c.Read(p)
	return n, mapError(err)
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.c.Write(p)
	return n, mapError(err)
}

func (c *conn) Close() error {
	if err := c.c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *conn) LocalAddr() transport.Addr  { return c.local }
func (c *conn) RemoteAddr() transport.Addr { return c.remote }

// Deadline errors are ignored; they only happen on a closed socket,
// which the next Read or Write reports anyway.
func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.c.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.c.SetWriteDeadline(t) }

// mapError translates socket errors into the transport vocabulary,
// keeping the original error as the message.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrDeadLineExceeded
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return wrap(transport.ErrConnClosed, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return wrap(transport.ErrConnRefused, err)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return wrap(transport.ErrNetUnreachable, err)
	case errors.Is(err, syscall.EADDRINUSE):
		return wrap(transport.ErrAddrAlreadyInUse, err)
	}
	return err
}

type mappedError struct {
	sentinel, cause error
}

func wrap(sentinel, cause error) error { return &mappedError{sentinel, cause} }

func (e *mappedError) Error() string   { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *mappedError) Unwrap() []error { return []error{e.sentinel, e.cause} }
