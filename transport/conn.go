package transport

import (
	"errors"
	"time"
)

var (
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnListenerClosed = errors.New("conn listener is closed")
	ErrConnRefused        = errors.New("connection refused")
	ErrNetUnreachable     = errors.New("network unreachable")
	ErrAddrAlreadyInUse   = errors.New("address already in use")
	ErrDeadLineExceeded   = errors.New("deadline exceeded")
)

type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	LocalAddr() Addr
	RemoteAddr() Addr

	// Zero value removes the deadline.
	SetReadDeadLine(t time.Time)
	SetWriteDeadLine(t time.Time)
}

// BufferedConn is a [Conn] whose writes complete without a matching read,
// as long as the peer's buffer has room.
type BufferedConn interface {
	Conn
	ReadBufSize() uint
	WriteBufSize() uint
}
