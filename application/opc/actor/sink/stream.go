package sink

import (
	"context"
	"os"
	"time"

	"pixel-control/transport"

	"github.com/pkg/errors"
)

// stream is where a sink writes its frames.
type stream interface {
	Write(p []byte) (int, error)
	Close() error
	SetWriteDeadLine(t time.Time)
}

var _ stream = (transport.Conn)(nil)

type opener func(ctx context.Context) (stream, error)

func dialOpener(d transport.ConnDialer, addr transport.Addr) opener {
	return func(ctx context.Context) (stream, error) {
		conn, err := d.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func fileOpener(path string) opener {
	return func(context.Context) (stream, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", path)
		}
		return fileStream{f}, nil
	}
}

// fileStream writes to a local file. Writes to regular files do not block
// on a peer, so deadlines are ignored.
type fileStream struct{ *os.File }

func (fileStream) SetWriteDeadLine(time.Time) {}
