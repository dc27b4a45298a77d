package opc

import (
	"encoding/binary"
	"io"
	"strconv"

	iolib "pixel-control/lib/io"

	"github.com/pkg/errors"
)

const (
	DefaultPort = 7890

	// BroadcastChannel addresses every channel of the receiver.
	BroadcastChannel uint8 = 0

	HeaderLen     = 4
	MaxPayloadLen = 0xFFFF
)

type Command uint8

const (
	CmdSetPixels Command = 0
)

func (c Command) String() string {
	switch c {
	case CmdSetPixels:
		return "set-pixels"
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

var ErrPayloadTooLong = errors.New("payload exceeds 65535 bytes")

type Header struct {
	Channel uint8
	Command Command
	Length  uint16
}

func ParseHeader(b [HeaderLen]byte) Header {
	return Header{
		Channel: b[0],
		Command: Command(b[1]),
		Length:  binary.BigEndian.Uint16(b[2:4]),
	}
}

func (h Header) Bytes() [HeaderLen]byte {
	var b [HeaderLen]byte
	b[0] = h.Channel
	b[1] = byte(h.Command)
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	return b
}

// Frame is one complete message.
type Frame struct {
	Channel uint8
	Command Command
	Payload []byte
}

func (f Frame) Header() (Header, error) {
	if len(f.Payload) > MaxPayloadLen {
		return Header{}, errors.Wrapf(ErrPayloadTooLong, "got %d bytes", len(f.Payload))
	}
	return Header{Channel: f.Channel, Command: f.Command, Length: uint16(len(f.Payload))}, nil
}

// AppendTo appends the encoded frame to b.
func (f Frame) AppendTo(b []byte) ([]byte, error) {
	h, err := f.Header()
	if err != nil {
		return b, err
	}

	hb := h.Bytes()
	b = append(b, hb[:]...)
	b = append(b, f.Payload...)

	return b, nil
}

func (f Frame) Bytes() ([]byte, error) {
	return f.AppendTo(make([]byte, 0, HeaderLen+len(f.Payload)))
}

// WriteFrame writes f to w in one piece, retrying short writes.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := f.Bytes()
	if err != nil {
		return err
	}

	if _, err := iolib.WriteFull(w, b); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// ReadFrame blocks until a whole frame has been read from r.
// io.EOF is returned only if r ends exactly on a frame boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if err == io.EOF {
			return Frame{}, err
		}
		return Frame{}, errors.Wrap(err, "reading header")
	}

	h := ParseHeader(hb)
	f := Frame{Channel: h.Channel, Command: h.Command, Payload: make([]byte, h.Length)}

	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, errors.Wrap(err, "reading payload")
	}

	return f, nil
}
