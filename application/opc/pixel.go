package opc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const PixelLen = 3

// MaxPixelsPerFrame is the most pixels one set-pixels payload can carry.
const MaxPixelsPerFrame = MaxPayloadLen / PixelLen

var ErrTooManyPixels = errors.Errorf("more than %d pixels in one frame", MaxPixelsPerFrame)

type Pixel struct {
	R, G, B uint8
}

func (p Pixel) String() string { return fmt.Sprintf("%02x %02x %02x", p.R, p.G, p.B) }

// PixelFrame builds a set-pixels frame. Producers with more than
// [MaxPixelsPerFrame] pixels must split them over several frames or channels.
func PixelFrame(channel uint8, pixels []Pixel) (Frame, error) {
	if len(pixels) > MaxPixelsPerFrame {
		return Frame{}, errors.Wrapf(ErrTooManyPixels, "got %d", len(pixels))
	}

	return Frame{
		Channel: channel,
		Command: CmdSetPixels,
		Payload: AppendPixels(make([]byte, 0, len(pixels)*PixelLen), pixels),
	}, nil
}

func AppendPixels(b []byte, pixels []Pixel) []byte {
	for _, p := range pixels {
		b = append(b, p.R, p.G, p.B)
	}
	return b
}

// DecodePixels appends the pixels in payload to dst.
// A trailing partial pixel is ignored.
func DecodePixels(dst []Pixel, payload []byte) []Pixel {
	for i := 0; i+PixelLen <= len(payload); i += PixelLen {
		dst = append(dst, Pixel{payload[i], payload[i+1], payload[i+2]})
	}
	return dst
}

// ParseHexColor accepts "rgb" and "rrggbb".
func ParseHexColor(s string) (Pixel, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Pixel{}, errors.Wrapf(err, "parsing color %q", s)
	}

	switch len(s) {
	case 3:
		// Each digit is repeated: "f80" is "ff8800".
		return Pixel{
			R: uint8(v>>8&0xF) * 0x11,
			G: uint8(v>>4&0xF) * 0x11,
			B: uint8(v&0xF) * 0x11,
		}, nil
	case 6:
		return Pixel{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
	}

	return Pixel{}, errors.Errorf("color %q must have 3 or 6 hex digits", s)
}

// Summarize describes at most limit pixels, e.g. "2 pixels = ff 00 00, 00 ff 00".
func Summarize(pixels []Pixel, limit int) string {
	var sb strings.Builder

	sb.WriteString(strconv.Itoa(len(pixels)))
	if len(pixels) == 1 {
		sb.WriteString(" pixel")
	} else {
		sb.WriteString(" pixels")
	}

	sep := " = "
	for i, p := range pixels {
		if i >= limit {
			sb.WriteString(", ...")
			break
		}
		sb.WriteString(sep)
		sb.WriteString(p.String())
		sep = ", "
	}

	return sb.String()
}
