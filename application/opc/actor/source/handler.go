package source

import (
	"pixel-control/application/opc"

	"github.com/pkg/errors"
)

// Handler receives the pixels of every set-pixels frame.
//
// pixels aliases a buffer owned by the Source and is only valid during the
// call. HandlePixels runs on the polling goroutine with the Source locked,
// so it must not call back into the Source.
type Handler interface {
	HandlePixels(channel uint8, pixels []opc.Pixel)
}

type HandlerFunc func(channel uint8, pixels []opc.Pixel)

func (f HandlerFunc) HandlePixels(channel uint8, pixels []opc.Pixel) { f(channel, pixels) }

func doHandle(h Handler, channel uint8, pixels []opc.Pixel) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("handler panicked: %v", e)
		}
	}()

	h.HandlePixels(channel, pixels)
	return nil
}
