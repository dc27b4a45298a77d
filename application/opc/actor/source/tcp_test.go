package source

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"pixel-control/application/opc"
	"pixel-control/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceOverTCP(t *testing.T) {
	network := tcp.NewNetwork()

	src, err := New(network, 0, slog.New(slog.DiscardHandler), clock.New(), Options{})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := network.Dial(ctx, tcp.NewAddr(netip.MustParseAddr("127.0.0.1"), src.Port()))
	require.NoError(t, err)

	var got []opc.Pixel
	handler := HandlerFunc(func(channel uint8, pixels []opc.Pixel) {
		got = append([]opc.Pixel(nil), pixels...)
	})

	for src.State() != Connected {
		require.NoError(t, ctx.Err())
		src.Poll(ctx, handler, 50*time.Millisecond)
	}

	_, err = conn.Write([]byte{0x00, 0x00, 0x00, 0x06, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00})
	require.NoError(t, err)

	for got == nil {
		require.NoError(t, ctx.Err())
		src.Poll(ctx, handler, 50*time.Millisecond)
	}
	assert.Equal(t, []opc.Pixel{{R: 255, G: 0, B: 0}, {R: 0, G: 255, B: 0}}, got)

	// Closing the client sends the source back to listening on the same port.
	require.NoError(t, conn.Close())
	for src.State() != Listening {
		require.NoError(t, ctx.Err())
		src.Poll(ctx, handler, 50*time.Millisecond)
	}

	conn, err = network.Dial(ctx, tcp.NewAddr(netip.MustParseAddr("127.0.0.1"), src.Port()))
	require.NoError(t, err)
	defer conn.Close()
}
