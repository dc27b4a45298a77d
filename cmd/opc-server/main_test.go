package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"pixel-control/application/opc"
	"pixel-control/application/opc/registry"
	"pixel-control/application/util/domain"
	"pixel-control/transport/pipe"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	p.HandlePixels(0, []opc.Pixel{{R: 255, G: 0, B: 0}, {R: 0, G: 255, B: 0}})
	p.HandlePixels(3, nil)
	p.HandlePixels(1, make([]opc.Pixel, 5))

	assert.Equal(t,
		"-> channel 0: 2 pixels = ff 00 00, 00 ff 00\n"+
			"-> channel 3: 0 pixels\n"+
			"-> channel 1: 5 pixels = 00 00 00, 00 00 00, 00 00 00, 00 00 00, ...\n",
		out.String(),
	)
}

func TestEnvDefaults(t *testing.T) {
	for _, key := range []string{"OPC_PORT", "OPC_POLL_TIMEOUT", "OPC_INACTIVITY_TIMEOUT", "OPC_METRICS_ADDR", "OPC_REPLAY", "OPC_DEBUG"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cmd, err := rootCmd(context.Background())
	require.NoError(t, err)

	port, err := cmd.Flags().GetUint16("port")
	require.NoError(t, err)
	assert.Equal(t, uint16(7890), port)

	poll, err := cmd.Flags().GetDuration("poll-timeout")
	require.NoError(t, err)
	assert.Equal(t, time.Second, poll)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPC_PORT", "7891")
	t.Setenv("OPC_INACTIVITY_TIMEOUT", "1m")

	cmd, err := rootCmd(context.Background())
	require.NoError(t, err)

	port, err := cmd.Flags().GetUint16("port")
	require.NoError(t, err)
	assert.Equal(t, uint16(7891), port)

	inactivity, err := cmd.Flags().GetDuration("inactivity-timeout")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, inactivity)
}

func TestServe(t *testing.T) {
	clk := clock.New()
	logger := slog.New(slog.DiscardHandler)

	reg := registry.New(
		pipe.NewPipeTransport(clk, pipe.DefaultOptions()),
		domain.NewMapLookuper(map[string][]netip.Addr{"localhost": {netip.MustParseAddr("127.0.0.1")}}),
		logger,
		clk,
		registry.DefaultOptions(),
	)
	defer reg.Close()

	src, err := reg.NewSource(opc.DefaultPort)
	require.NoError(t, err)
	snk, err := reg.NewSink(context.Background(), "localhost")
	require.NoError(t, err)

	require.NoError(t, reg.PutPixels(context.Background(), snk, 2, []opc.Pixel{{R: 1, G: 2, B: 3}}))

	env := Env{PollTimeout: 5 * time.Millisecond, InactivityTimeout: 50 * time.Millisecond}
	hup := make(chan os.Signal, 1)
	hup <- os.Interrupt

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), reg, src, hup, newPrinter(&out), env, clk, logger) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit after inactivity")
	}

	assert.Equal(t, "-> channel 2: 1 pixel = 01 02 03\n", out.String())
}

func TestServeCancelled(t *testing.T) {
	clk := clock.New()
	logger := slog.New(slog.DiscardHandler)

	reg := registry.New(pipe.NewPipeTransport(clk, pipe.DefaultOptions()), nil, logger, clk, registry.DefaultOptions())
	defer reg.Close()

	src, err := reg.NewSource(opc.DefaultPort)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = serve(ctx, reg, src, nil, newPrinter(&bytes.Buffer{}), Env{}, clk, logger)
	assert.NoError(t, err)
}

func TestReplay(t *testing.T) {
	var file bytes.Buffer
	for _, f := range []opc.Frame{
		{Channel: 0, Command: opc.CmdSetPixels, Payload: []byte{0xFF, 0, 0, 0, 0xFF, 0}},
		{Channel: 4, Command: 0x7F, Payload: []byte{1, 2}},
		{Channel: 1, Command: opc.CmdSetPixels, Payload: []byte{}},
	} {
		require.NoError(t, opc.WriteFrame(&file, f))
	}

	var out bytes.Buffer
	require.NoError(t, replay(&file, newPrinter(&out), slog.New(slog.DiscardHandler)))

	assert.Equal(t,
		"-> channel 0: 2 pixels = ff 00 00, 00 ff 00\n"+
			"-> channel 1: 0 pixels\n",
		out.String(),
	)
}

func TestReplayTruncated(t *testing.T) {
	var out bytes.Buffer
	err := replay(bytes.NewReader([]byte{0, 0, 0, 6, 1, 2}), newPrinter(&out), slog.New(slog.DiscardHandler))

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Empty(t, out.String())
}

func TestReplayFileFromSink(t *testing.T) {
	clk := clock.New()
	logger := slog.New(slog.DiscardHandler)
	path := t.TempDir() + "/frames.opc"

	reg := registry.New(pipe.NewPipeTransport(clk, pipe.DefaultOptions()), nil, logger, clk, registry.DefaultOptions())
	defer reg.Close()

	h, err := reg.NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, reg.PutPixels(context.Background(), h, 3, []opc.Pixel{{R: 1, G: 2, B: 3}}))

	var out bytes.Buffer
	require.NoError(t, replayFile(path, newPrinter(&out), logger))
	assert.Equal(t, "-> channel 3: 1 pixel = 01 02 03\n", out.String())

	assert.Error(t, replayFile(path+".missing", newPrinter(&out), logger))
}
