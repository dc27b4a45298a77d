package sink

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pixel-control/application/opc"
	"pixel-control/transport"
	"pixel-control/transport/pipe"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type SinkTestSuite struct {
	suite.Suite

	clock     *clock.Mock
	transport *pipe.PipeTransport
	listener  transport.ConnListener
	sink      *Sink
	opts      Options
}

func TestSinkTestSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}

func (s *SinkTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.opts = DefaultOptions()

	popts := pipe.DefaultOptions()
	popts.Backlog = 1
	s.transport = pipe.NewPipeTransport(s.clock, popts)

	var err error
	s.listener, err = s.transport.Listen(opc.DefaultPort)
	s.Require().NoError(err)

	s.sink = s.newSink(s.opts)
}

func (s *SinkTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	_ = s.sink.Close()
	_ = s.listener.Close()
}

func (s *SinkTestSuite) newSink(opts Options) *Sink {
	return NewNetwork(
		s.transport,
		pipe.NewAddr("pipe", opc.DefaultPort),
		slog.New(slog.DiscardHandler),
		s.clock,
		opts,
	)
}

func (s *SinkTestSuite) accept() transport.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := s.listener.Accept(ctx)
	s.Require().NoError(err)
	return conn
}

// noPendingConn asserts that nobody has dialed the listener.
func (s *SinkTestSuite) noPendingConn() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.listener.Accept(ctx)
	s.ErrorIs(err, context.Canceled)
}

// untilDone moves the mock clock by step until the result of fn is in.
func (s *SinkTestSuite) untilDone(step time.Duration, fn func() error) error {
	result := make(chan error, 1)
	go func() { result <- fn() }()

	for range 1000 {
		select {
		case err := <-result:
			return err
		default:
			s.clock.Add(step)
		}
	}

	s.FailNow("send never returned")
	return nil
}

func (s *SinkTestSuite) TestLazyConnect() {
	s.False(s.sink.Connected())
	s.noPendingConn()
	s.Equal("pipe:7890", s.sink.Label())
}

func (s *SinkTestSuite) TestPutPixels() {
	err := s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 255, G: 0, B: 0}, {R: 0, G: 255, B: 0}})
	s.Require().NoError(err)
	s.True(s.sink.Connected())

	conn := s.accept()
	defer conn.Close()

	b := make([]byte, 10)
	n, err := conn.Read(b)
	s.Require().NoError(err)
	s.Equal([]byte{0x00, 0x00, 0x00, 0x06, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00}, b[:n])

	// The connection is reused.
	s.Require().NoError(s.sink.PutPixels(context.Background(), 1, []opc.Pixel{{R: 1, G: 2, B: 3}}))
	s.noPendingConn()

	f, err := opc.ReadFrame(conn)
	s.Require().NoError(err)
	s.Equal(opc.Frame{Channel: 1, Command: opc.CmdSetPixels, Payload: []byte{1, 2, 3}}, f)
}

func (s *SinkTestSuite) TestSendArbitraryCommand() {
	frame := opc.Frame{Channel: 9, Command: 0xFF, Payload: []byte("sysex")}
	s.Require().NoError(s.sink.Send(context.Background(), frame))

	conn := s.accept()
	defer conn.Close()

	got, err := opc.ReadFrame(conn)
	s.Require().NoError(err)
	s.Equal(frame, got)
}

func (s *SinkTestSuite) TestTooManyPixels() {
	err := s.sink.PutPixels(context.Background(), 0, make([]opc.Pixel, opc.MaxPixelsPerFrame+1))
	s.ErrorIs(err, opc.ErrTooManyPixels)
	s.False(s.sink.Connected())
	s.noPendingConn()
}

func (s *SinkTestSuite) TestRefusedBacksOff() {
	s.Require().NoError(s.listener.Close())

	result := make(chan error, 1)
	go func() { result <- s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{}}) }()

	select {
	case <-result:
		s.FailNow("returned before the backoff")
	case <-time.After(20 * time.Millisecond):
	}

	err := s.untilDone(s.opts.Timeout.RefusedBackoff, func() error { return <-result })
	s.ErrorIs(err, transport.ErrConnRefused)
	s.False(s.sink.Connected())
}

func (s *SinkTestSuite) TestRefusedBackoffCancelled() {
	s.Require().NoError(s.listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.sink.PutPixels(ctx, 0, []opc.Pixel{{}})
	s.Error(err)
	s.False(s.sink.Connected())
}

func (s *SinkTestSuite) TestUnreachableThenRetry() {
	// Fill the backlog, so the next dial hangs like an unreachable host.
	blocker, err := s.transport.Dial(context.Background(), pipe.NewAddr("pipe", opc.DefaultPort))
	s.Require().NoError(err)
	defer blocker.Close()

	err = s.untilDone(s.opts.Timeout.Connect, func() error {
		return s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 1, G: 1, B: 1}})
	})
	s.ErrorIs(err, context.DeadlineExceeded)
	s.False(s.sink.Connected())

	// Room in the backlog again; the next send starts over and succeeds.
	first := s.accept()
	defer first.Close()

	s.Require().NoError(s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 2, G: 2, B: 2}}))
	s.True(s.sink.Connected())

	conn := s.accept()
	defer conn.Close()

	f, err := opc.ReadFrame(conn)
	s.Require().NoError(err)
	s.Equal([]byte{2, 2, 2}, f.Payload)
}

func (s *SinkTestSuite) TestWriteFailureReconnects() {
	s.Require().NoError(s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 1, G: 1, B: 1}}))
	s.Require().NoError(s.accept().Close())

	err := s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 2, G: 2, B: 2}})
	s.ErrorIs(err, transport.ErrConnClosed)
	s.False(s.sink.Connected())

	s.Require().NoError(s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 3, G: 3, B: 3}}))

	conn := s.accept()
	defer conn.Close()

	f, err := opc.ReadFrame(conn)
	s.Require().NoError(err)
	s.Equal([]byte{3, 3, 3}, f.Payload)
}

func (s *SinkTestSuite) TestWriteTimeout() {
	popts := pipe.DefaultOptions()
	popts.BufferSize = 8
	s.transport = pipe.NewPipeTransport(s.clock, popts)
	s.Require().NoError(s.listener.Close())

	var err error
	s.listener, err = s.transport.Listen(opc.DefaultPort)
	s.Require().NoError(err)
	s.sink = s.newSink(s.opts)

	// Nobody reads, so a frame larger than the buffer cannot complete.
	err = s.untilDone(s.opts.Timeout.Write, func() error {
		return s.sink.PutPixels(context.Background(), 0, make([]opc.Pixel, 4))
	})
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.False(s.sink.Connected())

	conn := s.accept()
	defer conn.Close()
}

func (s *SinkTestSuite) TestClose() {
	s.Require().NoError(s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 1, G: 1, B: 1}}))
	conn := s.accept()
	defer conn.Close()

	s.Require().NoError(s.sink.Close())
	s.ErrorIs(s.sink.Close(), ErrSinkClosed)
	s.False(s.sink.Connected())

	err := s.sink.PutPixels(context.Background(), 0, nil)
	s.ErrorIs(err, ErrSinkClosed)
}

func TestFileSink(t *testing.T) {
	s := new(fileSinkTestSuite)
	suite.Run(t, s)
}

type fileSinkTestSuite struct {
	suite.Suite
	dir string
}

func (s *fileSinkTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *fileSinkTestSuite) newFile(path string) (*Sink, error) {
	return NewFile(path, slog.New(slog.DiscardHandler), clock.New(), DefaultOptions())
}

func (s *fileSinkTestSuite) TestAppends() {
	path := filepath.Join(s.dir, "frames.opc")
	s.Require().NoError(os.WriteFile(path, []byte{7, 0, 0, 0}, 0o644))

	sink, err := s.newFile(path)
	s.Require().NoError(err)
	defer sink.Close()

	s.Equal(path, sink.Label())
	s.False(sink.Connected())

	s.Require().NoError(sink.PutPixels(context.Background(), 1, []opc.Pixel{{R: 1, G: 2, B: 3}}))
	s.Require().NoError(sink.PutPixels(context.Background(), 2, []opc.Pixel{{R: 4, G: 5, B: 6}}))
	s.True(sink.Connected())

	f, err := os.Open(path)
	s.Require().NoError(err)
	defer f.Close()

	var frames []opc.Frame
	for {
		frame, err := opc.ReadFrame(f)
		if err != nil {
			break
		}
		frames = append(frames, frame)
	}

	s.Equal([]opc.Frame{
		{Channel: 7, Command: opc.CmdSetPixels, Payload: []byte{}},
		{Channel: 1, Command: opc.CmdSetPixels, Payload: []byte{1, 2, 3}},
		{Channel: 2, Command: opc.CmdSetPixels, Payload: []byte{4, 5, 6}},
	}, frames)
}

func (s *fileSinkTestSuite) TestNotCreatedUntilSend() {
	path := filepath.Join(s.dir, "lazy.opc")

	sink, err := s.newFile(path)
	s.Require().NoError(err)
	defer sink.Close()

	s.NoFileExists(path)

	s.Require().NoError(sink.PutPixels(context.Background(), 0, nil))
	s.FileExists(path)
}

func (s *fileSinkTestSuite) TestOpenFails() {
	sink, err := s.newFile(filepath.Join(s.dir, "missing", "frames.opc"))
	s.Require().NoError(err)
	defer sink.Close()

	err = sink.PutPixels(context.Background(), 0, []opc.Pixel{{}})
	s.ErrorIs(err, os.ErrNotExist)
	s.False(sink.Connected())
}

func (s *fileSinkTestSuite) TestPathTooLong() {
	_, err := s.newFile(strings.Repeat("a", MaxPathLen+1))
	s.ErrorIs(err, ErrPathTooLong)

	_, err = s.newFile(strings.Repeat("a", MaxPathLen))
	s.NoError(err)
}

func (s *SinkTestSuite) TestConnectBoundedByClock() {
	blocker, err := s.transport.Dial(context.Background(), pipe.NewAddr("pipe", opc.DefaultPort))
	s.Require().NoError(err)
	defer blocker.Close()

	result := make(chan error, 1)
	go func() { result <- s.sink.PutPixels(context.Background(), 0, []opc.Pixel{{R: 1, G: 1, B: 1}}) }()

	select {
	case <-result:
		s.FailNow("connect returned before its timeout")
	case <-time.After(20 * time.Millisecond):
	}

	s.clock.Add(s.opts.Timeout.Connect)

	select {
	case err := <-result:
		s.ErrorIs(err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		s.FailNow("connect did not return after its timeout")
	}
	s.False(s.sink.Connected())
}

func (s *SinkTestSuite) TestSendPayloadTooLong() {
	err := s.sink.Send(context.Background(), opc.Frame{Payload: make([]byte, opc.MaxPayloadLen+1)})
	s.ErrorIs(err, opc.ErrPayloadTooLong)
	s.False(s.sink.Connected())
	s.noPendingConn()
}
