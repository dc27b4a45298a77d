// Command opc-client reads pixel lines from stdin and sends them as
// Open Pixel Control frames.
//
// Each line is a channel number followed by colors in hex, three or six
// digits each:
//
//	0 ff0000 00ff00 00f
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pixel-control/application/opc"
	"pixel-control/application/opc/registry"
	"pixel-control/application/util/domain"
	"pixel-control/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

// maxLineLen fits a full frame of "rrggbb " tokens.
const maxLineLen = opc.MaxPixelsPerFrame * 8

type Env struct {
	File           string        `env:"OPC_FILE"`
	ConnectTimeout time.Duration `env:"OPC_CONNECT_TIMEOUT,default=1s"`
	WriteTimeout   time.Duration `env:"OPC_WRITE_TIMEOUT,default=1s"`
	Debug          bool          `env:"OPC_DEBUG,default=false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := rootCmd(ctx)
	if err == nil {
		err = cmd.ExecuteContext(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "opc-client: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd(ctx context.Context) (*cobra.Command, error) {
	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}

	cmd := &cobra.Command{
		Use:   "opc-client <server>[:<port>]",
		Short: "Send pixel lines from stdin over Open Pixel Control",
		Long: `Read lines of the form "<channel> <color> <color> ..." from stdin, where each
color is 3 or 6 hex digits, and send every line as one set-pixels frame.

The destination is a server address, or a file given with --file to which
frames are appended. Every flag can also be set through the environment
variable in brackets.

Examples:
  echo "0 ff0000 00ff00" | opc-client localhost
  opc-client --file frames.opc < pattern.txt`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			if (dest == "") == (env.File == "") {
				return errors.New("need exactly one of <server>[:<port>] or --file")
			}

			logger := newLogger(cmd.ErrOrStderr(), env.Debug)
			return run(cmd.Context(), env, dest, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&env.File, "file", "f", env.File, "append frames to this file instead of sending them [OPC_FILE]")
	flags.DurationVar(&env.ConnectTimeout, "connect-timeout", env.ConnectTimeout, "bound on each connect attempt [OPC_CONNECT_TIMEOUT]")
	flags.DurationVar(&env.WriteTimeout, "write-timeout", env.WriteTimeout, "bound on writing one frame [OPC_WRITE_TIMEOUT]")
	flags.BoolVar(&env.Debug, "debug", env.Debug, "log at debug level [OPC_DEBUG]")

	return cmd, nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, env Env, dest string, logger *slog.Logger, in io.Reader, out io.Writer) error {
	opts := registry.DefaultOptions()
	opts.Sink.Timeout.Connect = env.ConnectTimeout
	opts.Sink.Timeout.Write = env.WriteTimeout
	opts.Sink.Timeout.RefusedBackoff = env.ConnectTimeout

	reg := registry.New(tcp.NewNetwork(), domain.NewNetLookuper(nil), logger, clock.New(), opts)
	//goland:noinspection GoUnhandledErrorResult
	defer reg.Close()

	var (
		h   registry.SinkHandle
		err error
	)
	if env.File != "" {
		h, err = reg.NewFileSink(env.File)
	} else {
		h, err = reg.NewSink(ctx, dest)
	}
	if err != nil {
		return err
	}

	return pump(ctx, reg, h, logger, in, out)
}

// pump sends every valid line of in. Send failures are logged and the
// next line tries again.
func pump(ctx context.Context, reg *registry.Registry, h registry.SinkHandle, logger *slog.Logger, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLen)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		l, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		for _, token := range l.Invalid {
			logger.Warn("invalid color, using black", "color", token)
		}

		fmt.Fprintf(out, "<- channel %d: %s\n", l.Channel, opc.Summarize(l.Pixels, 4))

		if err := reg.PutPixels(ctx, h, l.Channel, l.Pixels); err != nil {
			logger.Debug("frame not sent", "error", err.Error())
		}
	}

	return errors.Wrap(scanner.Err(), "reading input")
}

type line struct {
	Channel uint8
	Pixels  []opc.Pixel
	Invalid []string
}

// parseLine reads "<channel> <color>...". Lines not starting with a channel
// number are skipped. Colors that do not parse become black pixels, so the
// pixel positions of the rest of the line are kept.
func parseLine(s string) (line, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return line{}, false
	}

	channel, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return line{}, false
	}

	l := line{Channel: uint8(channel), Pixels: make([]opc.Pixel, 0, len(fields)-1)}
	for _, token := range fields[1:] {
		p, err := opc.ParseHexColor(token)
		if err != nil {
			l.Invalid = append(l.Invalid, token)
		}
		l.Pixels = append(l.Pixels, p)
	}

	return l, true
}
