// Command opc-server listens for Open Pixel Control frames and prints them.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pixel-control/application/opc"
	"pixel-control/application/opc/actor/source"
	"pixel-control/application/opc/metrics"
	"pixel-control/application/opc/registry"
	"pixel-control/application/util/domain"
	"pixel-control/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

type Env struct {
	Port              uint16        `env:"OPC_PORT,default=7890"`
	PollTimeout       time.Duration `env:"OPC_POLL_TIMEOUT,default=1s"`
	InactivityTimeout time.Duration `env:"OPC_INACTIVITY_TIMEOUT,default=0s"`
	MetricsAddr       string        `env:"OPC_METRICS_ADDR"`
	Replay            string        `env:"OPC_REPLAY"`
	Debug             bool          `env:"OPC_DEBUG,default=false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := rootCmd(ctx)
	if err == nil {
		err = cmd.ExecuteContext(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "opc-server: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd(ctx context.Context) (*cobra.Command, error) {
	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}

	cmd := &cobra.Command{
		Use:   "opc-server [port]",
		Short: "Print every pixel frame received over Open Pixel Control",
		Long: `Listen for one Open Pixel Control client at a time and print a line per
set-pixels frame, showing the first few pixels.

With --replay, print the frames of a file written by "opc-client --file"
instead of listening.

Every flag can also be set through the environment variable in brackets.
Send SIGHUP to drop the current client and listen again.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				port, err := strconv.ParseUint(args[0], 10, 16)
				if err != nil {
					return errors.Wrapf(err, "invalid port %q", args[0])
				}
				env.Port = uint16(port)
			}

			logger := newLogger(cmd.ErrOrStderr(), env.Debug)
			if env.Replay != "" {
				return replayFile(env.Replay, newPrinter(cmd.OutOrStdout()), logger)
			}
			return run(cmd.Context(), env, logger, clock.New(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.Uint16VarP(&env.Port, "port", "p", env.Port, "port to listen on [OPC_PORT]")
	flags.DurationVar(&env.PollTimeout, "poll-timeout", env.PollTimeout, "longest single wait for a client or data [OPC_POLL_TIMEOUT]")
	flags.DurationVar(&env.InactivityTimeout, "inactivity-timeout", env.InactivityTimeout, "exit after this long without activity, 0 never exits [OPC_INACTIVITY_TIMEOUT]")
	flags.StringVar(&env.MetricsAddr, "metrics-addr", env.MetricsAddr, "serve Prometheus metrics on this address [OPC_METRICS_ADDR]")
	flags.StringVar(&env.Replay, "replay", env.Replay, "print the frames stored in this file and exit [OPC_REPLAY]")
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

func run(ctx context.Context, env Env, logger *slog.Logger, clock clock.Clock, out io.Writer) error {
	var m *metrics.Metrics
	if env.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg, metrics.DefaultNamespace)

		server := &http.Server{
			Addr:    env.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		//goland:noinspection GoUnhandledErrorResult
		defer server.Close()

		go func() {
			logger.Debug("serving metrics", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	opts := registry.DefaultOptions()
	opts.Metrics = m

	reg := registry.New(tcp.NewNetwork(), domain.NewNetLookuper(nil), logger, clock, opts)
	//goland:noinspection GoUnhandledErrorResult
	defer reg.Close()

	h, err := reg.NewSource(env.Port)
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	return serve(ctx, reg, h, hup, newPrinter(out), env, clock, logger)
}

func serve(
	ctx context.Context,
	reg *registry.Registry,
	h registry.SourceHandle,
	hup <-chan os.Signal,
	handler source.Handler,
	env Env,
	clock clock.Clock,
	logger *slog.Logger,
) error {
	lastActivity := clock.Now()

	for ctx.Err() == nil {
		select {
		case <-hup:
			logger.Info("resetting source")
			if err := reg.ResetSource(h); err != nil {
				return err
			}
		default:
		}

		active, err := reg.Receive(ctx, h, handler, env.PollTimeout)
		if err != nil {
			return err
		}

		if active {
			lastActivity = clock.Now()
			continue
		}

		if env.InactivityTimeout > 0 && clock.Since(lastActivity) >= env.InactivityTimeout {
			logger.Info("no activity, exiting", "timeout", env.InactivityTimeout)
			return nil
		}
	}

	return nil
}

func replayFile(path string, h source.Handler, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening replay file")
	}
	//goland:noinspection GoUnhandledErrorResult
	defer f.Close()

	return replay(bufio.NewReader(f), h, logger)
}

// replay hands every set-pixels frame of r to h, in order.
// A file cut off inside a frame is an error.
func replay(r io.Reader, h source.Handler, logger *slog.Logger) error {
	var pixels []opc.Pixel

	for n := 0; ; n++ {
		f, err := opc.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			logger.Debug("replay done", "frames", n)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "replaying frame %d", n)
		}

		if f.Command != opc.CmdSetPixels {
			logger.Debug("skipping frame", "channel", f.Channel, "command", f.Command.String())
			continue
		}

		pixels = opc.DecodePixels(pixels[:0], f.Payload)
		h.HandlePixels(f.Channel, pixels)
	}
}

type printer struct{ out io.Writer }

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

func (p *printer) HandlePixels(channel uint8, pixels []opc.Pixel) {
	fmt.Fprintf(p.out, "-> channel %d: %s\n", channel, opc.Summarize(pixels, 4))
}
