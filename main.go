package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ALTree/kprof/internal/chrometrace"
	"github.com/ALTree/kprof/internal/config"
	"github.com/ALTree/kprof/internal/otlp"
	"github.com/ALTree/kprof/internal/output"
	"github.com/ALTree/kprof/internal/perfetto"
	"github.com/ALTree/kprof/internal/profbuf"
	"github.com/ALTree/kprof/internal/timeline"
)

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "kprof: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	fs := flag.NewFlagSet("kprof", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: kprof [flags] -o trace.pftrace input.bin\n")
		fs.PrintDefaults()
	}
	cfg, err := config.ParseConfig(fs, os.Args[1:])
	if err != nil {
		exitf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		fs.Usage()
		exitf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(os.Stderr, cfg.LogLevel)
	if err := run(ctx, cfg, os.Stdout, logger); err != nil {
		level.Error(logger).Log("msg", "conversion failed", "err", err)
		cancel()
		os.Exit(1)
	}
}

func newLogger(w io.Writer, lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, level.Allow(level.ParseDefault(lvl, level.InfoValue())))
}

// run converts the dump named by cfg.Input. Decoded instructions are
// printed to out when cfg.Verbose is set.
func run(ctx context.Context, cfg config.Config, out io.Writer, logger log.Logger) error {
	layout, err := profbuf.ParseLayout(cfg.Layout)
	if err != nil {
		return err
	}
	order, err := profbuf.ParseByteOrder(cfg.ByteOrder)
	if err != nil {
		return err
	}
	words, err := profbuf.ReadFile(cfg.Input, layout, order)
	if err != nil {
		return fmt.Errorf("read buffer: %w", err)
	}
	level.Debug(logger).Log("msg", "loaded buffer", "path", cfg.Input, "words", len(words), "layout", layout)

	reg := prometheus.NewRegistry()
	metrics := timeline.NewMetrics(reg)

	res, decodeErr := timeline.Reconstruct(words, timeline.Options{
		Strict:      cfg.Strict,
		EagerGroups: cfg.EagerGroups,
		Metrics:     metrics,
		Logger:      logger,
	})
	if res == nil {
		return decodeErr
	}

	for _, d := range res.Diagnostics {
		level.Warn(logger).Log(
			"msg", d.Msg,
			"kind", d.Kind,
			"offset", d.Offset,
			"block", d.Block,
			"category", d.Category,
			"phase", d.Phase,
			"ts", d.Timestamp,
		)
	}

	if cfg.Verbose {
		for _, in := range res.Instructions {
			ts := uint64(in.Timestamp)
			if !in.Timed() || (cfg.Start <= ts && ts <= cfg.End) {
				fmt.Fprintln(out, "|", in)
			}
		}
	}

	if decodeErr != nil {
		if !cfg.KeepPartial {
			return decodeErr
		}
		level.Warn(logger).Log("msg", "writing partial trace", "err", decodeErr)
	}

	dest, err := emit(ctx, cfg, res.Instructions)
	if err != nil {
		return err
	}

	if cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	s := res.Stats
	level.Info(logger).Log(
		"msg", "done",
		"blocks", res.NumBlocks,
		"records", s.Records,
		"padding_words", s.PaddingWords,
		"dropped", s.Dropped,
		"groups", s.Groups,
		"tracks", s.Tracks,
		"diagnostics", len(res.Diagnostics),
		"format", cfg.Format,
		"output", dest,
	)
	return decodeErr
}

// emit replays instrs into the sink selected by cfg.Format and returns
// where the trace went.
func emit(ctx context.Context, cfg config.Config, instrs []timeline.Instruction) (dest string, err error) {
	if cfg.Format == config.FormatOTLP {
		epoch, err := cfg.OTLP.EpochTime()
		if err != nil {
			return "", err
		}
		if epoch.IsZero() {
			epoch = time.Now()
		}
		sink, err := otlp.Dial(ctx, otlp.Config{
			Endpoint:    cfg.OTLP.Endpoint,
			ServiceName: cfg.OTLP.ServiceName,
			Timeout:     cfg.OTLP.Timeout,
			Epoch:       epoch,
		})
		if err != nil {
			return "", err
		}
		err = timeline.Replay(sink, instrs)
		closeInto(&err, "otlp shutdown", func() error {
			return sink.Shutdown(context.WithoutCancel(ctx))
		})
		return cfg.OTLP.Endpoint, err
	}

	c, err := output.ParseCompression(cfg.Compression)
	if err != nil {
		return "", err
	}
	dest = outputPath(cfg.Output, c)
	w, err := output.Create(dest, c)
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	defer closeInto(&err, "close output", w.Close)

	var sink timeline.Sink
	switch cfg.Format {
	case config.FormatChrome:
		sink = chrometrace.NewSink(w)
	default:
		sink = perfetto.NewSink(w)
	}
	return dest, timeline.Replay(sink, instrs)
}

// outputPath appends the compression suffix unless path already has it.
func outputPath(path string, c output.Compression) string {
	if ext := c.Ext(); ext != "" && !strings.HasSuffix(path, ext) {
		return path + ext
	}
	return path
}

// closeInto runs fn and stores its error in *err unless *err is already
// set.
func closeInto(err *error, what string, fn func() error) {
	if cerr := fn(); cerr != nil && *err == nil {
		*err = fmt.Errorf("%s: %w", what, cerr)
	}
}
