package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/splice"
	"pipelined.dev/splice/config"
	"pipelined.dev/splice/log"
	"pipelined.dev/splice/metric"
)

type relayCommand struct {
	flags *flag.FlagSet

	config   string
	input    string
	output   string
	branches int
	duration time.Duration
	sync     bool
	append   bool
	frameLog bool
	metrics  string
	logLevel string
}

func (cmd *relayCommand) Name() string {
	return "relay"
}

func (cmd *relayCommand) Help() string {
	return "Relay the input in a loop into the output"
}

func (cmd *relayCommand) Register(fs *flag.FlagSet) {
	def := config.Default()
	cmd.flags = fs
	fs.StringVar(&cmd.config, "config", "", "path to YAML configuration file")
	fs.StringVar(&cmd.input, "in", "", "input segment location (required)")
	fs.StringVar(&cmd.output, "out", "", "output location (required)")
	fs.IntVar(&cmd.branches, "branches", def.Branches, "number of branches feeding the merge")
	fs.DurationVar(&cmd.duration, "duration", def.Duration, "run time, zero runs until interrupted")
	fs.BoolVar(&cmd.sync, "sync", def.Sync, "pace the output against buffer time")
	fs.BoolVar(&cmd.append, "append", def.Append, "append to the output instead of truncating it")
	fs.BoolVar(&cmd.frameLog, "frame-log", def.FrameLog, "log every output buffer")
	fs.StringVar(&cmd.metrics, "metrics", def.MetricsAddr, "metrics listen address, empty disables it")
	fs.StringVar(&cmd.logLevel, "log-level", def.LogLevel, "log level")
}

// load reads the configuration file and applies flags set explicitly.
func (cmd *relayCommand) load() (config.Config, error) {
	cfg := config.Default()
	if cmd.config != "" {
		var err error
		if cfg, err = config.Load(cmd.config); err != nil {
			return cfg, err
		}
	}
	cmd.flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "in":
			cfg.Input = cmd.input
		case "out":
			cfg.Output = cmd.output
		case "branches":
			cfg.Branches = cmd.branches
		case "duration":
			cfg.Duration = cmd.duration
		case "sync":
			cfg.Sync = cmd.sync
		case "append":
			cfg.Append = cmd.append
		case "frame-log":
			cfg.FrameLog = cmd.frameLog
		case "metrics":
			cfg.MetricsAddr = cmd.metrics
		case "log-level":
			cfg.LogLevel = cmd.logLevel
		}
	})
	return cfg, cfg.Validate()
}

func (cmd *relayCommand) Run(ctx context.Context, stdout io.Writer) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	logger := log.GetLogger()
	if err := log.SetLevel(logger, cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r, err := splice.New(cfg,
		splice.WithLogger(log.Component(logger, "relay")),
		splice.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serving, stopServing := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopServing()
		return r.Run(gctx, cfg.Duration)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metric.Serve(serving, cfg.MetricsAddr, reg)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m := r.Metrics()
	fmt.Fprintf(stdout, "relayed %v buffers, %v rebuilds\n",
		metric.Value(m.Buffers), metric.Value(m.Rebuilds.WithLabelValues(metric.ResultOK)))
	return nil
}
