package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/skobkin/pipebench/internal/config"
	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/supervisor"
	"github.com/skobkin/pipebench/internal/telemetry"
	"github.com/skobkin/pipebench/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

var (
	noColorFlag  = cli.BoolFlag{Name: "no-color", Usage: "disable colored console output"}
	refFlag      = cli.StringFlag{Name: "ref", Usage: "reference timestamp in Unix nanoseconds"}
	outFlag      = cli.StringFlag{Name: "out", Usage: "output directory"}
	runIDFlag    = cli.StringFlag{Name: "run-id", Usage: "output file prefix"}
	deviceFlag   = cli.StringFlag{Name: "device", Usage: "block device sampled by iostat"}
	intervalFlag = cli.DurationFlag{Name: "interval", Usage: "sampling interval"}
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(ctx, logger, cfg).Run(os.Args); err != nil {
		logger.Error("benchmark failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func newApp(ctx context.Context, logger *slog.Logger, cfg config.Config) *cli.App {
	app := cli.NewApp()
	app.Name = "pipebench"
	app.Usage = "time the data-loading and compute pipeline of an edge inference workload"
	app.UsageText = "pipebench [global options] " + config.Usage
	app.Version = version.Current().String()
	app.Flags = []cli.Flag{noColorFlag}
	app.Before = func(c *cli.Context) error {
		if c.Bool(noColorFlag.Name) {
			color.NoColor = true
		}
		return nil
	}
	app.Action = func(c *cli.Context) error {
		return runBenchmark(ctx, logger, cfg, c.Args())
	}
	app.Commands = []cli.Command{
		{
			Name:   supervisor.CollectCommand,
			Usage:  "run the telemetry collector (started by the benchmark itself)",
			Hidden: true,
			Flags:  []cli.Flag{refFlag, outFlag, runIDFlag, deviceFlag, intervalFlag},
			Action: func(c *cli.Context) error {
				return runCollector(ctx, logger, cfg, c)
			},
		},
	}
	return app
}

func runBenchmark(ctx context.Context, logger *slog.Logger, cfg config.Config, args []string) error {
	run, err := config.ParseArgs(args, cfg.Epochs)
	if err != nil {
		return err
	}
	cfg = cfg.Resolve(run.DatasetRoot)

	info := version.Current()
	logger.Info("starting benchmark",
		"version", info.String(),
		"dataset_root", run.DatasetRoot,
		"workers", run.Workers,
		"prefetch", run.Prefetch,
		"device", run.ExternalDevice,
		"batch_size", run.BatchSize,
		"epochs", run.Epochs,
	)

	return supervisor.Run(ctx, logger, cfg, run, supervisor.Deps{
		Spawner:  supervisor.ExecSpawner{Stderr: os.Stderr},
		Open:     supervisor.OpenWorkload,
		Console:  os.Stdout,
		Progress: os.Stderr,
	})
}

func runCollector(ctx context.Context, logger *slog.Logger, cfg config.Config, c *cli.Context) error {
	interval := c.Duration(intervalFlag.Name)
	if interval <= 0 {
		interval = cfg.SampleInterval
	}
	runID := c.String(runIDFlag.Name)
	if runID == "" {
		return fmt.Errorf("--%s is required", runIDFlag.Name)
	}
	dir := c.String(outFlag.Name)
	if dir == "" {
		dir = cfg.OutputDir
	}

	return telemetry.RunChild(ctx, logger.With("component", "collector"), telemetry.ChildOptions{
		Reference: c.String(refFlag.Name),
		Layout:    csvlog.Layout{Dir: dir, RunID: runID},
		Device:    c.String(deviceFlag.Name),
		Interval:  interval,
		Telemetry: cfg.Telemetry,
	})
}
