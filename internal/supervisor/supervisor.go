// Package supervisor runs one benchmark: it writes every log header, starts
// the telemetry collector, drives the execution loop and always stops the
// collector again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/skobkin/pipebench/internal/bench"
	"github.com/skobkin/pipebench/internal/cacheprobe"
	"github.com/skobkin/pipebench/internal/config"
	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/refclock"
	"github.com/skobkin/pipebench/internal/telemetry"
	"github.com/skobkin/pipebench/internal/version"
)

// Workload is the model, data and device the loop drives.
type Workload struct {
	Model   bench.Model
	Device  bench.Device
	Source  bench.Source
	Decoder bench.Decoder
	// Close releases the workload. Optional.
	Close func() error
}

// Env is handed to the workload opener.
type Env struct {
	Config config.Config
	Run    config.RunConfig
	Logger *slog.Logger
}

// OpenFunc loads the workload after the collector has started.
type OpenFunc func(ctx context.Context, env Env) (*Workload, error)

// Deps are the replaceable collaborators of Run.
type Deps struct {
	Spawner Spawner
	Open    OpenFunc
	// Prober and Dropper default to the configured vmtouch probe and drop
	// command.
	Prober  cacheprobe.Prober
	Dropper cacheprobe.Dropper
	// Console receives the run banner and Progress the per-epoch bars. Nil
	// disables either.
	Console  io.Writer
	Progress io.Writer
}

// Run executes one experiment. The collector is terminated on every exit
// path, including panics, which are returned as errors.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, run config.RunConfig, deps Deps) (err error) {
	logger := baseLogger.With("component", "supervisor")
	if deps.Spawner == nil || deps.Open == nil {
		return errors.New("spawner and workload opener are required")
	}

	clock := refclock.New()
	layout := csvlog.Layout{
		Dir:   cfg.OutputDir,
		RunID: csvlog.RunID(cfg.RunTag, run.Workers, run.Prefetch),
	}
	childArgs := ChildArgs{
		Reference: clock.Encode(),
		Layout:    layout,
		Device:    run.ExternalDevice,
		Interval:  cfg.SampleInterval,
	}

	sinks, streams, err := createStreams(layout, cfg, childArgs, baseLogger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, streams.Close())
	}()

	child, err := deps.Spawner.Spawn(ctx, childArgs)
	if err != nil {
		return fmt.Errorf("spawn collector: %w", err)
	}
	logger.Info("collector started", "pid", child.Pid(), "run_id", layout.RunID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution loop panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.Join(err, fmt.Errorf("execution loop panic: %v", r))
		}
		terminate(child, cfg.TerminateGrace, logger)
	}()

	workload, err := deps.Open(ctx, Env{Config: cfg, Run: run, Logger: baseLogger})
	if err != nil {
		return fmt.Errorf("open workload: %w", err)
	}
	if workload.Close != nil {
		defer func() {
			if closeErr := workload.Close(); closeErr != nil {
				logger.Warn("workload close", "err", closeErr)
			}
		}()
	}

	prober := deps.Prober
	if prober == nil {
		prober = cacheprobe.New(cfg.Cache.VmtouchBin, cfg.Cache.ProbeDir, clock, baseLogger.With("component", "cacheprobe"))
	}
	dropper := deps.Dropper
	if dropper == nil {
		dropper = cacheprobe.CommandDropper{Command: cfg.Cache.DropCachesCmd}
	}

	var metrics *bench.Metrics
	if cfg.Summary {
		metrics = bench.NewMetrics()
	}

	printBanner(deps.Console, banner{
		Reference: clock.Origin(),
		Build:     version.Current(),
		RunID:     layout.RunID,
		Batches:   workload.Source.Batches(),
		Workers:   run.Workers,
		Prefetch:  run.Prefetch,
		BatchSize: run.BatchSize,
		Epochs:    run.Epochs,
		Device:    run.ExternalDevice,
		Accel:     workload.Device != nil && workload.Device.Accelerated(),
	})

	runner, err := bench.NewRunner(bench.Options{
		Model:         workload.Model,
		Device:        workload.Device,
		Source:        workload.Source,
		Decoder:       workload.Decoder,
		Prober:        prober,
		Dropper:       dropper,
		Sinks:         sinks,
		Clock:         clock,
		Metrics:       metrics,
		Logger:        baseLogger.With("component", "bench"),
		Epochs:        run.Epochs,
		Stabilization: cfg.Loop.Stabilization,
		MinBatches:    cfg.Loop.MinBatches,
		Progress:      deps.Progress,
	})
	if err != nil {
		return fmt.Errorf("init execution loop: %w", err)
	}

	result, runErr := runner.Run(ctx)
	logger.Info("execution loop finished",
		"epochs", result.Epochs,
		"timed_batches", result.TimedBatches,
		"early_stops", result.EarlyStops,
		"cache_rows", result.CacheRows,
		"last_answer", result.LastAnswer,
		"confidence", result.LastConfidence,
	)

	if metrics != nil {
		if err := metrics.WriteFile(layout.Summary()); err != nil {
			logger.Warn("write run summary", "err", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("execution loop: %w", runErr)
	}
	return nil
}

// createStreams writes the header of every log. The timing and cache streams
// stay open for the loop; the telemetry streams are closed again and reopened
// for append by the collector.
func createStreams(layout csvlog.Layout, cfg config.Config, args ChildArgs, logger *slog.Logger) (bench.Sinks, csvlog.Set, error) {
	streams := csvlog.Set{}
	fail := func(err error) (bench.Sinks, csvlog.Set, error) {
		return bench.Sinks{}, nil, errors.Join(err, streams.Close())
	}

	for _, def := range []struct {
		name   string
		header []string
	}{
		{csvlog.Fetch, bench.FetchHeader},
		{csvlog.Compute, bench.ComputeHeader},
		{csvlog.Epoch, bench.EpochHeader},
		{csvlog.Vmtouch, cacheprobe.Header()},
	} {
		stream, err := csvlog.Create(def.name, layout.Path(def.name), def.header)
		if err != nil {
			return fail(err)
		}
		streams[def.name] = stream
	}

	board, hardware, shell, err := telemetry.OpenSubsystems(telemetry.ChildOptions{
		Reference: args.Reference,
		Layout:    layout,
		Device:    args.Device,
		Interval:  args.Interval,
		Telemetry: cfg.Telemetry,
	}, logger.With("component", "telemetry_headers"))
	if err != nil {
		return fail(err)
	}
	defer board.Close()

	for _, sub := range append(hardware, shell...) {
		name := sub.Tag().StreamName()
		stream, err := csvlog.Create(name, layout.Path(name), telemetry.Header(sub))
		if err != nil {
			return fail(err)
		}
		if err := stream.Close(); err != nil {
			return fail(err)
		}
	}

	return bench.Sinks{
		Fetch:   streams[csvlog.Fetch],
		Compute: streams[csvlog.Compute],
		Epoch:   streams[csvlog.Epoch],
		Cache:   streams[csvlog.Vmtouch],
	}, streams, nil
}
