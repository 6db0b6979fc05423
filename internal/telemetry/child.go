package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/skobkin/pipebench/internal/config"
	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/refclock"
)

// rowsPerCycle bounds every per-stream buffer. Buffers are flushed after
// each cycle, which adds a single row per stream.
const rowsPerCycle = 2

// ChildOptions carries what crosses the process boundary to the collector.
type ChildOptions struct {
	Reference string
	Layout    csvlog.Layout
	Device    string
	Interval  time.Duration
	Telemetry config.TelemetryConfig
}

// OpenSubsystems opens a board session and returns the hardware subsystems
// followed by the shell subsystems for device. The caller closes the board.
func OpenSubsystems(opts ChildOptions, logger *slog.Logger) (*Board, []Subsystem, []Subsystem, error) {
	board, err := OpenBoard(BoardOptions{
		SysfsRoot:   opts.Telemetry.SysfsRoot,
		ProcRoot:    opts.Telemetry.ProcRoot,
		DebugfsRoot: opts.Telemetry.DebugfsRoot,
		Interval:    opts.Interval,
		Logger:      logger.With("component", "board"),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open board: %w", err)
	}
	shell := []Subsystem{
		NewBlockIO(opts.Telemetry.IostatBin, opts.Device),
		NewMemory(opts.Telemetry.FreeBin),
		NewSwap(opts.Telemetry.FreeBin),
	}
	return board, board.Subsystems(), shell, nil
}

// RunChild is the collector process entry point. It appends to the streams
// whose headers the supervisor already wrote and samples until it receives
// SIGTERM or SIGINT, or the board session ends.
func RunChild(ctx context.Context, logger *slog.Logger, opts ChildOptions) (err error) {
	clock, err := refclock.Parse(opts.Reference)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	board, hardware, shell, err := OpenSubsystems(opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, board.Close())
	}()

	streams := csvlog.Set{}
	defer func() {
		err = errors.Join(err, streams.Close())
	}()

	bind := func(subs []Subsystem) ([]Sink, error) {
		sinks := make([]Sink, 0, len(subs))
		for _, sub := range subs {
			name := sub.Tag().StreamName()
			stream, err := csvlog.OpenAppend(name, opts.Layout.Path(name))
			if err != nil {
				return nil, err
			}
			streams[name] = stream
			sinks = append(sinks, Sink{Subsystem: sub, Buffer: csvlog.NewBuffer(stream, rowsPerCycle)})
		}
		return sinks, nil
	}

	hardwareSinks, err := bind(hardware)
	if err != nil {
		return err
	}
	shellSinks, err := bind(shell)
	if err != nil {
		return err
	}

	collector, err := NewCollector(board, hardwareSinks, shellSinks, clock, logger)
	if err != nil {
		return err
	}
	return collector.Run(ctx)
}
