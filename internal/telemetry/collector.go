package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/refclock"
)

// Pacer drives the sampling cadence. Next blocks until the next cycle and
// reports false once sampling should stop.
type Pacer interface {
	Next(ctx context.Context) bool
}

// Sink binds a subsystem to the buffer of its log stream.
type Sink struct {
	Subsystem Subsystem
	Buffer    *csvlog.Buffer
}

// Collector samples every subsystem once per cycle and appends one row per
// subsystem to its stream.
type Collector struct {
	pacer    Pacer
	hardware []Sink
	shell    []Sink
	clock    *refclock.Clock
	logger   *slog.Logger

	cycles int
}

// NewCollector builds a collector. Hardware sinks get an extra initial row
// before the first cycle.
func NewCollector(pacer Pacer, hardware, shell []Sink, clock *refclock.Clock, logger *slog.Logger) (*Collector, error) {
	if pacer == nil {
		return nil, fmt.Errorf("pacer is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("reference clock is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, sink := range append(append([]Sink(nil), hardware...), shell...) {
		if sink.Subsystem == nil || sink.Buffer == nil {
			return nil, fmt.Errorf("sink requires subsystem and buffer")
		}
	}
	return &Collector{
		pacer:    pacer,
		hardware: hardware,
		shell:    shell,
		clock:    clock,
		logger:   logger.With("component", "collector"),
	}, nil
}

// Run writes the initial hardware rows and then samples until the pacer
// stops. Subsystem failures are logged and produce partial rows. A cycle cut
// short by cancellation is discarded instead of flushed.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("collector started", "hardware", len(c.hardware), "shell", len(c.shell))

	for _, sink := range c.hardware {
		c.sample(ctx, sink)
	}
	if !c.commit(ctx, c.hardware) {
		c.logger.Info("collector stopped", "cycles", c.cycles, "reason", context.Cause(ctx))
		return nil
	}

	for c.pacer.Next(ctx) {
		for _, sink := range c.hardware {
			c.sample(ctx, sink)
		}
		for _, sink := range c.shell {
			c.sample(ctx, sink)
		}
		if !c.commit(ctx, c.hardware, c.shell) {
			break
		}
		c.cycles++
	}

	c.logger.Info("collector stopped", "cycles", c.cycles, "reason", context.Cause(ctx))
	return nil
}

// commit flushes the pending rows of a cycle, or drops them when ctx was
// cancelled while the cycle was sampling.
func (c *Collector) commit(ctx context.Context, groups ...[]Sink) bool {
	if ctx.Err() != nil {
		dropped := 0
		for _, sinks := range groups {
			for _, sink := range sinks {
				dropped += sink.Buffer.Discard()
			}
		}
		c.logger.Debug("interrupted cycle discarded", "rows", dropped)
		return false
	}
	for _, sinks := range groups {
		c.flush(sinks)
	}
	return true
}

// Cycles reports the number of completed steady-state cycles.
func (c *Collector) Cycles() int {
	return c.cycles
}

func (c *Collector) sample(ctx context.Context, sink Sink) {
	sub := sink.Subsystem
	fields, err := sub.Sample(ctx)
	if err != nil {
		c.logger.Debug("subsystem sample degraded", "tag", sub.Tag(), "err", err)
	}

	record := Record{Tag: sub.Tag(), Fields: fields, Offset: c.clock.Offset()}
	if !sink.Buffer.Add(record.Row(sub.Columns())) {
		c.logger.Warn("telemetry buffer full", "tag", sub.Tag())
	}
}

func (c *Collector) flush(sinks []Sink) {
	for _, sink := range sinks {
		if err := sink.Buffer.Flush(); err != nil {
			c.logger.Warn("flush telemetry stream", "tag", sink.Subsystem.Tag(), "err", err)
		}
	}
}
