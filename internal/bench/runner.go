package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/skobkin/pipebench/internal/cacheprobe"
	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/refclock"
)

// Default early-stop policy.
const (
	DefaultStabilization = 5 * time.Second
	DefaultMinBatches    = 50
)

// placeholder fills the unused time, loss and accuracy epoch columns.
const placeholder = "null"

// Timing log columns.
var (
	FetchHeader   = []string{"epoch", "batch_idx", "fetchtime", "fetchtime_ms", logTimeColumn}
	ComputeHeader = []string{"epoch", "batch_idx", "computetime", "computetime_ms", logTimeColumn}
	EpochHeader   = []string{"epoch", "time", "loss", "accuracy", "epochtime_ms", logTimeColumn}
)

const logTimeColumn = "log_time"

// Sinks are the streams the loop writes to. Headers are written by the
// caller.
type Sinks struct {
	Fetch   *csvlog.Stream
	Compute *csvlog.Stream
	Epoch   *csvlog.Stream
	Cache   *csvlog.Stream
}

// Options wires a Runner. Device, Prober, Dropper, Decoder, Metrics and
// Progress are optional.
type Options struct {
	Model   Model
	Device  Device
	Source  Source
	Decoder Decoder
	Prober  cacheprobe.Prober
	Dropper cacheprobe.Dropper
	Sinks   Sinks
	Clock   *refclock.Clock
	Metrics *Metrics
	Logger  *slog.Logger

	Epochs int
	// Stabilization and MinBatches fall back to DefaultStabilization and
	// DefaultMinBatches when not positive.
	Stabilization time.Duration
	MinBatches    int
	// Progress receives the per-epoch progress bars. Nil disables them.
	Progress io.Writer
}

// Result summarises a completed run.
type Result struct {
	Epochs       int
	TimedBatches int
	EarlyStops   int
	CacheRows    int
	// LastAnswer is the decoded answer of the first item of the last batch.
	LastAnswer string
	// LastConfidence is the span probability of LastAnswer.
	LastConfidence float32
}

// Runner is the instrumented execution loop.
type Runner struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner validates opts and fills defaults.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Model == nil {
		return nil, errors.New("model is required")
	}
	if opts.Source == nil {
		return nil, errors.New("source is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if opts.Sinks.Fetch == nil || opts.Sinks.Compute == nil || opts.Sinks.Epoch == nil || opts.Sinks.Cache == nil {
		return nil, errors.New("all timing and cache sinks are required")
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be > 0, got %d", opts.Epochs)
	}
	if opts.Device == nil {
		opts.Device = cpuDevice{}
	}
	if opts.Stabilization <= 0 {
		opts.Stabilization = DefaultStabilization
	}
	if opts.MinBatches <= 0 {
		opts.MinBatches = DefaultMinBatches
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:   opts,
		logger: logger,
		now:    opts.Clock.Now,
	}, nil
}

// Run drops the page cache, takes the pre snapshot, runs every epoch and
// takes the post snapshot. Source and model failures abort the run; cache
// failures are logged.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var result Result

	r.dropCaches(ctx)
	if r.probe(ctx, "pre") {
		result.CacheRows++
	}

	bars := newProgress(r.opts.Progress)
	for epoch := 0; epoch < r.opts.Epochs; epoch++ {
		stopped, err := r.runEpoch(ctx, epoch, bars, &result)
		result.Epochs++
		r.opts.Metrics.observeEpoch(stopped)
		if stopped {
			result.EarlyStops++
		}
		if err != nil {
			bars.wait()
			return result, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	bars.wait()

	if r.probe(ctx, "post") {
		result.CacheRows++
	}
	return result, nil
}

func (r *Runner) runEpoch(ctx context.Context, epoch int, bars *progress, result *Result) (stopped bool, err error) {
	it := r.opts.Source.Epoch(ctx)
	defer func() {
		err = errors.Join(err, it.Close())
	}()

	bar := bars.epoch(epoch, it.Len())
	defer bar.done()

	var (
		fetch         = NewEventTimer(r.now)
		compute       = NewEventTimer(r.now)
		total         = NewEventTimer(r.now)
		stabilization time.Time
	)

	for i := 0; ; i++ {
		if i == 1 {
			stabilization = r.now()
		}
		if i > r.opts.MinBatches && r.now().Sub(stabilization) > r.opts.Stabilization {
			r.logger.Info("stabilisation window reached", "epoch", epoch, "batch_idx", i)
			return true, nil
		}

		total.Start()
		fetch.Start()
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("fetch batch %d: %w", i, err)
		}
		staged, err := r.opts.Model.Load(batch)
		if err != nil {
			return false, fmt.Errorf("load batch %d: %w", i, err)
		}
		fetch.Stop()
		if err := r.synchronize(); err != nil {
			staged.Release()
			return false, fmt.Errorf("synchronize after fetch %d: %w", i, err)
		}

		compute.Start()
		answer, confidence, err := r.computeBatch(ctx, staged)
		staged.Release()
		if err != nil {
			return false, fmt.Errorf("compute batch %d: %w", i, err)
		}
		compute.Stop()
		if err := r.synchronize(); err != nil {
			return false, fmt.Errorf("synchronize after compute %d: %w", i, err)
		}
		total.Stop()
		bar.increment()

		if i == 0 {
			continue
		}
		if err := r.emit(epoch, i, fetch.Elapsed(), compute.Elapsed(), total.Elapsed()); err != nil {
			return false, err
		}
		r.opts.Metrics.observeBatch(fetch.Elapsed(), compute.Elapsed(), total.Elapsed())
		result.TimedBatches++
		result.LastAnswer = answer
		result.LastConfidence = confidence
	}
}

// synchronize waits for queued device work. It is a no-op on the CPU
// fallback path.
func (r *Runner) synchronize() error {
	if !r.opts.Device.Accelerated() {
		return nil
	}
	return r.opts.Device.Synchronize()
}

// computeBatch runs the forward pass and decodes every item's answer span.
// It returns the first item's answer and its confidence.
func (r *Runner) computeBatch(ctx context.Context, staged Staged) (string, float32, error) {
	logits, err := r.opts.Model.Forward(ctx, staged)
	if err != nil {
		return "", 0, err
	}
	spans, err := Spans(logits)
	if err != nil {
		return "", 0, err
	}
	batch := staged.Batch()
	var first string
	for item, span := range spans {
		ids := Answer(batch.Row(item), span)
		if r.opts.Decoder == nil {
			continue
		}
		text := r.opts.Decoder.Decode(ids)
		if item == 0 {
			first = text
		}
	}
	return first, Confidence(logits, 0, spans[0]), nil
}

func (r *Runner) emit(epoch, idx int, fetch, compute, total time.Duration) error {
	e := strconv.Itoa(epoch)
	b := strconv.Itoa(idx)

	if err := r.opts.Sinks.Fetch.Append([]string{e, b, seconds(fetch), millis(fetch), r.opts.Clock.Stamp()}); err != nil {
		return fmt.Errorf("write fetch row: %w", err)
	}
	if err := r.opts.Sinks.Compute.Append([]string{e, b, seconds(compute), millis(compute), r.opts.Clock.Stamp()}); err != nil {
		return fmt.Errorf("write compute row: %w", err)
	}
	if err := r.opts.Sinks.Epoch.Append([]string{e, placeholder, placeholder, placeholder, millis(total), r.opts.Clock.Stamp()}); err != nil {
		return fmt.Errorf("write epoch row: %w", err)
	}
	return nil
}

func (r *Runner) dropCaches(ctx context.Context) {
	if r.opts.Dropper == nil {
		return
	}
	if err := r.opts.Dropper.Drop(ctx); err != nil {
		r.logger.Warn("drop caches failed", "err", err)
	}
}

// probe writes one cache row. It reports whether a row was written.
func (r *Runner) probe(ctx context.Context, phase string) bool {
	if r.opts.Prober == nil {
		return false
	}
	snap, err := r.opts.Prober.Probe(ctx)
	if err != nil {
		r.logger.Warn("cache probe failed", "phase", phase, "err", err)
		if snap.Files == 0 && snap.TotalPages == 0 {
			return false
		}
	}
	if snap.Offset == 0 {
		snap.Offset = r.opts.Clock.Offset()
	}
	if err := r.opts.Sinks.Cache.Append(snap.Row()); err != nil {
		r.logger.Warn("write cache row failed", "phase", phase, "err", err)
		return false
	}
	r.opts.Metrics.observeCache(phase, snap)
	r.logger.Info("cache snapshot", "phase", phase, "resident_pages", snap.ResidentPages, "total_pages", snap.TotalPages, "percent", snap.Percent)
	return true
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}
