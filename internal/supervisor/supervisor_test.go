//go:build linux

package supervisor

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/pipebench/internal/bench"
	"github.com/skobkin/pipebench/internal/cacheprobe"
	"github.com/skobkin/pipebench/internal/config"
	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/dataset"
)

const (
	helperModeEnv  = "PIPEBENCH_HELPER"
	helperReadyEnv = "PIPEBENCH_HELPER_READY"
)

// TestHelperCollector stands in for the collect subcommand when re-executed
// by helperSpawner.
func TestHelperCollector(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}
	if mode == "ignore-term" {
		signal.Ignore(syscall.SIGTERM)
	}
	if ready := os.Getenv(helperReadyEnv); ready != "" {
		_ = os.WriteFile(ready, []byte("ok"), 0o600)
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

type recordingSpawner struct {
	inner Spawner
	child Child
	args  ChildArgs
	err   error
}

func (s *recordingSpawner) Spawn(ctx context.Context, args ChildArgs) (Child, error) {
	s.args = args
	if s.err != nil {
		return nil, s.err
	}
	child, err := s.inner.Spawn(ctx, args)
	s.child = child
	return child, err
}

func helperSpawner(t *testing.T, mode string) (*recordingSpawner, string) {
	t.Helper()
	ready := filepath.Join(t.TempDir(), "ready")
	return &recordingSpawner{inner: ExecSpawner{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperCollector$", "--"},
		Env:  append(os.Environ(), helperModeEnv+"="+mode, helperReadyEnv+"="+ready),
	}}, ready
}

type stubStaged struct{ batch dataset.Batch }

func (s stubStaged) Batch() dataset.Batch { return s.batch }
func (stubStaged) Release()               {}

type stubModel struct {
	panicOnForward bool
}

func (m *stubModel) Load(batch dataset.Batch) (bench.Staged, error) {
	return stubStaged{batch: batch}, nil
}

func (m *stubModel) Forward(_ context.Context, staged bench.Staged) (bench.Logits, error) {
	if m.panicOnForward {
		panic("injected fault")
	}
	b := staged.Batch()
	return bench.Logits{
		Batch:  b.Size,
		SeqLen: b.SeqLen,
		Start:  make([]float32, b.Size*b.SeqLen),
		End:    make([]float32, b.Size*b.SeqLen),
	}, nil
}

type nopCache struct{}

func (nopCache) Drop(context.Context) error { return nil }
func (nopCache) Probe(context.Context) (cacheprobe.Snapshot, error) {
	return cacheprobe.Snapshot{Files: 1, Directories: 1, ResidentPages: 1, TotalPages: 2, ResidentSize: "4K", TotalSize: "8K", Percent: 50, Redundant: "seconds"}, nil
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	sysfs := filepath.Join(root, "sys")
	proc := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(proc, "stat"), "cpu  1 0 1 8 0 0 0 0 0 0\ncpu0 1 0 1 8 0 0 0 0 0 0\nbtime 1700000000\n")
	writeFile(t, filepath.Join(proc, "meminfo"), "MemTotal: 1000 kB\nMemFree: 500 kB\nMemAvailable: 600 kB\n")
	writeFile(t, filepath.Join(sysfs, "devices", "system", "cpu", "cpu0", "cpufreq", "scaling_cur_freq"), "1000\n")

	return config.Config{
		LogLevel:       slog.LevelDebug,
		OutputDir:      filepath.Join(root, "out"),
		RunTag:         "mn",
		Epochs:         1,
		SampleInterval: 50 * time.Millisecond,
		TerminateGrace: 200 * time.Millisecond,
		Summary:        true,
		Loop:           config.LoopConfig{Stabilization: 5 * time.Second, MinBatches: 50},
		Telemetry: config.TelemetryConfig{
			SysfsRoot:   sysfs,
			ProcRoot:    proc,
			DebugfsRoot: filepath.Join(root, "debug"),
			IostatBin:   "iostat",
			FreeBin:     "free",
		},
	}
}

func testRun() config.RunConfig {
	return config.RunConfig{DatasetRoot: "/data", Workers: 2, Prefetch: 2, ExternalDevice: "mmcblk0", BatchSize: 4, Epochs: 1}
}

func openStub(model *stubModel, ready string) OpenFunc {
	return func(ctx context.Context, env Env) (*Workload, error) {
		if ready != "" {
			deadline := time.Now().Add(10 * time.Second)
			for {
				if _, err := os.Stat(ready); err == nil {
					break
				}
				if time.Now().After(deadline) {
					return nil, errors.New("helper never became ready")
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
		corpus := &dataset.Corpus{}
		for i := 0; i < 20; i++ {
			corpus.InputIDs = append(corpus.InputIDs, []int64{0, 0, 0})
			corpus.AttentionMask = append(corpus.AttentionMask, []int64{1, 1, 1})
			corpus.TokenTypeIDs = append(corpus.TokenTypeIDs, []int64{0, 0, 0})
		}
		loader, err := dataset.NewLoader(corpus, dataset.LoaderOptions{
			BatchSize: env.Run.BatchSize,
			Workers:   env.Run.Workers,
			Prefetch:  env.Run.Prefetch,
		})
		if err != nil {
			return nil, err
		}
		return &Workload{
			Model:   model,
			Source:  bench.FromLoader(loader),
			Decoder: dataset.NewVocab([]string{"[CLS]"}),
		}, nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireReaped(t *testing.T, child Child) {
	t.Helper()
	require.NotNil(t, child)
	select {
	case <-child.Done():
	default:
		t.Fatal("collector still running after Run returned")
	}
	err := syscall.Kill(child.Pid(), 0)
	assert.ErrorIs(t, err, syscall.ESRCH, "collector pid %d still exists", child.Pid())
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	// #nosec G304 -- reading test output.
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRunTerminatesCollectorOnPanic(t *testing.T) {
	cfg := testConfig(t)
	spawner, ready := helperSpawner(t, "default")

	err := Run(context.Background(), quietLogger(), cfg, testRun(), Deps{
		Spawner: spawner,
		Open:    openStub(&stubModel{panicOnForward: true}, ready),
		Prober:  nopCache{},
		Dropper: nopCache{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected fault")
	requireReaped(t, spawner.child)

	layout := csvlog.Layout{Dir: cfg.OutputDir, RunID: "mn_nw2_pf2"}
	rows := readRows(t, layout.Path(csvlog.Fetch))
	assert.Equal(t, [][]string{bench.FetchHeader}, rows)
}

func TestRunKillsCollectorIgnoringSIGTERM(t *testing.T) {
	cfg := testConfig(t)
	spawner, ready := helperSpawner(t, "ignore-term")
	var console bytes.Buffer

	start := time.Now()
	err := Run(context.Background(), quietLogger(), cfg, testRun(), Deps{
		Spawner: spawner,
		Open:    openStub(&stubModel{}, ready),
		Prober:  nopCache{},
		Dropper: nopCache{},
		Console: &console,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), cfg.TerminateGrace)
	requireReaped(t, spawner.child)
	require.Error(t, spawner.child.Err())
	assert.Contains(t, spawner.child.Err().Error(), "killed")

	assert.Contains(t, console.String(), "mn_nw2_pf2")
	assert.Contains(t, console.String(), "batch size")

	assert.Equal(t, "mn_nw2_pf2", spawner.args.Layout.RunID)
	assert.Equal(t, "mmcblk0", spawner.args.Device)
	assert.Contains(t, spawner.args.Flags(), "--ref")

	layout := spawner.args.Layout
	assert.Len(t, readRows(t, layout.Path(csvlog.Fetch)), 5, "header plus batches 1-4")
	assert.Len(t, readRows(t, layout.Path(csvlog.Vmtouch)), 3, "header plus pre and post snapshot")
	for _, name := range []string{
		csvlog.Compute, csvlog.Epoch, csvlog.IOStats, csvlog.MemStats, csvlog.SwapStats,
		csvlog.Tegrastats, csvlog.CPUFreq, csvlog.GPUFreq, csvlog.EMCStats, csvlog.RAMStats,
	} {
		rows := readRows(t, layout.Path(name))
		require.NotEmpty(t, rows, name)
		assert.Equal(t, "log_time", rows[0][len(rows[0])-1], name)
	}
	assert.FileExists(t, layout.Summary())
}

func TestRunCollectorHandlesSIGTERM(t *testing.T) {
	cfg := testConfig(t)
	cfg.TerminateGrace = 10 * time.Second
	spawner, ready := helperSpawner(t, "default")

	start := time.Now()
	err := Run(context.Background(), quietLogger(), cfg, testRun(), Deps{
		Spawner: spawner,
		Open:    openStub(&stubModel{}, ready),
		Prober:  nopCache{},
		Dropper: nopCache{},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.TerminateGrace, "SIGTERM alone stops the collector")
	requireReaped(t, spawner.child)
	assert.Contains(t, spawner.child.Err().Error(), "terminated")
}

func TestRunTerminatesCollectorWhenWorkloadFails(t *testing.T) {
	cfg := testConfig(t)
	spawner, _ := helperSpawner(t, "default")
	err := Run(context.Background(), quietLogger(), cfg, testRun(), Deps{
		Spawner: spawner,
		Open: func(context.Context, Env) (*Workload, error) {
			return nil, errors.New("model.onnx: no such file")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open workload")
	requireReaped(t, spawner.child)
}

func TestRunSpawnFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	spawner := &recordingSpawner{err: errors.New("fork: resource temporarily unavailable")}
	opened := false
	err := Run(context.Background(), quietLogger(), cfg, testRun(), Deps{
		Spawner: spawner,
		Open: func(context.Context, Env) (*Workload, error) {
			opened = true
			return nil, errors.New("unreachable")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn collector")
	assert.False(t, opened)
}

func TestRunRequiresDeps(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), quietLogger(), testConfig(t), testRun(), Deps{})
	require.Error(t, err)
}

func TestChildArgsFlags(t *testing.T) {
	t.Parallel()

	args := ChildArgs{
		Reference: "1700000000000000000",
		Layout:    csvlog.Layout{Dir: "/tmp/out", RunID: "mn_nw0_pf1"},
		Device:    "sda",
		Interval:  time.Second,
	}
	assert.Equal(t, []string{
		"--ref", "1700000000000000000",
		"--out", "/tmp/out",
		"--run-id", "mn_nw0_pf1",
		"--device", "sda",
		"--interval", "1s",
	}, args.Flags())
}
