package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procStat = `cpu  100 0 100 800 0 0 0 0 0 0
cpu0 50 0 50 400 0 0 0 0 0 0
cpu1 50 0 50 400 0 0 0 0 0 0
intr 0
ctxt 0
btime 1700000000
processes 1
procs_running 1
procs_blocked 0
`

const procMeminfo = `MemTotal:        4000000 kB
MemFree:         1000000 kB
MemAvailable:    2500000 kB
Buffers:          100000 kB
Cached:          1200000 kB
SwapCached:            0 kB
Shmem:             20000 kB
SwapTotal:       2000000 kB
SwapFree:        1500000 kB
`

type fixture struct {
	sysfs   string
	proc    string
	debugfs string
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
}

// newFixture lays out a two-core Jetson-like board.
func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	fx := fixture{
		sysfs:   filepath.Join(root, "sys"),
		proc:    filepath.Join(root, "proc"),
		debugfs: filepath.Join(root, "debug"),
	}

	writeFile(t, filepath.Join(fx.proc, "stat"), procStat)
	writeFile(t, filepath.Join(fx.proc, "meminfo"), procMeminfo)

	cpuRoot := filepath.Join(fx.sysfs, "devices", "system", "cpu")
	for _, cpu := range []string{"cpu0", "cpu1"} {
		writeFile(t, filepath.Join(cpuRoot, cpu, "cpufreq", "scaling_governor"), "schedutil\n")
		writeFile(t, filepath.Join(cpuRoot, cpu, "cpufreq", "scaling_cur_freq"), "1479000\n")
		writeFile(t, filepath.Join(cpuRoot, cpu, "cpufreq", "scaling_min_freq"), "102000\n")
		writeFile(t, filepath.Join(cpuRoot, cpu, "cpufreq", "scaling_max_freq"), "1479000\n")
	}
	writeFile(t, filepath.Join(cpuRoot, "cpu1", "online"), "0\n")
	writeFile(t, filepath.Join(cpuRoot, "cpufreq", "boost"), "0\n")

	writeFile(t, filepath.Join(fx.sysfs, "class", "thermal", "thermal_zone0", "type"), "CPU-therm\n")
	writeFile(t, filepath.Join(fx.sysfs, "class", "thermal", "thermal_zone0", "temp"), "45500\n")

	gpuDir := filepath.Join(fx.sysfs, "class", "devfreq", "57000000.gpu")
	writeFile(t, filepath.Join(gpuDir, "governor"), "nvhost_podgov\n")
	writeFile(t, filepath.Join(gpuDir, "cur_freq"), "921600000\n")
	writeFile(t, filepath.Join(gpuDir, "min_freq"), "76800000\n")
	writeFile(t, filepath.Join(gpuDir, "max_freq"), "921600000\n")
	writeFile(t, filepath.Join(gpuDir, "device", "load"), "250\n")

	writeFile(t, filepath.Join(fx.sysfs, "kernel", "actmon_avg_activity", "mc_all"), "800000\n")
	emcDir := filepath.Join(fx.debugfs, "bpmp", "debug", "clk", "emc")
	writeFile(t, filepath.Join(emcDir, "rate"), "1600000000\n")
	writeFile(t, filepath.Join(emcDir, "min_rate"), "204000000\n")
	writeFile(t, filepath.Join(emcDir, "max_rate"), "1600000000\n")

	return fx
}

func (fx fixture) open(t *testing.T, interval time.Duration) *Board {
	t.Helper()
	board, err := OpenBoard(BoardOptions{
		SysfsRoot:   fx.sysfs,
		ProcRoot:    fx.proc,
		DebugfsRoot: fx.debugfs,
		Interval:    interval,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = board.Close() })
	return board
}

func sampleByTag(t *testing.T, subs []Subsystem, tag Tag) (Subsystem, map[string]string, error) {
	t.Helper()
	for _, sub := range subs {
		if sub.Tag() == tag {
			fields, err := sub.Sample(context.Background())
			return sub, fields, err
		}
	}
	t.Fatalf("subsystem %s not found", tag)
	return nil, nil, nil
}

func TestBoardSubsystemsSample(t *testing.T) {
	t.Parallel()

	board := newFixture(t).open(t, time.Second)
	subs := board.Subsystems()
	require.Len(t, subs, 5)

	platform, fields, err := sampleByTag(t, subs, TagPlatform)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"uptime", "CPU1", "CPU2", "CPU", "RAM", "SWAP", "EMC", "GPU", "Temp CPU-therm"},
		platform.Columns())
	assert.Equal(t, "20.0", fields["CPU1"])
	assert.Equal(t, "20.0", fields["CPU"])
	assert.Equal(t, "0.4250", fields["RAM"])
	assert.Equal(t, "0.2500", fields["SWAP"])
	assert.Equal(t, "50.0", fields["EMC"])
	assert.Equal(t, "25.0", fields["GPU"])
	assert.Equal(t, "45.50", fields["Temp CPU-therm"])
	assert.NotEmpty(t, fields["uptime"])

	cpu, fields, err := sampleByTag(t, subs, TagCPUFreq)
	require.NoError(t, err)
	assert.Len(t, cpu.Columns(), 10)
	assert.Equal(t, "1", fields["cpu0_online"])
	assert.Equal(t, "0", fields["cpu1_online"])
	assert.Equal(t, "schedutil", fields["cpu0_governor"])
	assert.Equal(t, "1479000", fields["cpu1_freq_cur"])
	assert.Equal(t, "102000", fields["cpu1_freq_min"])

	_, fields, err = sampleByTag(t, subs, TagGPUFreq)
	require.NoError(t, err)
	assert.Equal(t, "nvhost_podgov", fields["governor"])
	assert.Equal(t, "921600000", fields["freq_cur"])
	assert.Equal(t, "76800000", fields["freq_min"])
	assert.Equal(t, "25.0", fields["load"])
	assert.Equal(t, "NVIDIA Tegra GPU", fields["name"])

	_, fields, err = sampleByTag(t, subs, TagEMC)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"rate": "1600000000",
		"min":  "204000000",
		"max":  "1600000000",
		"util": "50.0",
	}, fields)

	_, fields, err = sampleByTag(t, subs, TagRAM)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"tot":     "4000000",
		"used":    "1700000",
		"free":    "1000000",
		"buffers": "100000",
		"cached":  "1200000",
		"shared":  "20000",
		"avail":   "2500000",
	}, fields)
}

func TestPlatformStatsUsesDeltas(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	board := fx.open(t, time.Second)
	subs := board.Subsystems()

	_, _, err := sampleByTag(t, subs, TagPlatform)
	require.NoError(t, err)

	writeFile(t, filepath.Join(fx.proc, "stat"), `cpu  200 0 100 900 0 0 0 0 0 0
cpu0 150 0 50 500 0 0 0 0 0 0
cpu1 50 0 50 400 0 0 0 0 0 0
btime 1700000000
`)

	_, fields, err := sampleByTag(t, subs, TagPlatform)
	require.NoError(t, err)
	assert.Equal(t, "50.0", fields["CPU1"])
	assert.Equal(t, "0.0", fields["CPU2"])
	assert.Equal(t, "50.0", fields["CPU"])
}

func TestBoardDegradesWithoutDevices(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	require.NoError(t, os.RemoveAll(filepath.Join(fx.sysfs, "class", "devfreq")))
	require.NoError(t, os.RemoveAll(fx.debugfs))

	board := fx.open(t, time.Second)
	subs := board.Subsystems()

	_, fields, err := sampleByTag(t, subs, TagGPUFreq)
	require.Error(t, err)
	assert.Empty(t, fields)

	_, fields, err = sampleByTag(t, subs, TagEMC)
	require.Error(t, err)
	assert.Empty(t, fields)

	_, fields, err = sampleByTag(t, subs, TagPlatform)
	require.NoError(t, err)
	assert.NotContains(t, fields, "GPU")
	assert.NotContains(t, fields, "EMC")
	assert.Equal(t, "0.4250", fields["RAM"])
}

func TestOpenBoardValidation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	_, err := OpenBoard(BoardOptions{SysfsRoot: fx.sysfs, ProcRoot: fx.proc, Interval: 0})
	require.Error(t, err)

	_, err = OpenBoard(BoardOptions{SysfsRoot: filepath.Join(fx.sysfs, "missing"), ProcRoot: fx.proc, Interval: time.Second})
	require.Error(t, err)

	_, err = OpenBoard(BoardOptions{SysfsRoot: fx.sysfs, ProcRoot: filepath.Join(fx.proc, "missing"), Interval: time.Second})
	require.Error(t, err)
}

func TestBoardNext(t *testing.T) {
	t.Parallel()

	t.Run("ticks until closed", func(t *testing.T) {
		t.Parallel()
		board := newFixture(t).open(t, 5*time.Millisecond)
		require.True(t, board.Next(context.Background()))
		require.NoError(t, board.Close())
		require.NoError(t, board.Close())
		assert.False(t, board.Next(context.Background()))
	})

	t.Run("stops on cancel", func(t *testing.T) {
		t.Parallel()
		board := newFixture(t).open(t, time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, board.Next(ctx))
	})

	t.Run("session ends when sysfs disappears", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		board := fx.open(t, 5*time.Millisecond)
		require.NoError(t, os.RemoveAll(fx.sysfs))
		assert.False(t, board.Next(context.Background()))
	})
}
