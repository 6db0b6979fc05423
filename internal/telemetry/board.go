package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/skobkin/pipebench/internal/gpu"
)

const (
	cpuDevicesPath = "devices/system/cpu"
	thermalPath    = "class/thermal"
)

// Candidate locations of the external memory controller counters, first hit wins.
var (
	emcRatePaths = []string{"bpmp/debug/clk/emc/rate", "clk/emc/clk_rate"}
	emcMinPaths  = []string{"bpmp/debug/clk/emc/min_rate", "clk/emc/min_rate"}
	emcMaxPaths  = []string{"bpmp/debug/clk/emc/max_rate", "clk/emc/max_rate"}
	emcUtilPaths = []string{"kernel/actmon_avg_activity/mc_all"}
)

// BoardOptions locates the kernel interfaces of a Board session.
type BoardOptions struct {
	SysfsRoot   string
	ProcRoot    string
	DebugfsRoot string
	Interval    time.Duration
	Logger      *slog.Logger
}

// Board is a hardware telemetry session. It owns the sampling cadence and
// backs the platform-stats, cpu-freq, gpu-freq, emc and ram subsystems.
type Board struct {
	sysfsRoot   string
	procRoot    string
	debugfsRoot string
	proc        procfs.FS
	logger      *slog.Logger

	cpus    []string
	cpuIDs  []int64
	thermal []thermalZone
	gpu     gpu.Info
	hasGPU  bool
	emc     emcFiles

	mu      sync.Mutex
	prevCPU map[int64]procfs.CPUStat

	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

type thermalZone struct {
	name string
	path string
}

type emcFiles struct {
	rate string
	min  string
	max  string
	util string
}

// OpenBoard starts a session and discovers the board layout.
func OpenBoard(opts BoardOptions) (*Board, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if _, err := os.Stat(opts.SysfsRoot); err != nil {
		return nil, fmt.Errorf("stat sysfs root: %w", err)
	}
	proc, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	b := &Board{
		sysfsRoot:   opts.SysfsRoot,
		procRoot:    opts.ProcRoot,
		debugfsRoot: opts.DebugfsRoot,
		proc:        proc,
		logger:      logger,
		prevCPU:     make(map[int64]procfs.CPUStat),
		done:        make(chan struct{}),
	}

	b.cpus = discoverCPUs(filepath.Join(opts.SysfsRoot, cpuDevicesPath))
	b.thermal = discoverThermal(filepath.Join(opts.SysfsRoot, thermalPath))

	if stat, err := proc.Stat(); err == nil {
		for id := range stat.CPU {
			b.cpuIDs = append(b.cpuIDs, int64(id))
		}
		sort.Slice(b.cpuIDs, func(i, j int) bool { return b.cpuIDs[i] < b.cpuIDs[j] })
	} else {
		logger.Warn("read /proc/stat", "err", err)
	}

	if infos, err := gpu.Discover(opts.SysfsRoot, logger); err != nil {
		logger.Warn("gpu discovery failed", "err", err)
	} else if node, ok := gpu.Devfreq(infos); ok {
		b.gpu, b.hasGPU = node, true
		logger.Debug("found devfreq gpu", "id", node.ID, "name", node.Name)
	}

	b.emc = emcFiles{
		rate: firstExisting(opts.DebugfsRoot, emcRatePaths),
		min:  firstExisting(opts.DebugfsRoot, emcMinPaths),
		max:  firstExisting(opts.DebugfsRoot, emcMaxPaths),
		util: firstExisting(opts.SysfsRoot, emcUtilPaths),
	}

	b.ticker = time.NewTicker(opts.Interval)
	return b, nil
}

// Next blocks until the next sampling tick. It returns false once the context
// is cancelled, the session is closed, or the board interfaces disappear.
func (b *Board) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	case <-b.ticker.C:
	}

	if err := b.alive(); err != nil {
		b.logger.Warn("board session ended", "err", err)
		return false
	}
	return true
}

func (b *Board) alive() error {
	select {
	case <-b.done:
		return errors.New("session closed")
	default:
	}
	if _, err := os.Stat(b.sysfsRoot); err != nil {
		return err
	}
	if _, err := os.Stat(b.procRoot); err != nil {
		return err
	}
	return nil
}

// Close ends the session. Safe for repeated use.
func (b *Board) Close() error {
	b.closeOnce.Do(func() {
		b.ticker.Stop()
		close(b.done)
	})
	return nil
}

// Subsystems returns the hardware subsystems backed by this session, in
// sampling order.
func (b *Board) Subsystems() []Subsystem {
	return []Subsystem{
		&platformStats{board: b},
		&cpuFreq{board: b},
		&gpuFreq{board: b},
		&emcStats{board: b},
		&ramStats{board: b},
	}
}

// cpuUtilisation returns busy percentage per CPU since the previous call,
// or since boot on the first call.
func (b *Board) cpuUtilisation(stat procfs.Stat) map[int64]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	util := make(map[int64]float64, len(stat.CPU)+1)
	for id, cur := range stat.CPU {
		util[int64(id)] = b.busyPercent(int64(id), cur)
	}
	util[-1] = b.busyPercent(-1, stat.CPUTotal)
	return util
}

func (b *Board) busyPercent(id int64, cur procfs.CPUStat) float64 {
	prev := b.prevCPU[id]
	b.prevCPU[id] = cur

	total := cpuTotal(cur) - cpuTotal(prev)
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	if total <= 0 {
		return 0
	}
	busy := (total - idle) / total * 100
	if busy < 0 {
		return 0
	}
	return busy
}

func cpuTotal(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

func discoverCPUs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	type cpu struct {
		name  string
		index int
	}
	var cpus []cpu
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		index, err := strconv.Atoi(name[len("cpu"):])
		if err != nil {
			continue
		}
		cpus = append(cpus, cpu{name: name, index: index})
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i].index < cpus[j].index })

	names := make([]string, 0, len(cpus))
	for _, c := range cpus {
		names = append(names, c.name)
	}
	return names
}

func discoverThermal(root string) []thermalZone {
	matches, err := filepath.Glob(filepath.Join(root, "thermal_zone*"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)

	var zones []thermalZone
	seen := make(map[string]bool)
	for _, dir := range matches {
		name, err := readTrimmed(filepath.Join(dir, "type"))
		if err != nil || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		zones = append(zones, thermalZone{name: name, path: filepath.Join(dir, "temp")})
	}
	return zones
}

func firstExisting(root string, candidates []string) string {
	for _, candidate := range candidates {
		path := filepath.Join(root, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func readTrimmed(path string) (string, error) {
	// #nosec G304 -- paths are built from configured kernel roots.
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(path string) (uint64, error) {
	if path == "" {
		return 0, errors.New("not available")
	}
	value, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, fmt.Errorf("empty value in %s", path)
	}
	return strconv.ParseUint(value, 10, 64)
}
