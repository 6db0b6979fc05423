package telemetry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/procfs"
)

type platformStats struct {
	board *Board
}

func (*platformStats) Tag() Tag { return TagPlatform }

func (p *platformStats) Columns() []string {
	columns := []string{"uptime"}
	for _, id := range p.board.cpuIDs {
		columns = append(columns, cpuColumn(id))
	}
	columns = append(columns, "CPU", "RAM", "SWAP", "EMC", "GPU")
	for _, zone := range p.board.thermal {
		columns = append(columns, "Temp "+zone.name)
	}
	return columns
}

func (p *platformStats) Sample(context.Context) (map[string]string, error) {
	b := p.board
	fields := make(map[string]string)
	var errs []error

	if stat, err := b.proc.Stat(); err == nil {
		if stat.BootTime > 0 {
			uptime := time.Since(time.Unix(int64(stat.BootTime), 0)).Seconds()
			fields["uptime"] = formatFloat(uptime, 0)
		}
		for id, util := range b.cpuUtilisation(stat) {
			if id < 0 {
				fields["CPU"] = formatFloat(util, 1)
				continue
			}
			fields[cpuColumn(id)] = formatFloat(util, 1)
		}
	} else {
		errs = append(errs, fmt.Errorf("read stat: %w", err))
	}

	if mem, err := b.proc.Meminfo(); err == nil {
		if used, total, ok := memUsed(mem); ok && total > 0 {
			fields["RAM"] = formatFloat(float64(used)/float64(total), 4)
		}
		if mem.SwapTotal != nil && mem.SwapFree != nil && *mem.SwapTotal > 0 {
			fields["SWAP"] = formatFloat(float64(*mem.SwapTotal-*mem.SwapFree)/float64(*mem.SwapTotal), 4)
		}
	} else {
		errs = append(errs, fmt.Errorf("read meminfo: %w", err))
	}

	if util, ok := b.emcUtilisation(); ok {
		fields["EMC"] = formatFloat(util, 1)
	}
	if load, ok := b.gpuLoad(); ok {
		fields["GPU"] = formatFloat(load, 1)
	}

	for _, zone := range b.thermal {
		milli, err := readInt(zone.path)
		if err != nil {
			continue
		}
		fields["Temp "+zone.name] = formatFloat(float64(milli)/1000, 2)
	}

	return fields, errors.Join(errs...)
}

type cpuFreq struct {
	board *Board
}

func (*cpuFreq) Tag() Tag { return TagCPUFreq }

func (c *cpuFreq) Columns() []string {
	columns := make([]string, 0, len(c.board.cpus)*5)
	for _, cpu := range c.board.cpus {
		columns = append(columns,
			cpu+"_online",
			cpu+"_governor",
			cpu+"_freq_cur",
			cpu+"_freq_min",
			cpu+"_freq_max",
		)
	}
	return columns
}

func (c *cpuFreq) Sample(context.Context) (map[string]string, error) {
	root := filepath.Join(c.board.sysfsRoot, cpuDevicesPath)
	fields := make(map[string]string, len(c.board.cpus)*5)

	var read int
	for _, cpu := range c.board.cpus {
		dir := filepath.Join(root, cpu)
		online, err := readTrimmed(filepath.Join(dir, "online"))
		if err != nil {
			// cpu0 usually cannot be hot-plugged and has no online file.
			online = "1"
		}
		fields[cpu+"_online"] = online

		freqDir := filepath.Join(dir, "cpufreq")
		if governor, err := readTrimmed(filepath.Join(freqDir, "scaling_governor")); err == nil {
			fields[cpu+"_governor"] = governor
			read++
		}
		for column, file := range map[string]string{
			"_freq_cur": "scaling_cur_freq",
			"_freq_min": "scaling_min_freq",
			"_freq_max": "scaling_max_freq",
		} {
			if value, err := readUint(filepath.Join(freqDir, file)); err == nil {
				fields[cpu+column] = strconv.FormatUint(value, 10)
				read++
			}
		}
	}

	if read == 0 && len(c.board.cpus) > 0 {
		return fields, errors.New("no cpufreq counters readable")
	}
	return fields, nil
}

type gpuFreq struct {
	board *Board
}

func (*gpuFreq) Tag() Tag { return TagGPUFreq }

func (*gpuFreq) Columns() []string {
	return []string{"name", "governor", "freq_cur", "freq_min", "freq_max", "load"}
}

func (g *gpuFreq) Sample(context.Context) (map[string]string, error) {
	b := g.board
	if !b.hasGPU {
		return map[string]string{}, errors.New("no devfreq gpu")
	}

	dir := b.gpu.Devfreq
	fields := map[string]string{"name": b.gpu.Name}
	var errs []error

	if governor, err := readTrimmed(filepath.Join(dir, "governor")); err == nil {
		fields["governor"] = governor
	} else {
		errs = append(errs, err)
	}
	for column, file := range map[string]string{
		"freq_cur": "cur_freq",
		"freq_min": "min_freq",
		"freq_max": "max_freq",
	} {
		value, err := readUint(filepath.Join(dir, file))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fields[column] = strconv.FormatUint(value, 10)
	}
	if load, ok := b.gpuLoad(); ok {
		fields["load"] = formatFloat(load, 1)
	}

	return fields, errors.Join(errs...)
}

// gpuLoad reads the devfreq device load, reported in tenths of a percent.
func (b *Board) gpuLoad() (float64, bool) {
	if !b.hasGPU {
		return 0, false
	}
	raw, err := readUint(filepath.Join(b.gpu.Devfreq, "device", "load"))
	if err != nil {
		return 0, false
	}
	return float64(raw) / 10, true
}

type emcStats struct {
	board *Board
}

func (*emcStats) Tag() Tag { return TagEMC }

func (*emcStats) Columns() []string {
	return []string{"rate", "min", "max", "util"}
}

func (e *emcStats) Sample(context.Context) (map[string]string, error) {
	b := e.board
	fields := make(map[string]string, 4)
	var errs []error

	for column, path := range map[string]string{
		"rate": b.emc.rate,
		"min":  b.emc.min,
		"max":  b.emc.max,
	} {
		value, err := readUint(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("emc %s: %w", column, err))
			continue
		}
		fields[column] = strconv.FormatUint(value, 10)
	}
	if util, ok := b.emcUtilisation(); ok {
		fields["util"] = formatFloat(util, 1)
	}

	return fields, errors.Join(errs...)
}

// emcUtilisation relates the actmon average activity (kHz) to the current EMC
// rate (Hz).
func (b *Board) emcUtilisation() (float64, bool) {
	activity, err := readUint(b.emc.util)
	if err != nil {
		return 0, false
	}
	rate, err := readUint(b.emc.rate)
	if err != nil || rate == 0 {
		return 0, false
	}
	return clamp(float64(activity)*1000/float64(rate)*100, 0, 100), true
}

type ramStats struct {
	board *Board
}

func (*ramStats) Tag() Tag { return TagRAM }

func (*ramStats) Columns() []string {
	return []string{"tot", "used", "free", "buffers", "cached", "shared", "avail"}
}

func (r *ramStats) Sample(context.Context) (map[string]string, error) {
	mem, err := r.board.proc.Meminfo()
	if err != nil {
		return map[string]string{}, fmt.Errorf("read meminfo: %w", err)
	}

	fields := make(map[string]string, 7)
	put := func(column string, value *uint64) {
		if value != nil {
			fields[column] = strconv.FormatUint(*value, 10)
		}
	}
	put("tot", mem.MemTotal)
	put("free", mem.MemFree)
	put("buffers", mem.Buffers)
	put("cached", mem.Cached)
	put("shared", mem.Shmem)
	put("avail", mem.MemAvailable)
	if used, _, ok := memUsed(mem); ok {
		fields["used"] = strconv.FormatUint(used, 10)
	}
	return fields, nil
}

// memUsed follows free(1): total minus free, buffers and page cache, in kB.
func memUsed(mem procfs.Meminfo) (used, total uint64, ok bool) {
	if mem.MemTotal == nil || mem.MemFree == nil {
		return 0, 0, false
	}
	total = *mem.MemTotal
	reclaim := *mem.MemFree
	if mem.Buffers != nil {
		reclaim += *mem.Buffers
	}
	if mem.Cached != nil {
		reclaim += *mem.Cached
	}
	if reclaim > total {
		return 0, total, true
	}
	return total - reclaim, total, true
}

func cpuColumn(id int64) string {
	return "CPU" + strconv.FormatInt(id+1, 10)
}

func readInt(path string) (int64, error) {
	value, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

func formatFloat(value float64, precision int) string {
	return strconv.FormatFloat(value, 'f', precision, 64)
}

func clamp(value, lo, hi float64) float64 {
	return max(lo, min(hi, value))
}
