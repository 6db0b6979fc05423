package csvlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// Logical stream names. Each maps to one file suffix.
const (
	Fetch      = "fetch"
	Compute    = "compute"
	Epoch      = "epoch_stats"
	Vmtouch    = "vmtouch_stats"
	IOStats    = "io_stats"
	MemStats   = "mem_stats"
	SwapStats  = "swap_stats"
	Tegrastats = "tegrastats"
	CPUFreq    = "cpufreq_stats"
	GPUFreq    = "gpufreq_stats"
	EMCStats   = "emc_stats"
	RAMStats   = "ram_stats"
)

// Layout derives every output path of a run from its identifier.
type Layout struct {
	Dir   string
	RunID string
}

// RunID builds the file prefix shared by all logs of one run.
func RunID(tag string, workers, prefetch int) string {
	if tag == "" {
		tag = "mn"
	}
	return fmt.Sprintf("%s_nw%d_pf%d", tag, workers, prefetch)
}

// Path returns the CSV file backing the named stream.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir, l.RunID+"_"+name+".csv")
}

// Summary returns the Prometheus textfile written at the end of the run.
func (l Layout) Summary() string {
	return filepath.Join(l.Dir, l.RunID+"_summary.prom")
}

// Set is a collection of open streams keyed by name.
type Set map[string]*Stream

// Close closes every stream and reports all failures.
func (s Set) Close() error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := s[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
