package cacheprobe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/skobkin/pipebench/internal/refclock"
)

// Vmtouch probes residency with the vmtouch utility.
type Vmtouch struct {
	Bin   string
	Dir   string
	Clock *refclock.Clock
}

// Probe runs `vmtouch -f <dir>` and parses its summary.
func (v Vmtouch) Probe(ctx context.Context) (Snapshot, error) {
	bin := v.Bin
	if bin == "" {
		bin = "vmtouch"
	}
	// #nosec G204 -- binary and directory come from local configuration.
	cmd := exec.CommandContext(ctx, bin, "-f", v.Dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Snapshot{}, fmt.Errorf("run %s: %w (%s)", bin, err, strings.TrimSpace(stderr.String()))
	}

	snap, err := ParseVmtouch(out)
	if v.Clock != nil {
		snap.Offset = v.Clock.Offset()
	}
	return snap, err
}

// ParseVmtouch extracts a Snapshot from vmtouch's summary block:
//
//	           Files: 3
//	     Directories: 1
//	  Resident Pages: 2/5  8K/20K  40%
//	         Elapsed: 0.000131 seconds
//
// Fields that are missing or malformed are left zero and reported in the error.
func ParseVmtouch(output []byte) (Snapshot, error) {
	var (
		snap Snapshot
		errs []string
		seen int
	)

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		label, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(label)) {
		case "files":
			seen++
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				errs = append(errs, "files: "+err.Error())
				continue
			}
			snap.Files = n
		case "directories":
			seen++
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				errs = append(errs, "directories: "+err.Error())
				continue
			}
			snap.Directories = n
		case "resident pages":
			seen++
			if err := parseResidency(value, &snap); err != nil {
				errs = append(errs, err.Error())
			}
		case "elapsed":
			seen++
			fields := strings.Fields(value)
			if len(fields) == 0 {
				errs = append(errs, "elapsed: empty")
				continue
			}
			elapsed, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				errs = append(errs, "elapsed: "+err.Error())
				continue
			}
			snap.Elapsed = elapsed
			if len(fields) > 1 {
				snap.Redundant = fields[1]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return snap, fmt.Errorf("scan vmtouch output: %w", err)
	}
	if seen == 0 {
		return snap, fmt.Errorf("vmtouch output has no summary")
	}
	if len(errs) > 0 {
		return snap, fmt.Errorf("malformed vmtouch output: %s", strings.Join(errs, "; "))
	}
	return snap, nil
}

func parseResidency(value string, snap *Snapshot) error {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return fmt.Errorf("resident pages: want 3 fields, got %q", value)
	}
	resident, total, err := parsePageRatio(fields[0])
	if err != nil {
		return err
	}
	size, totalSize, ok := strings.Cut(fields[1], "/")
	if !ok {
		return fmt.Errorf("resident size %q: missing separator", fields[1])
	}
	pct, err := parsePercent(fields[2])
	if err != nil {
		return err
	}

	snap.ResidentPages, snap.TotalPages = resident, total
	snap.ResidentSize, snap.TotalSize = size, totalSize
	snap.Percent = pct
	return nil
}
