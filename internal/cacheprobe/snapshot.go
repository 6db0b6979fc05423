// Package cacheprobe inspects and clears page-cache residency of the dataset files.
package cacheprobe

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/pipebench/internal/refclock"
)

// Prober snapshots page-cache residency for one directory tree.
type Prober interface {
	Probe(ctx context.Context) (Snapshot, error)
}

// Dropper evicts the page cache.
type Dropper interface {
	Drop(ctx context.Context) error
}

// Snapshot is one page-cache residency reading.
type Snapshot struct {
	Files         int64
	Directories   int64
	ResidentPages int64
	TotalPages    int64
	ResidentSize  string
	TotalSize     string
	Percent       float64
	Elapsed       float64
	Redundant     string
	Offset        float64
}

// Header lists the cache log columns.
func Header() []string {
	return []string{
		"files",
		"directories",
		"resident_pages",
		"resident_pages_size",
		"resident_pages_%",
		"elapsed",
		"redundant",
		"log_time",
	}
}

// Row renders the snapshot in Header order.
func (s Snapshot) Row() []string {
	return []string{
		strconv.FormatInt(s.Files, 10),
		strconv.FormatInt(s.Directories, 10),
		strconv.FormatInt(s.ResidentPages, 10) + "/" + strconv.FormatInt(s.TotalPages, 10),
		s.ResidentSize + "/" + s.TotalSize,
		strconv.FormatFloat(s.Percent, 'g', -1, 64) + "%",
		strconv.FormatFloat(s.Elapsed, 'f', -1, 64),
		s.Redundant,
		refclock.FormatSeconds(s.Offset),
	}
}

// ParseRow reverses Row.
func ParseRow(row []string) (Snapshot, error) {
	if len(row) != len(Header()) {
		return Snapshot{}, fmt.Errorf("cache row has %d fields, want %d", len(row), len(Header()))
	}

	var (
		snap Snapshot
		err  error
	)
	if snap.Files, err = strconv.ParseInt(row[0], 10, 64); err != nil {
		return Snapshot{}, fmt.Errorf("parse files: %w", err)
	}
	if snap.Directories, err = strconv.ParseInt(row[1], 10, 64); err != nil {
		return Snapshot{}, fmt.Errorf("parse directories: %w", err)
	}
	if snap.ResidentPages, snap.TotalPages, err = parsePageRatio(row[2]); err != nil {
		return Snapshot{}, err
	}
	resident, total, ok := strings.Cut(row[3], "/")
	if !ok {
		return Snapshot{}, fmt.Errorf("parse resident size %q: missing separator", row[3])
	}
	snap.ResidentSize, snap.TotalSize = resident, total
	if snap.Percent, err = parsePercent(row[4]); err != nil {
		return Snapshot{}, err
	}
	if snap.Elapsed, err = strconv.ParseFloat(row[5], 64); err != nil {
		return Snapshot{}, fmt.Errorf("parse elapsed: %w", err)
	}
	snap.Redundant = row[6]
	if snap.Offset, err = strconv.ParseFloat(row[7], 64); err != nil {
		return Snapshot{}, fmt.Errorf("parse log_time: %w", err)
	}
	return snap, nil
}

func parsePageRatio(value string) (int64, int64, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return 0, 0, fmt.Errorf("parse resident pages %q: missing separator", value)
	}
	resident, err := strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse resident pages: %w", err)
	}
	total, err := strconv.ParseInt(right, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse total pages: %w", err)
	}
	return resident, total, nil
}

func parsePercent(value string) (float64, error) {
	pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("parse resident percent: %w", err)
	}
	return pct, nil
}

// FormatSize renders a byte count the way vmtouch prints sizes.
func FormatSize(bytes int64) string {
	const unit = 1024
	switch {
	case bytes >= unit*unit*unit:
		return strconv.FormatFloat(float64(bytes)/(unit*unit*unit), 'g', 3, 64) + "G"
	case bytes >= unit*unit:
		return strconv.FormatFloat(float64(bytes)/(unit*unit), 'g', 3, 64) + "M"
	case bytes >= unit:
		return strconv.FormatFloat(float64(bytes)/unit, 'g', 3, 64) + "K"
	default:
		return strconv.FormatInt(bytes, 10)
	}
}
