// Package telemetry samples board and OS resource counters on a fixed cadence.
package telemetry

import (
	"context"

	"github.com/skobkin/pipebench/internal/csvlog"
	"github.com/skobkin/pipebench/internal/refclock"
)

// Tag names a sampled subsystem.
type Tag string

const (
	TagPlatform Tag = "platform-stats"
	TagCPUFreq  Tag = "cpu-freq"
	TagGPUFreq  Tag = "gpu-freq"
	TagEMC      Tag = "emc"
	TagRAM      Tag = "ram"
	TagBlockIO  Tag = "block-io"
	TagMemory   Tag = "memory"
	TagSwap     Tag = "swap"
)

// LogTimeColumn is appended to every subsystem's columns.
const LogTimeColumn = "log_time"

var streamNames = map[Tag]string{
	TagPlatform: csvlog.Tegrastats,
	TagCPUFreq:  csvlog.CPUFreq,
	TagGPUFreq:  csvlog.GPUFreq,
	TagEMC:      csvlog.EMCStats,
	TagRAM:      csvlog.RAMStats,
	TagBlockIO:  csvlog.IOStats,
	TagMemory:   csvlog.MemStats,
	TagSwap:     csvlog.SwapStats,
}

// StreamName returns the log stream a subsystem writes to.
func (t Tag) StreamName() string {
	if name, ok := streamNames[t]; ok {
		return name
	}
	return string(t)
}

// Subsystem is one independently sampled source of counters.
type Subsystem interface {
	Tag() Tag
	// Columns lists the field names in row order, without log_time.
	Columns() []string
	// Sample returns the current values keyed by column. On error the map may
	// still carry the fields that could be read.
	Sample(ctx context.Context) (map[string]string, error)
}

// Header returns the log header for s.
func Header(s Subsystem) []string {
	columns := s.Columns()
	header := make([]string, 0, len(columns)+1)
	header = append(header, columns...)
	return append(header, LogTimeColumn)
}

// Record is one sample of one subsystem.
type Record struct {
	Tag    Tag
	Fields map[string]string
	Offset float64
}

// Row renders the record in column order. Missing fields render empty.
func (r Record) Row(columns []string) []string {
	row := make([]string, 0, len(columns)+1)
	for _, column := range columns {
		row = append(row, r.Fields[column])
	}
	return append(row, refclock.FormatSeconds(r.Offset))
}
