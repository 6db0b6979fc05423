package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ParseFunc maps a command's text output onto the subsystem columns.
type ParseFunc func(output []byte, columns []string) (map[string]string, error)

// ShellSubsystem samples a command whose output is fixed-column text.
type ShellSubsystem struct {
	tag     Tag
	columns []string
	bin     string
	args    []string
	parse   ParseFunc
}

// NewShellSubsystem builds a subsystem that runs bin with args on every sample.
func NewShellSubsystem(tag Tag, columns []string, parse ParseFunc, bin string, args ...string) *ShellSubsystem {
	return &ShellSubsystem{
		tag:     tag,
		columns: columns,
		bin:     bin,
		args:    args,
		parse:   parse,
	}
}

// BlockIOColumns are the extended iostat device columns that are logged.
var BlockIOColumns = []string{
	"r/s", "w/s", "rkB/s", "wkB/s", "rrqm/s", "wrqm/s", "%rrqm", "%wrqm",
	"r_await", "w_await", "aqu-sz", "rareq-sz", "wareq-sz", "svctm", "%util",
}

// MemoryColumns are the free(1) Mem: columns that are logged.
var MemoryColumns = []string{"total", "used", "free", "shared", "buff/cache", "available"}

// SwapColumns are the free(1) Swap: columns that are logged.
var SwapColumns = []string{"total", "used", "free"}

// NewBlockIO samples one second of extended statistics for device.
func NewBlockIO(bin, device string) *ShellSubsystem {
	return NewShellSubsystem(TagBlockIO, BlockIOColumns, ParseIostat(device), bin, "-xy", "1", "1", "-d", device)
}

// NewMemory samples the Mem: row of free -m.
func NewMemory(bin string) *ShellSubsystem {
	return NewShellSubsystem(TagMemory, MemoryColumns, ParseFree("Mem:"), bin, "-m")
}

// NewSwap samples the Swap: row of free -m.
func NewSwap(bin string) *ShellSubsystem {
	return NewShellSubsystem(TagSwap, SwapColumns, ParseFree("Swap:"), bin, "-m")
}

func (s *ShellSubsystem) Tag() Tag { return s.tag }

func (s *ShellSubsystem) Columns() []string { return s.columns }

// Sample runs the command and parses whatever output it produced, so a failing
// command can still yield a partial row.
func (s *ShellSubsystem) Sample(ctx context.Context) (map[string]string, error) {
	// #nosec G204 -- binaries come from local configuration.
	cmd := exec.CommandContext(ctx, s.bin, s.args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, runErr := cmd.Output()

	fields, parseErr := s.parse(out, s.columns)
	if fields == nil {
		fields = map[string]string{}
	}
	if runErr != nil {
		return fields, fmt.Errorf("run %s: %w (%s)", s.bin, runErr, strings.TrimSpace(stderr.String()))
	}
	if parseErr != nil {
		return fields, fmt.Errorf("parse %s output: %w", s.bin, parseErr)
	}
	return fields, nil
}

// ParseIostat matches the device row of `iostat -x` output to its header.
// Columns the installed sysstat does not print are left out.
func ParseIostat(device string) ParseFunc {
	return func(output []byte, columns []string) (map[string]string, error) {
		var header []string
		scanner := bufio.NewScanner(bytes.NewReader(output))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			if strings.TrimSuffix(fields[0], ":") == "Device" {
				header = fields
				continue
			}
			if header == nil || (device != "" && fields[0] != device) {
				continue
			}
			return matchColumns(header[1:], fields[1:], columns), nil
		}
		if header == nil {
			return nil, fmt.Errorf("no device header")
		}
		return nil, fmt.Errorf("no row for device %q", device)
	}
}

// ParseFree extracts the row with the given label from free(1) output. The
// header line has no label column, so values align with it one to one.
func ParseFree(label string) ParseFunc {
	return func(output []byte, columns []string) (map[string]string, error) {
		var header []string
		scanner := bufio.NewScanner(bytes.NewReader(output))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			if header == nil && !strings.HasSuffix(fields[0], ":") {
				header = fields
				continue
			}
			if fields[0] != label {
				continue
			}
			if header == nil {
				return nil, fmt.Errorf("no header before %s", label)
			}
			return matchColumns(header, fields[1:], columns), nil
		}
		return nil, fmt.Errorf("no %s row", label)
	}
}

func matchColumns(names, values, columns []string) map[string]string {
	wanted := make(map[string]bool, len(columns))
	for _, column := range columns {
		wanted[column] = true
	}
	fields := make(map[string]string, len(columns))
	for i, name := range names {
		if i >= len(values) {
			break
		}
		if wanted[name] {
			fields[name] = values[i]
		}
	}
	return fields
}
