package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iostatOutput = `Linux 4.9.253-tegra (jetson) 	10/17/26 	_aarch64_	(4 CPU)

Device            r/s     w/s     rkB/s     wkB/s   rrqm/s   wrqm/s  %rrqm  %wrqm r_await w_await aqu-sz rareq-sz wareq-sz  svctm  %util
sda              9.00    0.00    100.00      0.00     0.00     0.00   0.00   0.00    0.50    0.00   0.00    11.11     0.00   0.40   0.36
mmcblk0        152.00    3.00  19456.00     24.00     1.00     2.00   0.65  40.00    1.20    3.00   0.19   128.00     8.00   0.50   7.75

`

const freeOutput = `               total        used        free      shared  buff/cache   available
Mem:            3964        1712         310          27        1941        2055
Swap:           1982          12        1970
`

func TestParseIostatSelectsDevice(t *testing.T) {
	t.Parallel()

	fields, err := ParseIostat("mmcblk0")([]byte(iostatOutput), BlockIOColumns)
	require.NoError(t, err)
	assert.Len(t, fields, len(BlockIOColumns))
	assert.Equal(t, "152.00", fields["r/s"])
	assert.Equal(t, "19456.00", fields["rkB/s"])
	assert.Equal(t, "128.00", fields["rareq-sz"])
	assert.Equal(t, "7.75", fields["%util"])
}

func TestParseIostatPartialColumns(t *testing.T) {
	t.Parallel()

	// sysstat 12 drops svctm and adds discard columns.
	output := `Device            r/s     rkB/s   rrqm/s  %rrqm r_await rareq-sz     w/s     wkB/s   wrqm/s  %wrqm w_await wareq-sz     d/s     dkB/s  %util
nvme0n1          1.00      4.00     0.00   0.00    0.10     4.00    2.00     8.00     0.00   0.00    0.20     4.00    0.00      0.00   0.10
`
	fields, err := ParseIostat("nvme0n1")([]byte(output), BlockIOColumns)
	require.NoError(t, err)
	assert.Equal(t, "2.00", fields["w/s"])
	assert.Equal(t, "0.10", fields["%util"])
	assert.NotContains(t, fields, "svctm")
	assert.NotContains(t, fields, "d/s")
}

func TestParseIostatErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseIostat("mmcblk0")([]byte("iostat: not found\n"), BlockIOColumns)
	require.Error(t, err)

	_, err = ParseIostat("nvme1n1")([]byte(iostatOutput), BlockIOColumns)
	require.Error(t, err)
}

func TestParseFree(t *testing.T) {
	t.Parallel()

	mem, err := ParseFree("Mem:")([]byte(freeOutput), MemoryColumns)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"total":      "3964",
		"used":       "1712",
		"free":       "310",
		"shared":     "27",
		"buff/cache": "1941",
		"available":  "2055",
	}, mem)

	swap, err := ParseFree("Swap:")([]byte(freeOutput), SwapColumns)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"total": "1982", "used": "12", "free": "1970"}, swap)
}

func TestParseFreeOldLayout(t *testing.T) {
	t.Parallel()

	output := `             total       used       free     shared    buffers     cached
Mem:          3964       3654        310         27        120       1821
-/+ buffers/cache:       1713       2251
Swap:         1982         12       1970
`
	mem, err := ParseFree("Mem:")([]byte(output), MemoryColumns)
	require.NoError(t, err)
	assert.Equal(t, "3964", mem["total"])
	assert.NotContains(t, mem, "buff/cache")
	assert.NotContains(t, mem, "available")

	_, err = ParseFree("Swap:")([]byte("garbage"), SwapColumns)
	require.Error(t, err)
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestShellSubsystemSample(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}

	bin := writeScript(t, "free", "cat <<'EOF'\n"+freeOutput+"EOF\n")
	sub := NewSwap(bin)
	assert.Equal(t, TagSwap, sub.Tag())
	assert.Equal(t, []string{"total", "used", "free", "log_time"}, Header(sub))

	fields, err := sub.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1982", fields["total"])
}

func TestShellSubsystemFailureIsPartial(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}

	// Prints the Mem: row, then fails.
	bin := writeScript(t, "free", "cat <<'EOF'\n"+freeOutput+"EOF\necho broken >&2\nexit 2\n")
	fields, err := NewMemory(bin).Sample(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, "1712", fields["used"])

	fields, err = NewBlockIO(filepath.Join(t.TempDir(), "missing-iostat"), "sda").Sample(context.Background())
	require.Error(t, err)
	assert.NotNil(t, fields)
	assert.Empty(t, fields)
}
