package csvlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestHeaderWrittenOnceAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "mn_nw2_pf2_swap_stats.csv")
	header := []string{"total", "used", "free", "log_time"}

	stream, err := Create(SwapStats, path, header)
	require.NoError(t, err)
	require.NoError(t, stream.Append([]string{"3964", "1200", "2764", "0.500000"}))
	require.NoError(t, stream.Close())

	// A second process opens the same stream for append.
	appended, err := OpenAppend(SwapStats, path)
	require.NoError(t, err)
	require.NoError(t, appended.Write([]string{"3964", "1210", "2754", "1.500000"}))
	require.NoError(t, appended.Write([]string{"3964", "1220", "2744", "2.500000"}))
	require.NoError(t, appended.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 4)
	assert.Equal(t, header, rows[0])
	for _, row := range rows[1:] {
		assert.NotEqual(t, header, row)
	}
	assert.Equal(t, "2.500000", rows[3][3])
}

func TestOpenAppendRequiresHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := OpenAppend(IOStats, filepath.Join(dir, "missing.csv"))
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = OpenAppend(IOStats, empty)
	require.Error(t, err)
}

func TestClosedStreamRejectsWrites(t *testing.T) {
	t.Parallel()

	stream, err := Create(Fetch, filepath.Join(t.TempDir(), "f.csv"), []string{"a"})
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	assert.ErrorIs(t, stream.Append([]string{"1"}), ErrClosed)
	assert.ErrorIs(t, stream.Write([]string{"1"}), ErrClosed)
}

func TestRowWidthMustMatchHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mem.csv")
	stream, err := Create(MemStats, path, []string{"total", "used", "log_time"})
	require.NoError(t, err)
	assert.ErrorIs(t, stream.Append([]string{"3964", "0.5"}), ErrRowWidth)
	assert.ErrorIs(t, stream.Write([]string{"3964", "1200", "2764", "0.5"}), ErrRowWidth)
	require.NoError(t, stream.Append([]string{"3964", "1200", "0.5"}))
	require.NoError(t, stream.Close())

	appended, err := OpenAppend(MemStats, path)
	require.NoError(t, err)
	assert.ErrorIs(t, appended.Write([]string{"1"}), ErrRowWidth)
	require.NoError(t, appended.Write([]string{"3964", "1210", "1.5"}))
	require.NoError(t, appended.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"3964", "1210", "1.5"}, rows[2])
}

func TestBufferFlushClears(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ram.csv")
	stream, err := Create(RAMStats, path, []string{"tot", "log_time"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	buf := NewBuffer(stream, 2)
	assert.True(t, buf.Add([]string{"1", "0.1"}))
	assert.True(t, buf.Add([]string{"2", "0.2"}))
	assert.False(t, buf.Add([]string{"3", "0.3"}))

	err = buf.Flush()
	require.Error(t, err, "dropped rows are reported")
	assert.Equal(t, 0, buf.Len())

	assert.True(t, buf.Add([]string{"4", "0.4"}))
	require.NoError(t, buf.Flush())

	rows := readRows(t, path)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"4", "0.4"}, rows[3])
}

func TestLayoutPaths(t *testing.T) {
	t.Parallel()

	layout := Layout{Dir: "/tmp/run", RunID: RunID("", 4, 2)}
	assert.Equal(t, "mn_nw4_pf2", layout.RunID)
	assert.Equal(t, "/tmp/run/mn_nw4_pf2_fetch.csv", layout.Path(Fetch))
	assert.Equal(t, "/tmp/run/mn_nw4_pf2_tegrastats.csv", layout.Path(Tegrastats))
	assert.Equal(t, "/tmp/run/mn_nw4_pf2_summary.prom", layout.Summary())
	assert.Equal(t, "bert_nw0_pf1", RunID("bert", 0, 1))
}

func TestSetCloseClosesAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	set := Set{}
	for _, name := range []string{Fetch, Compute} {
		stream, err := Create(name, filepath.Join(dir, name+".csv"), []string{"x"})
		require.NoError(t, err)
		set[name] = stream
	}
	require.NoError(t, set.Close())
	assert.ErrorIs(t, set[Fetch].Append([]string{"1"}), ErrClosed)
}
