package cacheprobe

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"

	"github.com/skobkin/pipebench/internal/refclock"
)

// Native probes residency with mincore(2), without external tools.
type Native struct {
	Dir   string
	Clock *refclock.Clock
}

// Probe walks Dir and sums resident pages of every regular file.
func (n Native) Probe(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	pageSize := int64(os.Getpagesize())

	var snap Snapshot
	err := godirwalk.Walk(n.Dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(pathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch {
			case de.IsDir():
				snap.Directories++
			case de.IsRegular():
				resident, total, err := residentPages(pathname, pageSize)
				if err != nil {
					return err
				}
				snap.Files++
				snap.ResidentPages += resident
				snap.TotalPages += total
			}
			return nil
		},
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			if ctx.Err() != nil {
				return godirwalk.Halt
			}
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("walk %s: %w", n.Dir, err)
	}

	snap.ResidentSize = FormatSize(snap.ResidentPages * pageSize)
	snap.TotalSize = FormatSize(snap.TotalPages * pageSize)
	if snap.TotalPages > 0 {
		snap.Percent = float64(snap.ResidentPages) * 100 / float64(snap.TotalPages)
	}
	snap.Elapsed = time.Since(start).Seconds()
	snap.Redundant = "seconds"
	if n.Clock != nil {
		snap.Offset = n.Clock.Offset()
	}
	return snap, nil
}

func residentPages(path string, pageSize int64) (int64, int64, error) {
	// #nosec G304 -- walking the configured probe directory.
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, 0, nil
	}
	total := (size + pageSize - 1) / pageSize

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return 0, total, fmt.Errorf("mmap %s: %w", path, err)
	}
	defer func() {
		_ = unix.Munmap(data)
	}()

	vec := make([]byte, total)
	if err := mincore(data, vec); err != nil {
		return 0, total, fmt.Errorf("mincore %s: %w", path, err)
	}

	var resident int64
	for _, page := range vec {
		if page&1 != 0 {
			resident++
		}
	}
	return resident, total, nil
}

// mincore fills vec with one residency byte per page of the mapping.
func mincore(data, vec []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_MINCORE,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
