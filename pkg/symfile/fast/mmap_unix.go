//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package fast

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// mapFile maps f's entire contents read-only, the mmap-friendly loading
// path spec.md §4.4 calls for ("designed to be memory-mapped and addressed
// by offset"). Grounded on the same unix.Mmap call the pack's heap
// analyzer uses to map core-dump segments read-only.
func mapFile(f *os.File) ([]byte, func() error, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, func() error { return nil }, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
