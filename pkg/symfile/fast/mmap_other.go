//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package fast

import "os"

// mapFile falls back to an ordinary read on platforms without a POSIX
// mmap (Windows). The decoded Module is identical either way; only the
// backing-store acquisition differs.
func mapFile(f *os.File) ([]byte, func() error, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, st.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
