package memory

import (
	"bytes"

	"github.com/pkg/errors"
)

// WriteCString stores s at addr as a NUL-terminated string, truncated so
// that it fits in limit bytes including the terminator.
func WriteCString(m Space, addr uint64, s string, limit int) error {
	if limit < 1 {
		return errors.New("memory: zero sized string buffer")
	}
	if len(s) > limit-1 {
		s = s[:limit-1]
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return m.Write(addr, buf)
}

// ReadCString reads a NUL-terminated string of at most limit bytes.
func ReadCString(m Space, addr uint64, limit int) (string, error) {
	buf := make([]byte, limit)
	// Read page by page so a string near the end of memory is still readable.
	for off := 0; off < limit; {
		n := PageSize - int((addr+uint64(off))&(PageSize-1))
		if n > limit-off {
			n = limit - off
		}
		if err := m.Read(addr+uint64(off), buf[off:off+n]); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf[off:off+n], 0); i >= 0 {
			return string(buf[:off+i]), nil
		}
		off += n
	}
	return string(buf), nil
}
