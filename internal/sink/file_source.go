package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
)

// lz4MagicLen is the length of the frame magic lz4.Reader itself
// checks; peeking it here lets FileSource decide, before handing the
// stream to the reader, whether to wrap it in an lz4.Reader at all.
const lz4MagicLen = 4

var lz4Magic = [lz4MagicLen]byte{0x04, 0x22, 0x4D, 0x18}

// OpenFileSource opens path for reading, transparently decompressing
// it if it starts with the LZ4 frame magic, and trims a premature
// tracker's trailing run of zero bytes so the reader never chokes on
// an incomplete final record. Per spec.md §4.7.
func OpenFileSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sink: opening %s: %w", path, err)
	}

	var magic [lz4MagicLen]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && err != io.ErrUnexpectedEOF {
		f.Close()
		return nil, fmt.Errorf("sink: reading magic from %s: %w", path, err)
	}
	if _, err := f.Seek(0, SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	if n == lz4MagicLen && magic == lz4Magic {
		return &fileSource{rc: f, r: bufio.NewReader(lz4.NewReader(f))}, nil
	}

	readable, err := readablePrefix(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSource{rc: f, r: bufio.NewReader(io.LimitReader(f, readable))}, nil
}

// readablePrefix scans backward from the end of f for the first
// non-zero byte and returns the length up to and including it,
// ignoring a zeroed tail a tracker left behind by exiting before it
// could write its trailer.
func readablePrefix(f *os.File) (int64, error) {
	size, err := f.Seek(0, SeekEnd)
	if err != nil {
		return 0, err
	}
	const chunk = 64 << 10
	buf := make([]byte, chunk)
	pos := size
	for pos > 0 {
		readLen := int64(chunk)
		if readLen > pos {
			readLen = pos
		}
		start := pos - readLen
		if _, err := f.ReadAt(buf[:readLen], start); err != nil && err != io.EOF {
			return 0, fmt.Errorf("sink: scanning for readable prefix: %w", err)
		}
		for i := int(readLen) - 1; i >= 0; i-- {
			if buf[i] != 0 {
				return start + int64(i) + 1, nil
			}
		}
		pos = start
	}
	return 0, nil
}

type fileSource struct {
	rc io.Closer
	r  *bufio.Reader
}

func (s *fileSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *fileSource) Close() error                { return s.rc.Close() }
