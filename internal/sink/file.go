package sink

import (
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	"github.com/heaptrace/heaptrace/internal/logging"
)

var log = logging.For("sink")

// DefaultWindowBytes is the chunk size the file sink grows the
// backing file by and the size of the mmap window it keeps live,
// spec.md §4.7's "16 MiB (or configured-sized) chunks".
const DefaultWindowBytes = 16 << 20

// FileSink is a growable memory-mapped file sink. Writes land
// directly in the mapping; there is no separate flush step because
// the mapping itself is the buffer the kernel writes back from.
type FileSink struct {
	f            *os.File
	windowBytes  int64
	mapping      []byte
	mapOffset    int64 // file offset the current mapping starts at
	writeOffset  int64 // absolute file offset of the next byte to write
	allocated    int64 // bytes fallocate'd so far
	compress     bool
}

// NewFileSink creates (or truncates) path and maps in the first
// window. windowBytes <= 0 selects DefaultWindowBytes.
func NewFileSink(path string, windowBytes int64, compress bool) (*FileSink, error) {
	if windowBytes <= 0 {
		windowBytes = DefaultWindowBytes
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: creating %s: %w", path, err)
	}
	s := &FileSink{f: f, windowBytes: windowBytes, compress: compress}
	if err := s.growTo(windowBytes); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.mapWindow(0); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSink) growTo(size int64) error {
	if size <= s.allocated {
		return nil
	}
	if err := unix.Fallocate(int(s.f.Fd()), 0, s.allocated, size-s.allocated); err != nil {
		return fmt.Errorf("sink: fallocate: %w", err)
	}
	s.allocated = size
	return nil
}

// mapWindow maps the windowBytes-sized region starting at offset,
// unmapping any previous window first.
func (s *FileSink) mapWindow(offset int64) error {
	if s.mapping != nil {
		if err := unix.Munmap(s.mapping); err != nil {
			return fmt.Errorf("sink: munmap: %w", err)
		}
		s.mapping = nil
	}
	if err := s.growTo(offset + s.windowBytes); err != nil {
		return err
	}
	m, err := unix.Mmap(int(s.f.Fd()), offset, int(s.windowBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("sink: mmap at %d: %w", offset, err)
	}
	s.mapping = m
	s.mapOffset = offset
	return nil
}

// WriteAll implements Sink.
func (s *FileSink) WriteAll(p []byte) error {
	for len(p) > 0 {
		windowPos := s.writeOffset - s.mapOffset
		if windowPos >= s.windowBytes {
			if err := s.mapWindow(s.mapOffset + s.windowBytes); err != nil {
				return err
			}
			windowPos = 0
		}
		n := copy(s.mapping[windowPos:], p)
		s.writeOffset += int64(n)
		p = p[n:]
	}
	return nil
}

// Seek implements Sink; it remaps the window containing the target
// offset, matching spec.md §4.7's "seek unmaps and remaps".
func (s *FileSink) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case SeekStart:
		target = offset
	case SeekCurrent:
		target = s.writeOffset + offset
	case SeekEnd:
		target = s.allocated + offset
	default:
		return 0, fmt.Errorf("sink: unsupported whence %d", whence)
	}
	windowStart := (target / s.windowBytes) * s.windowBytes
	if windowStart != s.mapOffset {
		if err := s.mapWindow(windowStart); err != nil {
			return 0, err
		}
	}
	s.writeOffset = target
	return target, nil
}

// Supported implements Sink.
func (s *FileSink) Supported() Capabilities {
	return Capabilities{Seekable: true, Clonable: true}
}

// CloneInChildProcess implements Sink by opening a new file suffixed
// with the child's pid, matching spec.md §4.7's file-sink clone rule.
func (s *FileSink) CloneInChildProcess() Sink {
	childPath := fmt.Sprintf("%s.%d", s.f.Name(), os.Getpid())
	child, err := NewFileSink(childPath, s.windowBytes, s.compress)
	if err != nil {
		log.WithError(err).Warn("could not clone file sink in child process")
		return nil
	}
	return child
}

// Close unmaps the file and, if compression was requested,
// recompresses it with LZ4 into a temporary file and renames over the
// original, per spec.md §4.7.
func (s *FileSink) Close() error {
	path := s.f.Name()
	if s.mapping != nil {
		if err := unix.Munmap(s.mapping); err != nil {
			return fmt.Errorf("sink: munmap on close: %w", err)
		}
		s.mapping = nil
	}
	if err := s.f.Truncate(s.writeOffset); err != nil {
		return fmt.Errorf("sink: truncating to final size: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if !s.compress {
		return nil
	}
	return recompressWithLZ4(path)
}

func recompressWithLZ4(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sink: reopening %s for compression: %w", path, err)
	}
	defer src.Close()

	tmpPath := path + ".lz4tmp"
	dst, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sink: creating %s: %w", tmpPath, err)
	}

	zw := lz4.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sink: compressing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
