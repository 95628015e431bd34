package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
	"github.com/heaptrace/heaptrace/internal/writer"
)

// memSink is a seekable, in-memory sink.Sink good enough to exercise
// the writer's header-rewrite-on-close sequence without touching the
// filesystem.
type memSink struct {
	buf    []byte
	offset int
}

func (s *memSink) WriteAll(p []byte) error {
	end := s.offset + len(p)
	if end > len(s.buf) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.offset:end], p)
	s.offset = end
	return nil
}

func (s *memSink) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case sink.SeekStart:
		s.offset = int(offset)
	case sink.SeekCurrent:
		s.offset += int(offset)
	case sink.SeekEnd:
		s.offset = len(s.buf) + int(offset)
	}
	return int64(s.offset), nil
}

func (s *memSink) Supported() sink.Capabilities  { return sink.Capabilities{Seekable: true} }
func (s *memSink) CloneInChildProcess() sink.Sink { return nil }
func (s *memSink) Close() error                   { return nil }

// memSource adapts a memSink's buffer into a sink.Source for reading
// the capture back.
type memSource struct {
	r *bytes.Reader
}

func (s *memSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *memSource) Close() error               { return nil }

func buildCapture(t *testing.T) *memSink {
	t.Helper()
	s := &memSink{}
	w := writer.New(s, "python demo.py", 4242, false, recordio.AllocatorPymalloc)
	require.NoError(t, w.WriteHeader(false))

	require.NoError(t, w.WriteFrameIndex(1, recordio.Frame{
		FunctionName: "allocate_buffers",
		FileName:     "demo.py",
		Line:         10,
		IsEntry:      true,
	}))
	require.NoError(t, w.WriteFramePush(1, 1))
	require.NoError(t, w.WriteAllocation(1, 0x1000, 256, recordio.PymallocMalloc))
	require.NoError(t, w.WriteAllocation(1, 0x2000, 128, recordio.PymallocMalloc))
	require.NoError(t, w.WriteMemoryRecord(recordio.MemoryRecord{RSSBytes: 4096, MsSinceEpoch: 1000}))
	require.NoError(t, w.WriteFramePop(1, 1))

	require.NoError(t, w.WriteTrailer())
	require.NoError(t, w.WriteHeader(true))
	return s
}

func TestValidateReportsOKForWellFormedCapture(t *testing.T) {
	capture := buildCapture(t)

	origOpen := openCaptureSource
	openCaptureSource = func(string) (sink.Source, error) {
		return &memSource{r: bytes.NewReader(capture.buf)}, nil
	}
	defer func() { openCaptureSource = origOpen }()

	var out bytes.Buffer
	cmd := newValidateCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"demo.hptrace"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "OK")
	assert.Contains(t, out.String(), "2 allocation(s)")
}

func TestStatsReportsPeakMemoryAndTopFrame(t *testing.T) {
	capture := buildCapture(t)

	origOpen := openCaptureSource
	openCaptureSource = func(string) (sink.Source, error) {
		return &memSource{r: bytes.NewReader(capture.buf)}, nil
	}
	defer func() { openCaptureSource = origOpen }()

	var out bytes.Buffer
	cmd := newStatsCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"demo.hptrace"})
	require.NoError(t, cmd.Execute())

	got := out.String()
	assert.Contains(t, got, "python demo.py")
	assert.Contains(t, got, "384 B")
	assert.Contains(t, got, "allocate_buffers")
}

func TestFormatBytesScalesUnits(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
}
