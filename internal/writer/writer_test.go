package writer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
)

// memSink is a minimal in-memory sink.Sink for exercising the writer
// without the file/socket machinery internal/sink provides.
type memSink struct {
	buf bytes.Buffer
}

func (m *memSink) WriteAll(p []byte) error { m.buf.Write(p); return nil }
func (m *memSink) Seek(offset int64, whence int) (int64, error) {
	return 0, bytes.ErrTooLarge
}
func (m *memSink) Supported() sink.Capabilities { return sink.Capabilities{} }
func (m *memSink) CloneInChildProcess() sink.Sink { return nil }
func (m *memSink) Close() error                   { return nil }

func newTestWriter(t *testing.T, s *memSink) *Writer {
	t.Helper()
	return New(s, "python script.py", 1234, false, recordio.AllocatorPymalloc)
}

func TestWriteFramePushEmitsContextSwitchOnFirstRecord(t *testing.T) {
	s := &memSink{}
	w := newTestWriter(t, s)

	require.NoError(t, w.WriteFramePush(42, 7))
	data := s.buf.Bytes()
	require.NotEmpty(t, data)
	assert.Equal(t, recordio.ContextSwitch, recordio.Token(data[0]).Type())
}

func TestWriteFramePushSkipsContextSwitchForSameThread(t *testing.T) {
	s := &memSink{}
	w := newTestWriter(t, s)

	require.NoError(t, w.WriteFramePush(42, 7))
	before := s.buf.Len()
	require.NoError(t, w.WriteFramePush(42, 8))
	after := s.buf.Len()

	// Only a FRAME_PUSH token plus a 1-byte delta should have been
	// appended, not another CONTEXT_SWITCH.
	assert.True(t, after-before < 4)
}

func TestWriteFramePopPacksSixteenPerByte(t *testing.T) {
	s := &memSink{}
	w := newTestWriter(t, s)

	require.NoError(t, w.WriteFramePop(1, 20))
	data := s.buf.Bytes()

	var popTokens []recordio.Token
	for _, b := range data {
		tok := recordio.Token(b)
		if tok.Type() == recordio.FramePop {
			popTokens = append(popTokens, tok)
		}
	}
	require.Len(t, popTokens, 2)
	assert.Equal(t, byte(15), popTokens[0].Flags()) // 16 frames
	assert.Equal(t, byte(3), popTokens[1].Flags())  // 4 frames
}

func TestWriteAllocationOmitsSizeForDeallocator(t *testing.T) {
	s := &memSink{}
	w := newTestWriter(t, s)
	require.NoError(t, w.WriteAllocation(1, 0x1000, 99, recordio.Free))

	withSize := &memSink{}
	w2 := newTestWriter(t, withSize)
	require.NoError(t, w2.WriteAllocation(1, 0x1000, 99, recordio.Malloc))

	assert.True(t, s.buf.Len() < withSize.buf.Len())
}
