package sink

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullSinkDiscardsWrites(t *testing.T) {
	var s NullSink
	require.NoError(t, s.WriteAll([]byte("anything")))
	_, err := s.Seek(0, SeekStart)
	assert.Error(t, err)
	assert.Equal(t, Capabilities{}, s.Supported())
}

func TestReadablePrefixIgnoresZeroedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")
	data := append([]byte("hdr-and-records"), make([]byte, 4096)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n, err := readablePrefix(f)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hdr-and-records")), n)
}

func TestReadablePrefixOfAllZerosIsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n, err := readablePrefix(f)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSocketSinkAndSourceRoundTrip(t *testing.T) {
	sinkCh := make(chan *SocketSink, 1)
	errCh := make(chan error, 1)

	// ListenSocketSink blocks on Accept, so it must run in its own
	// goroutine while the dialer connects to the same fixed port.
	addr := "127.0.0.1:18429"
	go func() {
		s, err := ListenSocketSink(addr, 5*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		sinkCh <- s
	}()

	time.Sleep(50 * time.Millisecond)
	src, err := DialSocketSource(addr, 20*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	defer src.Close()

	var s *SocketSink
	select {
	case s = <-sinkCh:
	case err := <-errCh:
		t.Fatalf("listen failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink accept")
	}
	defer s.Close()

	require.NoError(t, s.WriteAll([]byte("hello")))
	buf := make([]byte, 5)
	_, err = io.ReadFull(src, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
