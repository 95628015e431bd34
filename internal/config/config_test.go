package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sink: socket\ntarget: 127.0.0.1:9000\nnative_traces: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SinkSocket, cfg.SinkKind)
	assert.Equal(t, "127.0.0.1:9000", cfg.Target)
	assert.True(t, cfg.NativeTraces)
	assert.Equal(t, Default().SampleInterval, cfg.SampleInterval)
}

func TestValidateRejectsUnknownSink(t *testing.T) {
	cfg := Default()
	cfg.SinkKind = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresTargetUnlessNull(t *testing.T) {
	cfg := Default()
	cfg.Target = ""
	assert.Error(t, cfg.Validate())

	cfg.SinkKind = SinkNull
	assert.NoError(t, cfg.Validate())
}
