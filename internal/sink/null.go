package sink

import "fmt"

// NullSink discards every write; it backs config.SinkNull for dry
// runs and benchmarking the interceptor overhead without I/O cost.
type NullSink struct{}

func (NullSink) WriteAll(p []byte) error { return nil }

func (NullSink) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("sink: null sink does not support seek")
}

func (NullSink) Supported() Capabilities        { return Capabilities{} }
func (NullSink) CloneInChildProcess() Sink      { return NullSink{} }
func (NullSink) Close() error                   { return nil }
