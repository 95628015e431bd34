package sink

import (
	"fmt"
	"net"
	"time"
)

// SocketSink accepts exactly one client connection on a TCP listener
// and streams writes to it. It does not support seeking or
// fork-cloning, per spec.md §4.7.
type SocketSink struct {
	ln   net.Listener
	conn net.Conn
}

// ListenSocketSink starts listening on addr (host:port, or ":0" for
// an ephemeral port) and blocks until one client connects, the
// "opens a listener, accepts one client" behavior spec.md describes.
// The accept itself carries no interpreter lock in this port, but the
// deadline keeps the accept from blocking forever the way the
// original's periodic signal check does.
func ListenSocketSink(addr string, acceptTimeout time.Duration) (*SocketSink, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sink: listening on %s: %w", addr, err)
	}
	if tl, ok := ln.(*net.TCPListener); ok && acceptTimeout > 0 {
		tl.SetDeadline(time.Now().Add(acceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("sink: accepting client on %s: %w", addr, err)
	}
	return &SocketSink{ln: ln, conn: conn}, nil
}

// WriteAll implements Sink.
func (s *SocketSink) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return fmt.Errorf("sink: writing to socket: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Seek implements Sink; sockets cannot seek, so the header can never
// be rewritten in place over this transport.
func (s *SocketSink) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("sink: socket sink does not support seek")
}

// Supported implements Sink.
func (s *SocketSink) Supported() Capabilities {
	return Capabilities{Seekable: false, Clonable: false}
}

// CloneInChildProcess implements Sink. A socket has exactly one
// client; a forked child cannot share it, so follow-fork is disabled
// for socket sinks by returning nil here, as spec.md §4.7 specifies.
func (s *SocketSink) CloneInChildProcess() Sink {
	return nil
}

// Close implements Sink.
func (s *SocketSink) Close() error {
	err1 := s.conn.Close()
	err2 := s.ln.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// SocketSource connects to a listening tracker with retry, the
// "connect with retry and signal-check loop" spec.md describes; an
// overall dial deadline here stands in for the original's signal
// check.
type SocketSource struct {
	conn net.Conn
}

// DialSocketSource retries dialing addr every retryInterval until it
// succeeds or deadline elapses.
func DialSocketSource(addr string, retryInterval, deadline time.Duration) (*SocketSource, error) {
	giveUp := time.Now().Add(deadline)
	var lastErr error
	for time.Now().Before(giveUp) {
		conn, err := net.DialTimeout("tcp", addr, retryInterval)
		if err == nil {
			return &SocketSource{conn: conn}, nil
		}
		lastErr = err
		time.Sleep(retryInterval)
	}
	return nil, fmt.Errorf("sink: could not connect to %s: %w", addr, lastErr)
}

func (s *SocketSource) Read(p []byte) (int, error) { return s.conn.Read(p) }
func (s *SocketSource) Close() error                { return s.conn.Close() }
