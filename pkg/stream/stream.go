// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stream provides the unified plain-TCP/TLS transport every
// binary-protocol and telemetry session dials through (spec.md §2, C2:
// "Unified plain-TCP / TLS stream with async connect/read/write/close,
// executor-bound").
package stream

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/nitrokv/nitrokv-go/internal/executor"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// Stream is a connected byte pipe whose read/write completions are always
// delivered on the owning Executor, so callers never need their own
// synchronization around a Stream.
type Stream interface {
	// Read reads into buf, invoking done on the executor with the number of
	// bytes read (possibly zero) and any error.
	Read(buf []byte, done func(n int, err error))
	// Write writes all of buf, invoking done on the executor once the whole
	// buffer has been accepted by the kernel or an error occurs.
	Write(buf []byte, done func(err error))
	// Close tears down the underlying connection. Safe to call more than
	// once and concurrently with in-flight Read/Write.
	Close() error
	// LocalAddr and RemoteAddr report endpoint addresses for logging/diag.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Dialer opens Streams bound to an Executor.
type Dialer struct {
	exec      *executor.Executor
	tlsConfig *tls.Config
	timeout   time.Duration
}

// NewDialer returns a Dialer whose Streams deliver completions on exec.
// tlsConfig may be nil, in which case Dial always produces plaintext
// connections and DialTLS returns an error.
func NewDialer(exec *executor.Executor, tlsConfig *tls.Config, connectTimeout time.Duration) *Dialer {
	return &Dialer{exec: exec, tlsConfig: tlsConfig, timeout: connectTimeout}
}

// Dial opens a plaintext TCP connection to addr.
func (d *Dialer) Dial(ctx context.Context, addr string) (Stream, error) {
	return d.dial(ctx, addr, false)
}

// DialTLS opens a TLS connection to addr using the Dialer's tls.Config.
func (d *Dialer) DialTLS(ctx context.Context, addr string) (Stream, error) {
	if d.tlsConfig == nil {
		return nil, kverr.InvalidArgument.New("dialer has no tls config")
	}
	return d.dial(ctx, addr, true)
}

func (d *Dialer) dial(ctx context.Context, addr string, useTLS bool) (Stream, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var netDialer net.Dialer
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, kverr.ServiceNotAvailable.Wrap(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if useTLS {
		tlsConn := tls.Client(conn, d.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, kverr.ServiceNotAvailable.Wrap(err)
		}
		conn = tlsConn
	}
	return newConnStream(conn, d.exec), nil
}

type connStream struct {
	conn net.Conn
	exec *executor.Executor
}

func newConnStream(conn net.Conn, exec *executor.Executor) *connStream {
	return &connStream{conn: conn, exec: exec}
}

func (s *connStream) Read(buf []byte, done func(n int, err error)) {
	go func() {
		n, err := s.conn.Read(buf)
		s.exec.Post(func() { done(n, err) })
	}()
}

func (s *connStream) Write(buf []byte, done func(err error)) {
	go func() {
		_, err := writeAll(s.conn, buf)
		s.exec.Post(func() { done(err) })
	}()
}

func writeAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *connStream) Close() error               { return s.conn.Close() }
func (s *connStream) LocalAddr() net.Addr        { return s.conn.LocalAddr() }
func (s *connStream) RemoteAddr() net.Addr       { return s.conn.RemoteAddr() }
