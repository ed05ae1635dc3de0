// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpsession owns a single pipelined HTTP/1.1 connection in either
// buffered or streaming mode (spec.md §4.7, C8).
package httpsession

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nitrokv/nitrokv-go/internal/executor"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// Service identifies which secondary service a session talks to.
type Service int

const (
	ServiceQuery Service = iota
	ServiceSearch
	ServiceAnalytics
	ServiceViews
	ServiceManagement
)

// RowCallback is invoked once per JSON value found at the configured
// streaming depth (spec.md §4.7: "a per-row callback as a JSON-pointer
// streaming lexer yields objects at a configured depth").
type RowCallback func(row gjson.Result)

// Session owns one HTTP/1.1 connection. Each Do or DoStreaming call writes
// its request and reads its response on a goroutine of its own, directly on
// the connection, and posts the completion onto exec; there is no write
// queue, and concurrent calls on one Session are not serialized.
type Session struct {
	exec    *executor.Executor
	service Service
	addr    string
	conn    net.Conn
	reader  *bufio.Reader

	mu           sync.Mutex
	idleCancel   func()
	pendingClose bool
}

// New wraps an already-connected conn as a Session bound to exec.
func New(exec *executor.Executor, service Service, addr string, conn net.Conn) *Session {
	return &Session{
		exec:    exec,
		service: service,
		addr:    addr,
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}
}

// Addr reports the remote address this session is connected to.
func (s *Session) Addr() string { return s.addr }

// Service reports which secondary service this session belongs to.
func (s *Session) Service() Service { return s.service }

// Do writes req and, once the full response is available, invokes done on
// the executor with the parsed body (buffered mode).
func (s *Session) Do(req *http.Request, done func(body []byte, statusCode int, err error)) {
	go func() {
		if err := req.Write(s.conn); err != nil {
			s.exec.Post(func() { done(nil, 0, kverr.ServiceNotAvailable.Wrap(err)) })
			s.markForClosure()
			return
		}
		resp, err := http.ReadResponse(s.reader, req)
		if err != nil {
			s.exec.Post(func() { done(nil, 0, kverr.ServiceNotAvailable.Wrap(err)) })
			s.markForClosure()
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			s.exec.Post(func() { done(nil, resp.StatusCode, kverr.DecodingFailure.Wrap(err)) })
			s.markForClosure()
			return
		}
		s.exec.Post(func() { done(body, resp.StatusCode, nil) })
	}()
}

// DoStreaming writes req and invokes onRow for each JSON value found at
// depth in the response body, then final with the whole response body as
// meta (rows included) once the body is fully consumed.
func (s *Session) DoStreaming(req *http.Request, depth int, onRow RowCallback, final func(meta []byte, statusCode int, err error)) {
	go func() {
		if err := req.Write(s.conn); err != nil {
			s.exec.Post(func() { final(nil, 0, kverr.ServiceNotAvailable.Wrap(err)) })
			s.markForClosure()
			return
		}
		resp, err := http.ReadResponse(s.reader, req)
		if err != nil {
			s.exec.Post(func() { final(nil, 0, kverr.ServiceNotAvailable.Wrap(err)) })
			s.markForClosure()
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			s.exec.Post(func() { final(nil, resp.StatusCode, kverr.DecodingFailure.Wrap(err)) })
			s.markForClosure()
			return
		}

		rows, trailing := splitStreamingRows(body, depth)
		s.exec.Post(func() {
			for _, r := range rows {
				onRow(r)
			}
			final(trailing, resp.StatusCode, nil)
		})
	}()
}

// splitStreamingRows walks a JSON array/object body and returns every
// element found at the given nesting depth as parsed gjson results; meta is
// the body unchanged, rows included.
func splitStreamingRows(body []byte, depth int) (rows []gjson.Result, meta []byte) {
	root := gjson.ParseBytes(body)
	var walk func(v gjson.Result, level int)
	walk = func(v gjson.Result, level int) {
		if level == depth {
			rows = append(rows, v)
			return
		}
		if v.IsArray() || v.IsObject() {
			v.ForEach(func(_, value gjson.Result) bool {
				walk(value, level+1)
				return true
			})
		}
	}
	walk(root, 0)
	return rows, body
}

// SetIdle arms the idle timer (spec.md §4.7, "set_idle(timeout)"); firing it
// invokes onIdle exactly once.
func (s *Session) SetIdle(timeout time.Duration, onIdle func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleCancel != nil {
		s.idleCancel()
	}
	s.idleCancel = s.exec.AfterFunc(timeout, onIdle)
}

// ResetIdle cancels any armed idle timer without arming a new one
// (spec.md §4.7, "reset_idle()").
func (s *Session) ResetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleCancel != nil {
		s.idleCancel()
		s.idleCancel = nil
	}
}

func (s *Session) markForClosure() {
	s.mu.Lock()
	s.pendingClose = true
	s.mu.Unlock()
}

// PendingClose reports whether a read/write error has marked this session
// for closure (spec.md §4.7: "On read/write error: ... mark stream for
// closure").
func (s *Session) PendingClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingClose
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
