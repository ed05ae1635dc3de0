// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kvsession implements the binary protocol session (spec.md §4.2,
// C3): ownership of one TCP/TLS connection to one node, multiplexed command
// dispatch by opaque id, and the bootstrap state machine.
package kvsession

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nitrokv/nitrokv-go/internal/executor"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/stream"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
)

// State is a bootstrap state machine stage (spec.md §4.2).
type State int

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateHello
	StateSASLList
	StateSASLAuth
	StateSelectBucket
	StateGetClusterConfig
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHello:
		return "hello"
	case StateSASLList:
		return "sasl_list"
	case StateSASLAuth:
		return "sasl_auth"
	case StateSelectBucket:
		return "select_bucket"
	case StateGetClusterConfig:
		return "get_cluster_config"
	case StateReady:
		return "ready"
	default:
		return "stopped"
	}
}

// Credentials carries the client's SASL identity and mechanism filter.
type Credentials struct {
	Username             string
	Password             string
	AllowedSASLMechanisms []string // empty means no filter
}

// pendingRequest tracks one in-flight opaque-correlated request.
type pendingRequest struct {
	handler func(resp *mcbp.Packet, err error, reason retry.Reason)
}

// Session owns exactly one connection to one node.
type Session struct {
	log    *zap.Logger
	exec   *executor.Executor
	dialer *stream.Dialer

	hostname       string
	managementPort int
	kvAddr         string
	bucket         string // empty for cluster-scoped sessions
	creds          Credentials
	useTLS         bool

	mu       sync.Mutex
	state    State
	features mcbp.FeatureSet
	pending  map[uint32]*pendingRequest

	nextOpaque uint32

	stream Stream

	onConfig func(*topology.Config)
	onStop   func(reason string)
}

// Stream is the subset of pkg/stream.Stream a Session depends on.
type Stream interface {
	Read(buf []byte, done func(n int, err error))
	Write(buf []byte, done func(err error))
	Close() error
}

// New returns a Session bound to exec, not yet connected.
func New(log *zap.Logger, exec *executor.Executor, dialer *stream.Dialer, hostname string, managementPort int, kvAddr string, bucket string, creds Credentials, useTLS bool) *Session {
	return &Session{
		log:            log,
		exec:           exec,
		dialer:         dialer,
		hostname:       hostname,
		managementPort: managementPort,
		kvAddr:         kvAddr,
		bucket:         bucket,
		creds:          creds,
		useTLS:         useTLS,
		pending:        make(map[uint32]*pendingRequest),
		features:       mcbp.NewFeatureSet(nil),
	}
}

// HostPort reports the node identity used for topology diffing.
func (s *Session) HostPort() (string, int) { return s.hostname, s.managementPort }

// OnConfigurationUpdate registers the config-listener callback
// (spec.md §4.2, "on_configuration_update").
func (s *Session) OnConfigurationUpdate(fn func(*topology.Config)) { s.onConfig = fn }

// OnStop registers the stop-listener callback (spec.md §4.2, "on_stop").
func (s *Session) OnStop(fn func(reason string)) { s.onStop = fn }

// Bootstrap drives the state machine to READY and calls handler with the
// outcome and initial topology (spec.md §4.2, "bootstrap").
func (s *Session) Bootstrap(ctx context.Context, handler func(err error, cfg *topology.Config)) {
	s.setState(StateConnecting)

	var conn Stream
	var err error
	if s.useTLS {
		conn, err = s.dialer.DialTLS(ctx, s.kvAddr)
	} else {
		conn, err = s.dialer.Dial(ctx, s.kvAddr)
	}
	if err != nil {
		s.setState(StateDisconnected)
		handler(err, nil)
		return
	}
	s.stream = conn
	s.startReadLoop()

	s.setState(StateHello)
	s.sendHello(func(err error) {
		if err != nil {
			handler(err, nil)
			return
		}
		s.sendSASL(func(err error) {
			if err != nil {
				handler(err, nil)
				return
			}
			s.maybeSelectBucket(func(err error) {
				if err != nil {
					handler(err, nil)
					return
				}
				s.setState(StateGetClusterConfig)
				s.fetchClusterConfig(func(cfg *topology.Config, err error) {
					if err != nil {
						handler(err, nil)
						return
					}
					s.setState(StateReady)
					handler(nil, cfg)
				})
			})
		})
	})
}

// sendHello negotiates the fixed ordered feature list (spec.md §4.2,
// "HELLO negotiates a fixed ordered feature list"). The request body is the
// ordered list of requested feature codes as big-endian uint16s; the
// response body is the subset the server accepted, in the same encoding.
func (s *Session) sendHello(done func(error)) {
	value := make([]byte, 0, len(mcbp.DefaultHelloFeatures)*2)
	for _, f := range mcbp.DefaultHelloFeatures {
		value = append(value, byte(f>>8), byte(f))
	}
	req := &mcbp.Packet{Magic: mcbp.MagicClientRequest, Opcode: mcbp.OpHello, Value: value}
	s.WriteAndSubscribe(req, func(resp *mcbp.Packet, err error, reason retry.Reason) {
		if err != nil {
			done(err)
			return
		}
		if resp.Status != mcbp.StatusSuccess {
			done(kverr.ProtocolError.New("hello rejected with status %s", resp.Status))
			return
		}
		accepted := make([]mcbp.Feature, 0, len(resp.Value)/2)
		for i := 0; i+1 < len(resp.Value); i += 2 {
			accepted = append(accepted, mcbp.Feature(uint16(resp.Value[i])<<8|uint16(resp.Value[i+1])))
		}
		s.mu.Lock()
		s.features = mcbp.NewFeatureSet(accepted)
		s.mu.Unlock()
		s.setState(StateSASLList)
		done(nil)
	})
}

// sendSASL selects a mechanism per spec.md §4.2 ("PLAIN on TLS, SCRAM-SHA
// variants on plaintext"), honoring the credentials' allow-list if present,
// and completes the exchange in one round trip.
func (s *Session) sendSASL(done func(error)) {
	mechanism := "SCRAM-SHA512"
	if s.useTLS {
		mechanism = "PLAIN"
	}
	if len(s.creds.AllowedSASLMechanisms) > 0 && !contains(s.creds.AllowedSASLMechanisms, mechanism) {
		mechanism = s.creds.AllowedSASLMechanisms[0]
	}

	s.setState(StateSASLAuth)
	var body []byte
	if mechanism == "PLAIN" {
		body = append(body, 0)
		body = append(body, s.creds.Username...)
		body = append(body, 0)
		body = append(body, s.creds.Password...)
	}
	req := &mcbp.Packet{Magic: mcbp.MagicClientRequest, Opcode: mcbp.OpSASLAuth, Key: []byte(mechanism), Value: body}
	s.WriteAndSubscribe(req, func(resp *mcbp.Packet, err error, reason retry.Reason) {
		if err != nil {
			done(err)
			return
		}
		if resp.Status != mcbp.StatusSuccess && resp.Status != mcbp.StatusAuthContinue {
			done(kverr.ProtocolError.New("sasl auth rejected with status %s", resp.Status))
			return
		}
		done(nil)
	})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Session) maybeSelectBucket(done func(error)) {
	if s.bucket == "" {
		done(nil)
		return
	}
	s.setState(StateSelectBucket)
	req := &mcbp.Packet{Magic: mcbp.MagicClientRequest, Opcode: mcbp.OpSelectBucket, Key: []byte(s.bucket)}
	s.WriteAndSubscribe(req, func(resp *mcbp.Packet, err error, reason retry.Reason) {
		if err != nil {
			done(err)
			return
		}
		if resp.Status != mcbp.StatusSuccess {
			done(kverr.ProtocolError.New("select_bucket rejected with status %s", resp.Status))
			return
		}
		done(nil)
	})
}

func (s *Session) fetchClusterConfig(done func(*topology.Config, error)) {
	req := &mcbp.Packet{Magic: mcbp.MagicClientRequest, Opcode: mcbp.OpGetClusterConfig}
	s.WriteAndSubscribe(req, func(resp *mcbp.Packet, err error, reason retry.Reason) {
		if err != nil {
			done(nil, err)
			return
		}
		cfg, err := topology.Parse(resp.Value)
		if err != nil {
			done(nil, err)
			return
		}
		if s.onConfig != nil {
			s.onConfig(cfg)
		}
		done(cfg, nil)
	})
}

// WriteAndSubscribe enqueues a packet and registers the opaque correlation
// handler (spec.md §4.2, "write_and_subscribe"). The handler is invoked at
// most once.
func (s *Session) WriteAndSubscribe(p *mcbp.Packet, handler func(resp *mcbp.Packet, err error, reason retry.Reason)) {
	opaque := atomic.AddUint32(&s.nextOpaque, 1)
	p.Opaque = opaque

	s.mu.Lock()
	s.pending[opaque] = &pendingRequest{handler: handler}
	features := s.features
	s.mu.Unlock()

	buf, err := mcbp.Encode(p, features)
	if err != nil {
		s.completePending(opaque, nil, err, retry.DoNotRetry)
		return
	}

	if s.stream == nil {
		s.completePending(opaque, nil, kverr.ServiceNotAvailable.New("session has no connection"), retry.DoNotRetry)
		return
	}
	s.stream.Write(buf, func(err error) {
		if err != nil {
			s.completePending(opaque, nil, err, retry.DoNotRetry)
		}
	})
}

func (s *Session) completePending(opaque uint32, resp *mcbp.Packet, err error, reason retry.Reason) {
	s.mu.Lock()
	req, ok := s.pending[opaque]
	if ok {
		delete(s.pending, opaque)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	req.handler(resp, err, reason)
}

// startReadLoop pulls bytes off the stream into a growing buffer and
// decodes as many complete packets as are available on each read, routing
// each response to its opaque-correlated handler.
func (s *Session) startReadLoop() {
	buf := make([]byte, 0, 16*1024)
	chunk := make([]byte, 16*1024)

	var readMore func()
	readMore = func() {
		s.stream.Read(chunk, func(n int, err error) {
			if err != nil {
				s.handleSocketError(err)
				return
			}
			buf = append(buf, chunk[:n]...)
			for {
				s.mu.Lock()
				features := s.features
				s.mu.Unlock()

				resp, consumed, decodeErr := mcbp.Decode(buf, features)
				if decodeErr != nil {
					if kverr.Is(kverr.NeedMoreData, decodeErr) {
						break
					}
					s.handleSocketError(decodeErr)
					return
				}
				buf = buf[consumed:]
				s.dispatchResponse(resp)
			}
			readMore()
		})
	}
	readMore()
}

func (s *Session) dispatchResponse(resp *mcbp.Packet) {
	s.completePending(resp.Opaque, resp, nil, retry.DoNotRetry)
}

func (s *Session) handleSocketError(err error) {
	ready := s.State() == StateReady
	s.setState(StateStopped)
	s.failAllPending(kverr.RequestCanceled.Wrap(err))
	if ready && s.onStop != nil {
		s.onStop("socket_closed_while_in_flight")
	}
}

func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]*pendingRequest)
	s.mu.Unlock()
	for _, req := range pending {
		req.handler(nil, err, retry.DoNotRetry)
	}
}

// Stop closes the stream and fails every pending request with
// request_canceled (spec.md §4.2, "stop").
func (s *Session) Stop(reason string) {
	s.setState(StateStopped)
	if s.stream != nil {
		_ = s.stream.Close()
	}
	s.failAllPending(kverr.RequestCanceled.New("session stopped: %s", reason))
	if s.onStop != nil {
		s.onStop(reason)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.log != nil {
		s.log.Debug("session state transition", zap.String("state", st.String()), zap.String("host", s.hostname))
	}
}

// State reports the current bootstrap/lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
