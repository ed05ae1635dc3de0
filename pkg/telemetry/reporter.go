// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package telemetry

import (
	"bufio"
	"context"
	"crypto/rand"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/wsproto"
)

// response status bytes for GET_TELEMETRY (spec.md §4.9, "Binary opcode").
const (
	telemetryStatusSuccess        byte = 0x00
	telemetryStatusUnknownCommand byte = 0x01
)

// opGetTelemetry is the one defined binary opcode on the telemetry channel.
const opGetTelemetry byte = 0x00

// Dialer resolves, connects, and performs the WebSocket handshake for one
// candidate endpoint, returning a ready connection.
type Dialer func(ctx context.Context, endpoint *url.URL) (net.Conn, *bufio.Reader, error)

// Config tunes reconnection and keepalive behavior (spec.md §4.9).
type Config struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	BackoffMax     time.Duration
	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
	Username       string
	Password       string
}

// Reporter maintains a connection to one telemetry endpoint at a time,
// cycling round-robin through candidates on failure, and answers
// GET_TELEMETRY frames with the meter's report (spec.md §4.9, C13).
type Reporter struct {
	log    *zap.Logger
	meter  *Meter
	dial   Dialer
	cfg    Config

	endpoints   []*url.URL
	explicit    *url.URL
	nextIndex   int
	dialAttempt uint64 // logging-only, see SPEC_FULL.md D-SUP-5
}

// NewReporter constructs a Reporter bound to meter.
func NewReporter(log *zap.Logger, meter *Meter, dial Dialer, cfg Config) *Reporter {
	return &Reporter{log: log, meter: meter, dial: dial, cfg: cfg}
}

// SetExplicitEndpoint pins the reporter to a single address, bypassing
// topology-derived candidates (spec.md §4.9 point 1, "app_telemetry_endpoint").
func (r *Reporter) SetExplicitEndpoint(endpoint *url.URL) {
	r.explicit = endpoint
}

// OnTopologyUpdate recomputes candidate endpoints and enables/disables the
// meter accordingly (spec.md §4.9 points 1-2).
func (r *Reporter) OnTopologyUpdate(candidates []*url.URL) {
	if r.explicit != nil {
		r.endpoints = []*url.URL{r.explicit}
		r.meter.Enable()
		return
	}
	r.endpoints = candidates
	if len(candidates) == 0 {
		r.meter.Disable()
		return
	}
	r.meter.Enable()
}

// Run drives the connect/serve/reconnect loop until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 100 * time.Millisecond
	boff.MaxInterval = r.cfg.BackoffMax
	boff.Multiplier = 2
	boff.RandomizationFactor = 0.5

	cycled := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		endpoint := r.nextEndpoint()
		if endpoint == nil {
			if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
				return err
			}
			continue
		}

		r.dialAttempt++
		err := r.serveOnce(ctx, endpoint)
		if err == nil {
			boff.Reset()
			cycled = 0
			continue
		}
		if r.log != nil {
			r.log.Warn("telemetry connection failed", zap.String("endpoint", endpoint.String()), zap.Uint64("dial_attempt", r.dialAttempt), zap.Error(err))
		}

		cycled++
		var wait time.Duration
		if cycled < len(r.endpoints) {
			wait = 0
		} else {
			wait = boff.NextBackOff()
			if wait == backoff.Stop {
				wait = boff.MaxInterval
			}
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *Reporter) nextEndpoint() *url.URL {
	if len(r.endpoints) == 0 {
		return nil
	}
	e := r.endpoints[r.nextIndex%len(r.endpoints)]
	r.nextIndex++
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// serveOnce dials endpoint, performs the handshake, and serves
// GET_TELEMETRY requests until the connection fails or ctx is canceled.
func (r *Reporter) serveOnce(ctx context.Context, endpoint *url.URL) error {
	dialCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, br, err := r.dial(dialCtx, endpoint)
	if err != nil {
		return kverr.ProtocolError.Wrap(err)
	}
	defer conn.Close()

	pingTimer := time.NewTimer(r.cfg.PingInterval)
	defer pingTimer.Stop()
	pongDeadline := time.NewTimer(0)
	pongDeadline.Stop()
	defer pongDeadline.Stop()

	awaitingPong := false
	errCh := make(chan error, 1)
	frameCh := make(chan wsproto.Frame, 1)
	go readFrames(conn, br, frameCh, errCh)

	var assembler wsproto.Assembler

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTimer.C:
			if _, werr := conn.Write(wsproto.EncodeClient(wsproto.Frame{Fin: true, Opcode: wsproto.OpPing}, randomMaskKey())); werr != nil {
				return kverr.ProtocolError.Wrap(werr)
			}
			awaitingPong = true
			pongDeadline.Reset(r.cfg.PingTimeout)
			pingTimer.Reset(r.cfg.PingInterval)
		case <-pongDeadline.C:
			if awaitingPong {
				return kverr.UnambiguousTimeout.New("no pong within ping_timeout")
			}
		case f := <-frameCh:
			if err := r.dispatchFrame(conn, &assembler, f, &awaitingPong, pongDeadline); err != nil {
				return err
			}
		}
	}
}

func readFrames(conn net.Conn, br *bufio.Reader, out chan<- wsproto.Frame, errOut chan<- error) {
	for {
		f, err := wsproto.ReadFrame(br)
		if err != nil {
			errOut <- kverr.EndOfStream.Wrap(err)
			return
		}
		out <- f
	}
}

func (r *Reporter) dispatchFrame(conn net.Conn, assembler *wsproto.Assembler, f wsproto.Frame, awaitingPong *bool, pongDeadline *time.Timer) error {
	switch f.Opcode {
	case wsproto.OpPing:
		_, err := conn.Write(wsproto.EncodeClient(wsproto.Frame{Fin: true, Opcode: wsproto.OpPong, Payload: f.Payload}, randomMaskKey()))
		return err
	case wsproto.OpPong:
		*awaitingPong = false
		pongDeadline.Stop()
		return nil
	case wsproto.OpClose:
		return kverr.EndOfStream.New("server closed the telemetry connection")
	case wsproto.OpText:
		return kverr.ProtocolError.New("text frames are not supported on the telemetry channel")
	default:
		msg, ok, err := assembler.Feed(f)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return r.handleBinaryMessage(conn, msg.Payload)
	}
}

func (r *Reporter) handleBinaryMessage(conn net.Conn, payload []byte) error {
	if len(payload) == 0 || payload[0] != opGetTelemetry {
		resp := wsproto.EncodeClient(wsproto.Frame{Fin: true, Opcode: wsproto.OpBinary, Payload: []byte{telemetryStatusUnknownCommand}}, randomMaskKey())
		_, err := conn.Write(resp)
		return err
	}

	report := r.meter.Report()
	body := make([]byte, 0, len(report)+1)
	body = append(body, telemetryStatusSuccess)
	body = append(body, report...)

	_, err := conn.Write(wsproto.EncodeClient(wsproto.Frame{Fin: true, Opcode: wsproto.OpBinary, Payload: body}, randomMaskKey()))
	return err
}

func randomMaskKey() [4]byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	return key
}
