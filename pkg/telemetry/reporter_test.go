// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package telemetry_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/telemetry"
	"github.com/nitrokv/nitrokv-go/pkg/wsproto"
)

// dialViaWsproto performs a real client handshake with our own codec over a
// plain TCP connection, independent of any test server implementation.
func dialViaWsproto(ctx context.Context, endpoint *url.URL) (net.Conn, *bufio.Reader, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", endpoint.Host)
	if err != nil {
		return nil, nil, err
	}
	key, err := wsproto.NewClientKey()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	req, err := wsproto.BuildUpgradeRequest(endpoint, "", "", key)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	br := bufio.NewReader(conn)
	if err := wsproto.ValidateUpgradeResponse(br, req, key); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, br, nil
}

// TestReporter_AnswersGetTelemetryOverGorillaServer proves the reporter's
// frame dispatch and report encoding interoperate with a real, independent
// WebSocket server implementation.
func TestReporter_AnswersGetTelemetryOverGorillaServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00}))

		_, payload, err := conn.ReadMessage()
		if err == nil {
			received <- payload
		}
	}))
	defer srv.Close()

	endpoint, err := url.Parse("ws" + srv.URL[len("http"):] + "/ws")
	require.NoError(t, err)

	meter := telemetry.NewMeter()
	meter.Enable()
	meter.RecordTotal("node-1", "bucket", telemetry.ServiceKV)

	reporter := telemetry.NewReporter(nil, meter, dialViaWsproto, telemetry.Config{
		PingInterval:   time.Hour,
		PingTimeout:    time.Hour,
		BackoffMax:     time.Second,
		ConnectTimeout: 2 * time.Second,
	})
	reporter.OnTopologyUpdate([]*url.URL{endpoint})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go reporter.Run(ctx) //nolint:errcheck

	select {
	case payload := <-received:
		require.Equal(t, byte(0x00), payload[0])
		require.Contains(t, string(payload[1:]), `service="kv"`)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a GET_TELEMETRY response")
	}
}

func TestReporter_NoCandidatesDisablesMeter(t *testing.T) {
	meter := telemetry.NewMeter()
	meter.Enable()
	reporter := telemetry.NewReporter(nil, meter, dialViaWsproto, telemetry.Config{})
	reporter.OnTopologyUpdate(nil)
	require.False(t, meter.Enabled())
}

func TestReporter_ExplicitEndpointOverridesCandidates(t *testing.T) {
	meter := telemetry.NewMeter()
	reporter := telemetry.NewReporter(nil, meter, dialViaWsproto, telemetry.Config{})
	explicit, _ := url.Parse("ws://pinned:1234/ws")
	reporter.SetExplicitEndpoint(explicit)
	reporter.OnTopologyUpdate(nil)
	require.True(t, meter.Enabled())
}
