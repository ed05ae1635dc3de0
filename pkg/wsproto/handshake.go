// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wsproto

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // required by RFC 6455, not used for security
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// guid is the fixed RFC 6455 accept-key salt.
const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// NewClientKey returns a fresh base64-encoded 16-byte Sec-WebSocket-Key
// (spec.md §4.9: "Key is 16 random bytes base64-encoded").
func NewClientKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", kverr.ProtocolError.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// AcceptFor computes the expected Sec-WebSocket-Accept value for key
// (spec.md §4.9: "base64(SHA-1(key + GUID))").
func AcceptFor(key string) string {
	sum := sha1.Sum([]byte(key + guid)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

// BuildUpgradeRequest constructs the client handshake request for target,
// which must have scheme "ws" and a host and path (spec.md §4.9 point 1).
func BuildUpgradeRequest(target *url.URL, username, password, key string) (*http.Request, error) {
	if target.Scheme != "ws" {
		return nil, kverr.InvalidArgument.New("app_telemetry_endpoint must use the ws:// scheme, got %q", target.Scheme)
	}
	req, err := http.NewRequest(http.MethodGet, "http://"+target.Host+target.Path, nil)
	if err != nil {
		return nil, kverr.ProtocolError.Wrap(err)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	return req, nil
}

// ValidateUpgradeResponse reads the server's handshake response from r and
// confirms its Sec-WebSocket-Accept matches key (spec.md §4.9 point 3).
func ValidateUpgradeResponse(r *bufio.Reader, req *http.Request, key string) error {
	resp, err := http.ReadResponse(r, req)
	if err != nil {
		return kverr.ProtocolError.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return kverr.ProtocolError.New("handshake failed with status %s", resp.Status)
	}
	accept := resp.Header.Get("Sec-WebSocket-Accept")
	want := AcceptFor(key)
	if accept != want {
		return kverr.ProtocolError.New("Sec-WebSocket-Accept mismatch: got %q want %q", accept, want)
	}
	return nil
}

// WriteUpgradeResponse writes a minimal 101 Switching Protocols response for
// key, the server side of the handshake.
func WriteUpgradeResponse(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", AcceptFor(key))
	return err
}
