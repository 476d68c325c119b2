package signnet

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Endpoint is one signing-network node address. Nodes are reachable either
// over plain HTTP(S) or, for enclave-hosted deployments, over HTTP carried on
// an AF_VSOCK stream ("vsock://<cid>:<port>").
type Endpoint struct {
	Raw string

	// BaseURL is the URL handed to the HTTP client. For vsock endpoints this
	// is a synthetic host; the dialer ignores it and connects by CID.
	BaseURL string

	// Vsock is set for vsock:// endpoints.
	Vsock     bool
	VsockCID  uint32
	VsockPort uint32
}

// ParseEndpoint parses a node endpoint string.
func ParseEndpoint(raw string) (Endpoint, error) {
	if strings.HasPrefix(raw, "vsock://") {
		hostport := strings.TrimPrefix(raw, "vsock://")
		host, port, err := net.SplitHostPort(hostport)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid vsock endpoint %q: %w", raw, err)
		}
		cid, err := strconv.ParseUint(host, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid vsock CID in %q: %w", raw, err)
		}
		p, err := strconv.ParseUint(port, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid vsock port in %q: %w", raw, err)
		}
		return Endpoint{
			Raw:       raw,
			BaseURL:   fmt.Sprintf("http://vsock-%d-%d", cid, p),
			Vsock:     true,
			VsockCID:  uint32(cid),
			VsockPort: uint32(p),
		}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid node endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("node endpoint %q: scheme must be http, https or vsock", raw)
	}
	return Endpoint{Raw: raw, BaseURL: strings.TrimSuffix(raw, "/")}, nil
}

// DialFunc returns the dial function for this endpoint, or nil when the
// default TCP dialer applies.
func (e Endpoint) DialFunc(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if !e.Vsock {
		return nil
	}
	cid, port := e.VsockCID, e.VsockPort
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialVsock(ctx, cid, port, timeout)
	}
}
