// Package transport provides the framed relay transports: the obfuscated
// session stream wrapped in TLS (optionally upgraded to WebSocket so the
// relay can hide behind an HTTPS endpoint) or carried on a QUIC stream.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Kind identifies a framed transport.
type Kind string

const (
	KindTLS  Kind = "tls"
	KindQUIC Kind = "quic"
)

// Options configures a dial to the relay.
type Options struct {
	Host string
	Port uint16

	// SNI overrides the server name in the TLS handshake; defaults to Host.
	SNI string

	// Path upgrades a TLS connection to a WebSocket at this request path.
	// Ignored by QUIC.
	Path string

	// CAFile is a PEM file with the root certificate to verify the relay
	// against; empty means the system roots.
	CAFile string

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds connection establishment.
	Timeout time.Duration
}

// Addr returns the relay address in host:port form.
func (o Options) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// DefaultOptions returns Options with sensible defaults applied.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
	}
}

// Dial connects to the relay over the given transport and returns the byte
// stream sessions run on.
func Dial(ctx context.Context, kind Kind, opts Options) (io.ReadWriteCloser, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	switch kind {
	case KindTLS:
		return dialTLS(ctx, opts)
	case KindQUIC:
		return dialQUIC(ctx, opts)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}
