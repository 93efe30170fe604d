package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"nhooyr.io/websocket"
)

// clientTLSConfig builds the TLS configuration for a dial. Verification is
// against the configured root CA when one is given, the system roots
// otherwise. Skipping verification is tolerable for development because the
// inner cipher layer still protects the payload.
func clientTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.SNI,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = opts.Host
	}

	if opts.CAFile != "" {
		pool, err := LoadCAPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// LoadCAPool loads a CA certificate pool from a PEM file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("parse CA certificate")
	}

	return pool, nil
}

// dialTLS connects over TLS, upgrading to a WebSocket when a request path is
// configured.
func dialTLS(ctx context.Context, opts Options) (io.ReadWriteCloser, error) {
	tlsConfig, err := clientTLSConfig(opts)
	if err != nil {
		return nil, err
	}

	if opts.Path != "" {
		return dialWebSocket(ctx, opts, tlsConfig)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr())
	if err != nil {
		return nil, fmt.Errorf("TLS dial failed: %w", err)
	}
	return conn, nil
}

// dialWebSocket performs the HTTPS WebSocket upgrade and exposes the
// connection as an ordinary byte stream of binary messages.
func dialWebSocket(ctx context.Context, opts Options, tlsConfig *tls.Config) (io.ReadWriteCloser, error) {
	host := opts.SNI
	if host == "" {
		host = opts.Host
	}
	wsURL := fmt.Sprintf("wss://%s%s", host, opts.Path)

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				// The URL carries the camouflage host; the socket always
				// goes to the configured relay.
				var d net.Dialer
				return d.DialContext(ctx, network, opts.Addr())
			},
		},
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}
