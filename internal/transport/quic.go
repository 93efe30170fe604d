package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

// quicStreamConn binds a QUIC stream to its connection so closing the stream
// also releases the connection it rides on. Each relay session dials its own
// connection: the relay treats one connection as one session.
type quicStreamConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicStreamConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	err := c.stream.Close()
	if cerr := c.conn.CloseWithError(0, "session closed"); err == nil {
		err = cerr
	}
	return err
}

// dialQUIC connects to the relay over QUIC and opens the session stream.
func dialQUIC(ctx context.Context, opts Options) (io.ReadWriteCloser, error) {
	tlsConfig, err := clientTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	tlsConfig.NextProtos = []string{"h3"}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  quicMaxIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	}

	conn, err := quic.DialAddr(ctx, opts.Addr(), tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}

	return &quicStreamConn{conn: conn, stream: stream}, nil
}
