package tunnel

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/veksel-project/veksel/internal/logging"
	"github.com/veksel-project/veksel/internal/transport"
)

// relayLink carries a session over a framed transport (TLS, WebSocket over
// TLS, or QUIC) instead of the raw outgoing socket. The link owns the
// connection and drives the tunnel through three callbacks delivered as
// events: established, data received, shutting down.
type relayLink struct {
	t    *Tunnel
	conn io.ReadWriteCloser

	// sendCh serialises outbound frames; writes on the transport happen on
	// one goroutine so frame order is preserved.
	sendCh chan []byte

	closed atomic.Bool
	downed atomic.Bool
}

func newRelayLink(t *Tunnel) *relayLink {
	return &relayLink{
		t:      t,
		sendCh: make(chan []byte, 64),
	}
}

// launch dials the relay in the background. On success it starts the reader
// and writer and reports the connection; any failure reports shutdown.
func (l *relayLink) launch() {
	cfg := l.t.env.Config

	opts := transport.DefaultOptions()
	opts.Host = cfg.Relay.Host
	opts.Port = cfg.Relay.Port
	opts.SNI = cfg.Relay.TLS.SNI
	opts.Path = cfg.Relay.TLS.Path
	opts.CAFile = cfg.Relay.TLS.CA
	opts.InsecureSkipVerify = cfg.Relay.TLS.InsecureSkipVerify

	go func() {
		conn, err := transport.Dial(context.Background(), transport.Kind(cfg.Relay.Transport), opts)
		if err != nil {
			l.t.env.Metrics.RelayDialErrors.Inc()
			l.t.log.Error("relay transport failed", logging.KeyError, err)
			l.goDown()
			return
		}
		if l.closed.Load() {
			// The session died while the dial was in flight.
			conn.Close()
			return
		}
		l.conn = conn

		go l.writeLoop()
		go l.readLoop()

		l.t.post(event{kind: evLinkUp})
	}()
}

// send queues a frame for the relay. Called from the tunnel loop; if the
// relay stops draining and the queue fills, the session is torn down rather
// than blocking the loop.
func (l *relayLink) send(p []byte) {
	select {
	case l.sendCh <- p:
	default:
		l.t.log.Warn("relay send queue overflow")
		l.goDown()
	}
}

func (l *relayLink) writeLoop() {
	for p := range l.sendCh {
		if _, err := l.conn.Write(p); err != nil {
			if !l.closed.Load() {
				l.t.log.Error("relay write failed", logging.KeyError, err)
			}
			l.goDown()
			return
		}
	}
}

func (l *relayLink) readLoop() {
	buf := make([]byte, BufferSize)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			l.t.post(event{kind: evLinkData, data: data})
		}
		if err != nil {
			if !l.closed.Load() && !isClosedErr(err) {
				l.t.log.Error("relay read failed", logging.KeyError, err)
			}
			l.goDown()
			return
		}
	}
}

// goDown reports the transport's shutdown to the tunnel exactly once.
func (l *relayLink) goDown() {
	if l.downed.CompareAndSwap(false, true) {
		l.t.post(event{kind: evLinkDown})
	}
}

// close releases the transport. Safe to call more than once.
func (l *relayLink) close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.sendCh)
	if l.conn != nil {
		l.conn.Close()
	}
}

// onLinkEstablished fires when the framed transport reaches the relay: the
// session opens by sending the encrypted destination record.
func (t *Tunnel) onLinkEstablished() {
	assertState(t.stage == stageLinkConnecting, "transport established outside connect stage")
	assertState(t.incoming.rdstate == stateStop, "transport established with busy client read side")
	assertState(t.incoming.wrstate == stateStop, "transport established with busy client write side")

	enc, err := t.cphr.Encrypt(clone(t.initPkg))
	if err != nil {
		t.fatal("cipher error", err)
		return
	}

	t.stage = stageLinkFirstData
	t.link.send(enc)
}

// onLinkData fires for every frame the transport receives from the relay.
// The first frame completes the relay handshake; during streaming, frames are
// decrypted and written to the client, queueing behind an in-flight write.
func (t *Tunnel) onLinkData(data []byte) {
	switch t.stage {
	case stageLinkFirstData:
		plain, sendback, err := t.cphr.Decrypt(data)
		if err != nil {
			t.fatal("cipher error", err)
			return
		}
		assertState(sendback == nil, "obfuscation feedback on the framed path")
		if len(plain) > 0 {
			t.linkPending = append(t.linkPending, plain...)
		}
		t.doReplySuccess()

	case stageReplySent, stageLinkStreaming:
		plain, sendback, err := t.cphr.Decrypt(data)
		if err != nil {
			t.fatal("cipher error", err)
			return
		}
		assertState(sendback == nil, "obfuscation feedback on the framed path")
		if len(plain) == 0 {
			return
		}

		t.bytesDown += uint64(len(plain))
		t.env.Metrics.BytesDownstream.Add(float64(len(plain)))

		if t.stage == stageLinkStreaming && t.incoming.wrstate == stateStop {
			t.incoming.armWrite(plain)
			return
		}
		t.linkPending = append(t.linkPending, plain...)

	default:
		panic("tunnel: relay data in stage " + t.stage.String())
	}
}
