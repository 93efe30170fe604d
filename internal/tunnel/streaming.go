package tunnel

import (
	"github.com/veksel-project/veksel/internal/logging"
)

// peerOf returns the socket on the other side of the pipe.
func (t *Tunnel) peerOf(s *Socket) *Socket {
	if s == t.incoming {
		return t.outgoing
	}
	return t.incoming
}

// transform applies the session cipher to one read's payload as a contiguous
// unit: client bytes are encrypted for the relay, relay bytes are decrypted
// for the client. The obfuscation layer may legitimately swallow a payload
// whole (a response header, a partial record), in which case the result is
// empty.
func (t *Tunnel) transform(s *Socket) ([]byte, error) {
	payload := s.buf[:s.result]

	if s == t.incoming {
		t.bytesUp += uint64(s.result)
		t.env.Metrics.BytesUpstream.Add(float64(s.result))
		return t.cphr.Encrypt(payload)
	}

	t.bytesDown += uint64(s.result)
	t.env.Metrics.BytesDownstream.Add(float64(s.result))
	plain, sendback, err := t.cphr.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	assertState(sendback == nil, "obfuscation handshake frame during streaming")
	return plain, nil
}

// doStreaming is the steady-state pipe. A read completion on one socket turns
// into a write on the other; a write completion re-arms the read on the
// socket the data came from. Each direction advances independently.
func (t *Tunnel) doStreaming(s *Socket) {
	if s.wrstate == stateDone {
		s.latchWrite()
		if s.err != nil {
			t.fatal("write error", s.err)
			return
		}
		t.peerOf(s).armRead()
		return
	}

	if s.rdstate == stateDone {
		s.latchRead()
		if s.err != nil {
			if isClosedErr(s.err) {
				t.log.Debug("stream closed", logging.KeyStage, t.stage.String())
				t.shutdown()
			} else {
				t.fatal("read error", s.err)
			}
			return
		}

		data, err := t.transform(s)
		if err != nil {
			t.fatal("cipher error", err)
			return
		}
		if len(data) == 0 {
			s.armRead()
			return
		}
		t.peerOf(s).armWrite(data)
		return
	}

	panic("tunnel: streaming event without a completion")
}

// doLinkStreaming is the framed-transport counterpart of doStreaming for the
// client socket. Client reads are encrypted and handed to the transport;
// relay-to-client writes are initiated by the transport's receive path, so a
// completed client write only has to drain whatever queued up behind it.
func (t *Tunnel) doLinkStreaming(s *Socket) {
	assertState(s == t.incoming, "relay socket completion on the framed path")
	assertState(s.wrstate == stateDone || s.rdstate == stateDone,
		"link streaming event without a completion")

	if s.wrstate == stateDone {
		s.latchWrite()
		if s.err != nil {
			t.fatal("write error", s.err)
			return
		}
		t.drainLinkPending()
		return
	}

	s.latchRead()
	if s.err != nil {
		if isClosedErr(s.err) {
			t.log.Debug("stream closed", logging.KeyStage, t.stage.String())
		} else {
			t.log.Error("read error", logging.KeyError, s.err)
		}
		t.link.close()
		t.shutdown()
		return
	}

	t.bytesUp += uint64(s.result)
	t.env.Metrics.BytesUpstream.Add(float64(s.result))

	data, err := t.cphr.Encrypt(s.buf[:s.result])
	if err != nil {
		t.fatal("cipher error", err)
		return
	}
	if len(data) > 0 {
		t.link.send(data)
	}
	s.armRead()
}

// drainLinkPending starts a client write for relay data that arrived while
// the write side was busy.
func (t *Tunnel) drainLinkPending() {
	if len(t.linkPending) == 0 || t.incoming.wrstate != stateStop {
		return
	}
	p := t.linkPending
	t.linkPending = nil
	t.incoming.armWrite(p)
}
