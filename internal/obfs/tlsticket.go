package obfs

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"
)

// tlsTicket disguises the session as an abbreviated TLS 1.2 handshake with a
// session ticket. The client opens with a ClientHello whose random field is
// authenticated with the relay key; the real opening payload is held back
// until the server answers with its ServerHello frame. The answer is
// acknowledged with a ChangeCipherSpec/Finished pair that carries the held
// payload, and from then on both directions travel inside application-data
// records.
//
// This is the one shipped plugin where the server speaks first, so it is the
// plugin that exercises the tunnel's feedback round trip.
type tlsTicket struct {
	info ServerInfo

	clientID [32]byte

	sentHello  bool
	handshaken bool
	pending    []byte // payload deferred until the server frame arrives

	recvBuf []byte // partial inbound record accumulator
}

const (
	recordHandshake        = 0x16
	recordChangeCipherSpec = 0x14
	recordApplicationData  = 0x17

	// Application-data records are split so no single record exceeds a
	// plausible TLS fragment size.
	maxRecordLen = 2048
)

func newTLSTicket(info ServerInfo) *tlsTicket {
	t := &tlsTicket{info: info}
	rand.Read(t.clientID[:])
	return t
}

func (t *tlsTicket) Name() string            { return "tls-ticket" }
func (t *tlsTicket) ServerInfo() *ServerInfo { return &t.info }
func (t *tlsTicket) ServerFirst() bool       { return true }

// sign authenticates data with the relay key and this session's client id,
// truncated to ten bytes the way the hello-random checksum travels.
func (t *tlsTicket) sign(data []byte) []byte {
	mac := hmac.New(sha1.New, append(append([]byte(nil), t.info.Key...), t.clientID[:]...))
	mac.Write(data)
	return mac.Sum(nil)[:10]
}

// clientHello builds the opening handshake record. The 32-byte random field
// is 4 bytes of unix time, 18 random bytes, and a 10-byte keyed checksum over
// the preceding 22, so the relay can tell a real browser from a session peer.
func (t *tlsTicket) clientHello() []byte {
	random := make([]byte, 32)
	binary.BigEndian.PutUint32(random[:4], uint32(time.Now().Unix()))
	rand.Read(random[4:22])
	copy(random[22:], t.sign(random[:22]))

	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03}) // client version
	body.Write(random)
	body.WriteByte(32) // session id length
	body.Write(t.clientID[:])
	// A short, static browser-ish cipher suite list.
	body.Write([]byte{
		0x00, 0x0a,
		0xc0, 0x2b, 0xc0, 0x2f, 0xc0, 0x2c, 0xc0, 0x30, 0x00, 0x9e,
	})
	body.Write([]byte{0x01, 0x00}) // compression methods: null

	hello := &bytes.Buffer{}
	hello.WriteByte(0x01) // handshake type: client hello
	hsLen := body.Len()
	hello.Write([]byte{byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)})
	hello.Write(body.Bytes())

	return wrapRecord(recordHandshake, hello.Bytes())
}

// finished builds the ChangeCipherSpec and Finished records acknowledging the
// server's frame.
func (t *tlsTicket) finished() []byte {
	verify := make([]byte, 22)
	rand.Read(verify[:12])
	copy(verify[12:], t.sign(verify[:12]))

	var out bytes.Buffer
	out.Write(wrapRecord(recordChangeCipherSpec, []byte{0x01}))
	out.Write(wrapRecord(recordHandshake, verify))
	return out.Bytes()
}

func wrapRecord(typ byte, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, typ, 0x03, 0x03)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	return append(out, payload...)
}

// wrapData splits payload into application-data records.
func wrapData(payload []byte) []byte {
	var out bytes.Buffer
	for len(payload) > 0 {
		n := len(payload)
		if n > maxRecordLen {
			n = maxRecordLen
		}
		out.Write(wrapRecord(recordApplicationData, payload[:n]))
		payload = payload[n:]
	}
	return out.Bytes()
}

func (t *tlsTicket) ClientEncode(p []byte) ([]byte, error) {
	if t.handshaken {
		return wrapData(p), nil
	}
	if !t.sentHello {
		t.sentHello = true
		t.pending = append(t.pending, p...)
		return t.clientHello(), nil
	}
	// Data queued between the hello and the server's answer rides along in
	// the acknowledgement frame.
	t.pending = append(t.pending, p...)
	return nil, nil
}

func (t *tlsTicket) ClientDecode(p []byte) ([]byte, []byte, error) {
	if !t.handshaken {
		if len(p) < 5 || p[0] != recordHandshake {
			return nil, nil, fmt.Errorf("obfs: unexpected opening frame from server")
		}
		t.handshaken = true

		sendback := t.finished()
		if len(t.pending) > 0 {
			sendback = append(sendback, wrapData(t.pending)...)
			t.pending = nil
		}
		return nil, sendback, nil
	}

	// Streaming: unwrap application-data records, keeping any trailing
	// partial record until the rest arrives.
	t.recvBuf = append(t.recvBuf, p...)
	var out []byte
	for {
		if len(t.recvBuf) < 5 {
			break
		}
		if t.recvBuf[0] != recordApplicationData {
			return nil, nil, fmt.Errorf("obfs: unexpected record type %#02x", t.recvBuf[0])
		}
		n := int(binary.BigEndian.Uint16(t.recvBuf[3:5]))
		if len(t.recvBuf) < 5+n {
			break
		}
		out = append(out, t.recvBuf[5:5+n]...)
		t.recvBuf = t.recvBuf[5+n:]
	}
	if len(t.recvBuf) == 0 {
		t.recvBuf = nil
	}
	return out, nil, nil
}
