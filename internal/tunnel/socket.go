package tunnel

import (
	"net"
	"time"

	"golang.org/x/time/rate"
)

// BufferSize is the capacity of a socket's receive buffer and the transfer
// unit of the relay protocol.
const BufferSize = 16 * 1024

// connectTimeout bounds the TCP connect to the relay.
const connectTimeout = 30 * time.Second

// A socket's read and write sides each run a three-state machine:
//
//	             busy                    done              stop
//	 ---------|-------------------------|-----------------|------|
//	 readable | waiting for data        | have data        | idle |
//	 writable | busy writing out data   | completed write  | idle |
//
// done is a one-tick state: the stage handler entered on a completion latches
// it back to stop before arming any further I/O. Reads are discrete — a
// completed read leaves the socket idle until it is explicitly re-armed,
// because the receive buffer is reused for the next read.
type sockState uint8

const (
	stateStop sockState = iota
	stateBusy
	stateDone
)

// Socket is one TCP endpoint of a tunnel plus its I/O state. All fields are
// owned by the tunnel's event loop; the goroutines performing the actual I/O
// communicate results back as events.
type Socket struct {
	tun  *Tunnel
	conn net.Conn

	// addr is the resolved relay address, set before connecting.
	addr *net.TCPAddr

	buf []byte

	rdstate sockState
	wrstate sockState

	// result is the byte count of the last completed read, or zero for a
	// completed write or connect. err carries the failure, if any.
	result int
	err    error

	limiter *rate.Limiter
}

func newSocket(t *Tunnel, conn net.Conn, limiter *rate.Limiter) *Socket {
	return &Socket{
		tun:     t,
		conn:    conn,
		buf:     make([]byte, BufferSize),
		limiter: limiter,
	}
}

func assertState(cond bool, msg string) {
	if !cond {
		panic("tunnel: " + msg)
	}
}

// latchRead consumes the one-tick done state after a read completion.
func (s *Socket) latchRead() {
	assertState(s.rdstate == stateDone, "read completion without pending read")
	s.rdstate = stateStop
}

// latchWrite consumes the one-tick done state after a write completion.
func (s *Socket) latchWrite() {
	assertState(s.wrstate == stateDone, "write completion without pending write")
	s.wrstate = stateStop
}

// armRead starts a single read. The completion event carries the byte count;
// the payload is in buf. At most one read is in flight per socket.
func (s *Socket) armRead() {
	assertState(s.rdstate == stateStop, "read armed while another read in flight")
	s.rdstate = stateBusy

	go func() {
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			// Deliver the data; a trailing error resurfaces on the next read.
			err = nil
		}
		s.tun.post(event{kind: evRead, sock: s, n: n, err: err})
	}()
}

// armWrite starts a single write of p. The caller hands ownership of p to the
// socket until the completion event fires. At most one write is in flight per
// socket.
func (s *Socket) armWrite(p []byte) {
	assertState(s.wrstate == stateStop, "write armed while another write in flight")
	s.wrstate = stateBusy

	go func() {
		if s.limiter != nil && len(p) > 0 {
			s.waitQuota(len(p))
		}
		_, err := s.conn.Write(p)
		s.tun.post(event{kind: evWrite, sock: s, err: err})
	}()
}

// waitQuota blocks the write goroutine until the rate limiter releases enough
// quota for n bytes. Bursts larger than the bucket are drained in slices.
func (s *Socket) waitQuota(n int) {
	burst := s.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		r := s.limiter.ReserveN(time.Now(), chunk)
		if !r.OK() {
			return
		}
		time.Sleep(r.Delay())
		n -= chunk
	}
}

// armConnect starts a TCP connect to addr. The completion event carries the
// established connection.
func (s *Socket) armConnect() {
	assertState(s.addr != nil, "connect without a resolved address")

	go func() {
		d := net.Dialer{Timeout: connectTimeout}
		conn, err := d.Dial("tcp", s.addr.String())
		s.tun.post(event{kind: evConnect, sock: s, conn: conn, err: err})
	}()
}

// close shuts the underlying connection, unblocking any in-flight I/O.
func (s *Socket) close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// eventKind names a completion delivered to the tunnel loop.
type eventKind uint8

const (
	evRead eventKind = iota
	evWrite
	evConnect
	evResolve
	evTimeout
	evLinkUp
	evLinkData
	evLinkDown
	evShutdown
)

// event is one completion. Exactly the suspension points of a session appear
// here: read, write, connect, resolve, idle timeout, and the framed
// transport's callbacks.
type event struct {
	kind eventKind
	sock *Socket
	n    int
	err  error
	conn net.Conn
	ip   net.IP
	data []byte
}
