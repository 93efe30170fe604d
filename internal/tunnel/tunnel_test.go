package tunnel

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/veksel-project/veksel/internal/config"
	"github.com/veksel-project/veksel/internal/logging"
	"github.com/veksel-project/veksel/internal/metrics"
	"github.com/veksel-project/veksel/internal/resolver"
)

// permissivePolicy admits everything, so tests can run their fake relay on
// loopback.
type permissivePolicy struct{}

func (permissivePolicy) CanAuthNone(*Tunnel) bool   { return true }
func (permissivePolicy) CanAuthPasswd(*Tunnel) bool { return false }
func (permissivePolicy) CanAccess(net.IP) bool      { return true }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Relay.Host = "127.0.0.1"
	cfg.Relay.Port = 8388
	cfg.Cipher.Method = "none"
	cfg.Cipher.Password = "pw"
	cfg.Limits.IdleTimeout = 0
	cfg.DNS.Timeout = 500 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config, policy Policy) *Env {
	t.Helper()
	return &Env{
		Config:   cfg,
		Registry: NewRegistry(),
		Metrics:  metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		Log:      logging.Nop(),
		Resolver: resolver.New(resolver.Config{Timeout: cfg.DNS.Timeout}),
		Policy:   policy,
	}
}

// startTunnel wires a tunnel to one end of a pipe and returns the client end.
func startTunnel(t *testing.T, env *Env) (net.Conn, *Tunnel) {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	tun := New(env, serverEnd)
	tun.Start()

	t.Cleanup(func() {
		clientEnd.Close()
		tun.Shutdown()
		tun.Wait()
	})

	return clientEnd, tun
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func write(t *testing.T, c net.Conn, p []byte) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectClosed waits for the peer to close the connection without sending
// anything further.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := c.Read(buf); err == nil {
		t.Fatalf("expected close, got %d more bytes (% x)", n, buf[:n])
	}
}

// fakeRelay is a loopback stand-in for the relay server.
type fakeRelay struct {
	ln   net.Listener
	conn chan net.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	r := &fakeRelay{ln: ln, conn: make(chan net.Conn, 1)}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		r.conn <- c
	}()

	t.Cleanup(func() { ln.Close() })
	return r
}

func (r *fakeRelay) port() uint16 {
	return uint16(r.ln.Addr().(*net.TCPAddr).Port)
}

func (r *fakeRelay) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-r.conn:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw a connection")
		return nil
	}
}

// connectRequest builds a CONNECT request for an IPv4 destination.
func connectRequest(ip net.IP, port uint16) []byte {
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip.To4()...)
	return binary.BigEndian.AppendUint16(req, port)
}

func TestUnsupportedAuthRefused(t *testing.T) {
	env := newTestEnv(t, testConfig(), permissivePolicy{})
	client, _ := startTunnel(t, env)

	// Only username/password offered; the server accepts none of it.
	write(t, client, []byte{0x05, 0x01, 0x02})

	if got := readN(t, client, 2); !bytes.Equal(got, []byte{0x05, 0xFF}) {
		t.Fatalf("method reply = %x, want 05 FF", got)
	}
	expectClosed(t, client)
}

func TestGreetingAcceptsNoAuth(t *testing.T) {
	env := newTestEnv(t, testConfig(), permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x02, 0x00, 0x02})

	if got := readN(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method reply = %x, want 05 00", got)
	}
}

func TestPipelinedGreetingIsViolation(t *testing.T) {
	env := newTestEnv(t, testConfig(), permissivePolicy{})
	client, _ := startTunnel(t, env)

	// Greeting and request in one burst: bytes past the greeting arrive
	// before the method reply was sent, which the protocol forbids.
	write(t, client, append([]byte{0x05, 0x01, 0x00}, connectRequest(net.IPv4(1, 2, 3, 4), 80)...))

	expectClosed(t, client)
}

func TestSplitGreeting(t *testing.T) {
	env := newTestEnv(t, testConfig(), permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05})
	write(t, client, []byte{0x02})
	write(t, client, []byte{0x00, 0x02})

	if got := readN(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method reply = %x, want 05 00", got)
	}
}

func TestBindRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(), permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	req := []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	write(t, client, req)

	// No SOCKS5 reply beyond method selection; just a close.
	expectClosed(t, client)
}

func TestUDPAssociateReply(t *testing.T) {
	cfg := testConfig()
	cfg.Local.UDP.Enabled = true
	cfg.Local.UDP.Port = 5300
	env := newTestEnv(t, cfg, permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	write(t, client, []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	want := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x14, 0xB4}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("UDP associate reply = %x, want %x", got, want)
	}
	expectClosed(t, client)
}

func TestLoopbackRelayDenied(t *testing.T) {
	// The default ruleset refuses outbound connects to loopback, which is
	// where this configuration points the relay.
	env := newTestEnv(t, testConfig(), RulesetPolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	write(t, client, connectRequest(net.IPv4(93, 184, 216, 34), 80))

	want := []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("reply = %x, want connection-not-allowed", got)
	}
	expectClosed(t, client)
}

func TestDNSFailureReply(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.Host = "relay.invalid" // reserved TLD, never resolves
	env := newTestEnv(t, cfg, permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	write(t, client, connectRequest(net.IPv4(93, 184, 216, 34), 80))

	want := []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("reply = %x, want host-unreachable", got)
	}
	expectClosed(t, client)
}

func TestConnectRefusedReply(t *testing.T) {
	cfg := testConfig()
	// Grab a port and close it again so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Relay.Port = uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	env := newTestEnv(t, cfg, permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	write(t, client, connectRequest(net.IPv4(93, 184, 216, 34), 80))

	want := []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("reply = %x, want connection-refused", got)
	}
	expectClosed(t, client)
}

func TestConnectAndStream(t *testing.T) {
	relay := newFakeRelay(t)

	cfg := testConfig()
	cfg.Relay.Port = relay.port()
	env := newTestEnv(t, cfg, permissivePolicy{})
	client, tun := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	dest := net.IPv4(93, 184, 216, 34)
	write(t, client, connectRequest(dest, 80))

	// With the null cipher and plain shaping, the relay sees the raw
	// destination record as the session opener.
	rc := relay.accept(t)
	wantRecord := []byte{0x01, 93, 184, 216, 34, 0x00, 0x50}
	if got := readN(t, rc, len(wantRecord)); !bytes.Equal(got, wantRecord) {
		t.Fatalf("relay opener = %x, want %x", got, wantRecord)
	}

	// The client gets the success reply echoing the destination record.
	wantReply := append([]byte{0x05, 0x00, 0x00}, wantRecord...)
	if got := readN(t, client, len(wantReply)); !bytes.Equal(got, wantReply) {
		t.Fatalf("success reply = %x, want %x", got, wantReply)
	}

	// Client to relay.
	write(t, client, []byte("cli-data"))
	if got := readN(t, rc, 8); !bytes.Equal(got, []byte("cli-data")) {
		t.Fatalf("relay received %q", got)
	}

	// Relay to client.
	write(t, rc, []byte("srv-data"))
	if got := readN(t, client, 8); !bytes.Equal(got, []byte("srv-data")) {
		t.Fatalf("client received %q", got)
	}

	// Both directions again, to make sure reads were re-armed.
	write(t, client, []byte("more"))
	if got := readN(t, rc, 4); !bytes.Equal(got, []byte("more")) {
		t.Fatalf("relay received %q", got)
	}
	write(t, rc, []byte("back"))
	if got := readN(t, client, 4); !bytes.Equal(got, []byte("back")) {
		t.Fatalf("client received %q", got)
	}

	// Closing the relay side ends the session.
	rc.Close()
	tun.Wait()

	if env.Registry.Count() != 0 {
		t.Errorf("registry count after teardown = %d", env.Registry.Count())
	}
	if tun.initPkg != nil || tun.parser != nil {
		t.Error("session resources not released in teardown")
	}
}

func TestConnectEncryptedStream(t *testing.T) {
	relay := newFakeRelay(t)

	cfg := testConfig()
	cfg.Relay.Port = relay.port()
	cfg.Cipher.Method = "aes-128-ctr"
	env := newTestEnv(t, cfg, permissivePolicy{})
	client, _ := startTunnel(t, env)

	write(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	write(t, client, connectRequest(net.IPv4(10, 0, 0, 1), 443))

	// Opener: 16-byte IV followed by the encrypted 7-byte record. The
	// record must not be readable on the wire.
	rc := relay.accept(t)
	opener := readN(t, rc, 16+7)
	record := []byte{0x01, 10, 0, 0, 1, 0x01, 0xBB}
	if bytes.Contains(opener, record) {
		t.Fatal("destination record visible on the wire")
	}

	// The client still sees the plaintext record in its success reply.
	wantReply := append([]byte{0x05, 0x00, 0x00}, record...)
	if got := readN(t, client, len(wantReply)); !bytes.Equal(got, wantReply) {
		t.Fatalf("success reply = %x", got)
	}

	// Client payload arrives encrypted.
	write(t, client, []byte("super-secret-request"))
	enc := readN(t, rc, 20)
	if bytes.Equal(enc, []byte("super-secret-request")) {
		t.Fatal("client payload left the tunnel unencrypted")
	}
}

func TestIdleTimeoutIsObservational(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.IdleTimeout = 30 * time.Millisecond
	env := newTestEnv(t, cfg, permissivePolicy{})
	client, _ := startTunnel(t, env)

	// Let several idle periods pass before speaking.
	time.Sleep(120 * time.Millisecond)

	if env.Registry.Count() != 1 {
		t.Fatal("idle timer killed a session")
	}

	write(t, client, []byte{0x05, 0x01, 0x00})
	if got := readN(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method reply after idling = %x", got)
	}
}

func TestShutdownBroadcast(t *testing.T) {
	relay := newFakeRelay(t)

	cfg := testConfig()
	cfg.Relay.Port = relay.port()
	env := newTestEnv(t, cfg, permissivePolicy{})

	// One session fresh, one past the greeting, one established.
	fresh, _ := startTunnel(t, env)
	_ = fresh

	greeted, _ := startTunnel(t, env)
	write(t, greeted, []byte{0x05, 0x01, 0x00})
	readN(t, greeted, 2)

	established, _ := startTunnel(t, env)
	write(t, established, []byte{0x05, 0x01, 0x00})
	readN(t, established, 2)
	write(t, established, connectRequest(net.IPv4(8, 8, 8, 8), 53))
	rc := relay.accept(t)
	readN(t, rc, 7)
	readN(t, established, 10)

	if env.Registry.Count() != 3 {
		t.Fatalf("registry count = %d, want 3", env.Registry.Count())
	}

	env.Registry.ShutdownAll()

	if env.Registry.Count() != 0 {
		t.Errorf("registry count after broadcast = %d, want 0", env.Registry.Count())
	}
	expectClosed(t, established)
}

func TestTunnelStageNames(t *testing.T) {
	all := []stage{
		stageHandshake, stageHandshakeAuth, stageMethodReplied, stageRequest,
		stageUDPAssocReplied, stageLinkConnecting, stageLinkFirstData,
		stageLinkStreaming, stageResolveDone, stageConnecting, stageAuthSent,
		stageAwaitFeedback, stageReceiptSent, stageReplySent, stageStreaming,
		stageKill,
	}

	if len(all) != 16 {
		t.Fatalf("expected 16 stages, have %d", len(all))
	}

	seen := make(map[string]bool)
	for _, s := range all {
		name := s.String()
		if name == "unknown" {
			t.Errorf("stage %d has no name", int(s))
		}
		if seen[name] {
			t.Errorf("duplicate stage name %q", name)
		}
		seen[name] = true
	}
}

func TestRelayAddrPortParse(t *testing.T) {
	// Sanity-check that test helpers build ports the way the wire wants.
	req := connectRequest(net.IPv4(1, 2, 3, 4), 8080)
	port := int(req[len(req)-2])<<8 | int(req[len(req)-1])
	if strconv.Itoa(port) != "8080" {
		t.Errorf("encoded port = %d, want 8080", port)
	}
}
