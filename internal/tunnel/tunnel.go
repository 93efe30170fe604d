// Package tunnel implements the per-connection session between a SOCKS5
// client and the obfuscated relay.
//
// A session is modeled as two sockets driven by one event loop. Each socket's
// read and write sides are discrete state machines (see Socket); every
// suspension point — read, write, connect, resolve, idle timeout, framed
// transport callback — delivers a completion event to the loop, which
// dispatches it through the stage switch in advance. Once the relay handshake
// finishes the session settles into the streaming stage and data is piped
// back and forth, encrypted toward the relay and decrypted toward the client.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/veksel-project/veksel/internal/cipher"
	"github.com/veksel-project/veksel/internal/config"
	"github.com/veksel-project/veksel/internal/logging"
	"github.com/veksel-project/veksel/internal/metrics"
	"github.com/veksel-project/veksel/internal/resolver"
	"github.com/veksel-project/veksel/internal/socks5"
	"golang.org/x/time/rate"
)

// relayMTU bounds a single shaped frame toward the relay.
const relayMTU = 1452

// Env is the process-wide context shared by all tunnels of a listener.
type Env struct {
	Config   *config.Config
	Registry *Registry
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Resolver *resolver.Resolver
	Policy   Policy

	// Totals across all tunnels, for the shutdown summary.
	BytesUp   atomic.Uint64
	BytesDown atomic.Uint64
}

var tunnelIDs atomic.Uint64

// Tunnel is one client session.
type Tunnel struct {
	id  uint64
	env *Env
	log *slog.Logger

	incoming *Socket
	outgoing *Socket

	stage stage

	parser  *socks5.Parser
	cphr    *cipher.Context
	initPkg []byte
	dest    socks5.Address

	// link replaces the outgoing socket when the relay is reached over a
	// framed transport.
	link *relayLink

	// linkPending buffers relay data that arrived while a write to the
	// client was still in flight.
	linkPending []byte

	events  chan event
	done    chan struct{}
	dead    bool
	started atomic.Bool

	idle      *time.Timer
	reqStart  time.Time
	bytesUp   uint64
	bytesDown uint64
}

// New creates a tunnel for an accepted client connection and registers it.
// The session does not run until Start is called.
func New(env *Env, clientConn net.Conn) *Tunnel {
	id := tunnelIDs.Add(1)

	var limiter *rate.Limiter
	if lim := env.Config.Limits.RateLimit; lim > 0 {
		limiter = rate.NewLimiter(rate.Limit(lim), BufferSize)
	}

	t := &Tunnel{
		id:     id,
		env:    env,
		log:    env.Log.With(logging.KeyTunnelID, id),
		stage:  stageHandshake,
		parser: &socks5.Parser{},
		events: make(chan event, 16),
		done:   make(chan struct{}),
	}
	t.incoming = newSocket(t, clientConn, limiter)
	t.outgoing = newSocket(t, nil, limiter)

	env.Registry.Add(t)
	env.Metrics.TunnelsActive.Inc()
	env.Metrics.TunnelsTotal.Inc()

	return t
}

// ID returns the session identifier.
func (t *Tunnel) ID() uint64 { return t.id }

// Stage returns the current stage name, for diagnostics.
func (t *Tunnel) Stage() string { return t.stage.String() }

// Start runs the session's event loop.
func (t *Tunnel) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

// Shutdown requests asynchronous teardown. Safe to call from any goroutine
// and more than once.
func (t *Tunnel) Shutdown() {
	t.post(event{kind: evShutdown})
}

// Wait blocks until the session has torn down.
func (t *Tunnel) Wait() {
	<-t.done
}

// post delivers a completion event to the loop. Events posted after teardown
// are dropped.
func (t *Tunnel) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Tunnel) run() {
	if timeout := t.env.Config.Limits.IdleTimeout; timeout > 0 {
		t.idle = time.AfterFunc(timeout, func() {
			t.post(event{kind: evTimeout})
		})
	}

	t.incoming.armRead()

	for !t.dead {
		t.dispatch(<-t.events)
	}
}

// dispatch records a completion on its socket and enters the stage machine.
func (t *Tunnel) dispatch(ev event) {
	switch ev.kind {
	case evRead:
		assertState(ev.sock.rdstate == stateBusy, "read completion on idle socket")
		ev.sock.rdstate = stateDone
		ev.sock.result = ev.n
		ev.sock.err = ev.err
		t.advance(ev.sock)

	case evWrite:
		assertState(ev.sock.wrstate == stateBusy, "write completion on idle socket")
		ev.sock.wrstate = stateDone
		ev.sock.result = 0
		ev.sock.err = ev.err
		t.advance(ev.sock)

	case evConnect:
		ev.sock.conn = ev.conn
		ev.sock.result = 0
		ev.sock.err = ev.err
		t.advance(ev.sock)

	case evResolve:
		if ev.err == nil {
			ev.sock.addr = &net.TCPAddr{IP: ev.ip}
		}
		ev.sock.err = ev.err
		t.advance(ev.sock)

	case evTimeout:
		// Idle expiry is observational here; the relay side decides when a
		// quiet session ends.
		if t.idle != nil {
			t.idle.Reset(t.env.Config.Limits.IdleTimeout)
		}

	case evLinkUp:
		t.onLinkEstablished()

	case evLinkData:
		t.onLinkData(ev.data)

	case evLinkDown:
		t.shutdown()

	case evShutdown:
		t.shutdown()
	}
}

// advance is the single entry point of the stage machine. The socket the
// completion arrived on is handed in; each stage asserts the read/write state
// it expects, latches the completion, and performs exactly one forward
// action.
func (t *Tunnel) advance(s *Socket) {
	switch t.stage {
	case stageHandshake:
		t.incoming.latchRead()
		t.doHandshake()

	case stageHandshakeAuth:
		t.doHandshakeAuth()

	case stageMethodReplied:
		t.incoming.latchWrite()
		t.doAwaitRequest()

	case stageRequest:
		t.incoming.latchRead()
		t.doParseRequest()

	case stageUDPAssocReplied:
		t.incoming.latchWrite()
		t.shutdown()

	case stageResolveDone:
		t.doResolveDone()

	case stageConnecting:
		t.doConnectDone()

	case stageAuthSent:
		t.outgoing.latchWrite()
		t.doAuthSent()

	case stageAwaitFeedback:
		t.outgoing.latchRead()
		t.doFeedback()

	case stageReceiptSent:
		t.outgoing.latchWrite()
		t.doReplySuccess()

	case stageReplySent:
		t.incoming.latchWrite()
		t.doLaunchStreaming()

	case stageLinkStreaming:
		t.doLinkStreaming(s)

	case stageStreaming:
		t.doStreaming(s)

	case stageKill:
		t.shutdown()

	default:
		panic("tunnel: completion in unknown stage")
	}
}

// fatal logs a session-ending failure and tears the session down.
func (t *Tunnel) fatal(what string, err error) {
	t.log.Error(what, logging.KeyStage, t.stage.String(), logging.KeyError, err)
	t.env.Metrics.TunnelErrors.WithLabelValues(t.stage.String()).Inc()
	t.shutdown()
}

// refuse sends a SOCKS5 error reply to the client and marks the session for
// teardown once the write completes.
func (t *Tunnel) refuse(code byte) {
	t.env.Metrics.RepliesTotal.WithLabelValues(socks5.ReplyName(code)).Inc()
	t.incoming.armWrite(socks5.ErrorReply(code))
	t.stage = stageKill
}

func (t *Tunnel) doHandshake() {
	assertState(t.incoming.rdstate == stateStop, "handshake with busy read side")
	assertState(t.incoming.wrstate == stateStop, "handshake with busy write side")

	if t.incoming.err != nil {
		t.fatal("read error", t.incoming.err)
		return
	}

	data := t.incoming.buf[:t.incoming.result]
	n, st, err := t.parser.Parse(data)
	if err != nil {
		t.fatal("handshake error", err)
		return
	}
	if st == socks5.StatusNeedMore {
		t.incoming.armRead()
		return
	}
	if n != len(data) {
		t.fatal("handshake error", errors.New("junk after greeting"))
		return
	}
	if st != socks5.StatusAuthSelect {
		t.fatal("handshake error", errors.New("greeting did not yield a method list"))
		return
	}

	methods := t.parser.AuthMethods()
	if methods&socks5.AuthNone != 0 && t.env.Policy.CanAuthNone(t) {
		t.parser.SelectAuth(socks5.AuthNone)
		t.incoming.armWrite(socks5.MethodReply(socks5.MethodNoAuth))
		t.stage = stageMethodReplied
		return
	}

	if methods&socks5.AuthPasswd != 0 && t.env.Policy.CanAuthPasswd(t) {
		// Username/password auth is reserved but not implemented.
		t.shutdown()
		return
	}

	t.incoming.armWrite(socks5.MethodReply(socks5.MethodNoAcceptable))
	t.stage = stageKill
}

func (t *Tunnel) doHandshakeAuth() {
	// stageHandshakeAuth is never entered: the passwd method is never
	// selected. Kept for the day credential auth is implemented.
	t.shutdown()
}

func (t *Tunnel) doAwaitRequest() {
	assertState(t.incoming.rdstate == stateStop, "request wait with busy read side")

	if t.incoming.err != nil {
		t.fatal("write error", t.incoming.err)
		return
	}

	t.incoming.armRead()
	t.stage = stageRequest
}

func (t *Tunnel) doParseRequest() {
	assertState(t.incoming.wrstate == stateStop, "request parse with busy write side")
	assertState(t.outgoing.rdstate == stateStop, "request parse with busy relay read side")
	assertState(t.outgoing.wrstate == stateStop, "request parse with busy relay write side")

	if t.incoming.err != nil {
		t.fatal("read error", t.incoming.err)
		return
	}

	data := t.incoming.buf[:t.incoming.result]
	n, st, err := t.parser.Parse(data)
	if err != nil {
		t.fatal("request error", err)
		return
	}
	if st == socks5.StatusNeedMore {
		t.incoming.armRead()
		return
	}
	if n != len(data) {
		t.fatal("request error", errors.New("junk after request"))
		return
	}
	if st != socks5.StatusRequest {
		t.fatal("request error", errors.New("request did not complete"))
		return
	}

	t.env.Metrics.RequestsTotal.Inc()

	switch t.parser.Cmd() {
	case socks5.CmdBind:
		// Not supported but relatively straightforward to implement.
		t.log.Warn("BIND requests are not supported")
		t.shutdown()
		return

	case socks5.CmdUDPAssociate:
		cfg := t.env.Config
		reply := socks5.BuildUDPAssocReply(cfg.Local.UDP.Enabled, cfg.Local.Host, cfg.Local.UDP.Port, data)
		t.incoming.armWrite(reply)
		t.stage = stageUDPAssocReplied
		return

	case socks5.CmdConnect:
		t.doConnectRequest()
		return

	default:
		t.fatal("request error", errors.New("unknown command"))
	}
}

// doConnectRequest prepares the relay session for a CONNECT: build the
// destination record, create the cipher context, and head for the relay over
// whichever transport is configured.
func (t *Tunnel) doConnectRequest() {
	cfg := t.env.Config

	t.dest = t.parser.Address()
	t.initPkg = t.dest.Encode()
	t.reqStart = time.Now()

	cctx, err := cipher.NewContext(cfg.CipherSettings(), relayMTU)
	if err != nil {
		t.fatal("cipher error", err)
		return
	}
	t.cphr = cctx

	info := cctx.ServerInfo()
	info.BufferSize = BufferSize
	info.HeadLen = socks5.HeadSize(t.initPkg, 30)

	t.log.Debug("connect request", logging.KeyDest, t.dest.String())

	if cfg.OverTLS() {
		t.stage = stageLinkConnecting
		t.link = newRelayLink(t)
		t.link.launch()
		return
	}

	if ip := net.ParseIP(cfg.Relay.Host); ip != nil {
		t.outgoing.addr = &net.TCPAddr{IP: ip, Port: int(cfg.Relay.Port)}
		t.doConnectUpstream()
		return
	}

	t.armResolve(cfg.Relay.Host)
	t.stage = stageResolveDone
}

func (t *Tunnel) armResolve(host string) {
	go func() {
		ip, err := t.env.Resolver.Resolve(context.Background(), host)
		t.post(event{kind: evResolve, sock: t.outgoing, ip: ip, err: err})
	}()
}

func (t *Tunnel) doResolveDone() {
	assertState(t.incoming.rdstate == stateStop, "resolve done with busy client read side")
	assertState(t.incoming.wrstate == stateStop, "resolve done with busy client write side")

	if t.outgoing.err != nil {
		t.log.Error("lookup error",
			logging.KeyRelay, t.env.Config.Relay.Host,
			logging.KeyError, t.outgoing.err)
		t.refuse(socks5.ReplyHostUnreachable)
		return
	}

	t.outgoing.addr.Port = int(t.env.Config.Relay.Port)
	t.doConnectUpstream()
}

// doConnectUpstream assumes outgoing.addr holds the relay address.
func (t *Tunnel) doConnectUpstream() {
	assertState(t.outgoing.rdstate == stateStop, "connect with busy relay read side")
	assertState(t.outgoing.wrstate == stateStop, "connect with busy relay write side")

	if !t.env.Policy.CanAccess(t.outgoing.addr.IP) {
		t.log.Warn("connection not allowed by ruleset",
			logging.KeyAddress, t.outgoing.addr.String())
		t.refuse(socks5.ReplyNotAllowed)
		return
	}

	t.outgoing.armConnect()
	t.stage = stageConnecting
}

func (t *Tunnel) doConnectDone() {
	if t.outgoing.err != nil {
		t.env.Metrics.RelayDialErrors.Inc()
		t.log.Error("relay connection failed",
			logging.KeyRelay, t.outgoing.addr.String(),
			logging.KeyError, t.outgoing.err)
		t.refuse(socks5.ReplyConnectionRefused)
		return
	}

	enc, err := t.cphr.Encrypt(clone(t.initPkg))
	if err != nil {
		t.fatal("cipher error", err)
		return
	}
	t.outgoing.armWrite(enc)
	t.stage = stageAuthSent
}

func (t *Tunnel) doAuthSent() {
	if t.outgoing.err != nil {
		t.fatal("write error", t.outgoing.err)
		return
	}

	if t.cphr.NeedFeedback() {
		t.outgoing.armRead()
		t.stage = stageAwaitFeedback
		return
	}

	t.doReplySuccess()
}

func (t *Tunnel) doFeedback() {
	if t.outgoing.err != nil {
		t.fatal("read error", t.outgoing.err)
		return
	}

	plain, sendback, err := t.cphr.Decrypt(t.outgoing.buf[:t.outgoing.result])
	if err != nil {
		t.fatal("cipher error", err)
		return
	}
	assertState(len(plain) == 0, "application data inside the obfuscation handshake")

	if sendback != nil {
		t.outgoing.armWrite(sendback)
		t.stage = stageReceiptSent
		return
	}

	t.doReplySuccess()
}

func (t *Tunnel) doReplySuccess() {
	if t.outgoing.err != nil {
		t.fatal("write error", t.outgoing.err)
		return
	}

	t.env.Metrics.RepliesTotal.WithLabelValues(socks5.ReplyName(socks5.ReplySucceeded)).Inc()
	t.incoming.armWrite(socks5.SuccessReply(t.initPkg))
	t.stage = stageReplySent
}

func (t *Tunnel) doLaunchStreaming() {
	if t.incoming.err != nil {
		t.fatal("write error", t.incoming.err)
		return
	}

	// The success reply has been sent; the destination record is no longer
	// needed.
	t.initPkg = nil
	t.env.Metrics.ObserveHandshake(t.reqStart)
	t.log.Info("session established", logging.KeyDest, t.dest.String())

	if t.env.Config.OverTLS() {
		t.incoming.armRead()
		t.stage = stageLinkStreaming
		t.drainLinkPending()
		return
	}

	t.incoming.armRead()
	t.outgoing.armRead()
	t.stage = stageStreaming
}

func (t *Tunnel) shutdown() {
	if t.dead {
		return
	}
	t.dead = true

	if t.idle != nil {
		t.idle.Stop()
	}
	if t.link != nil {
		t.link.close()
	}
	t.incoming.close()
	t.outgoing.close()

	if t.cphr != nil {
		t.cphr.Release()
	}
	t.initPkg = nil
	t.parser = nil

	t.env.Registry.Remove(t)
	t.env.Metrics.TunnelsActive.Dec()
	t.env.BytesUp.Add(t.bytesUp)
	t.env.BytesDown.Add(t.bytesDown)

	t.log.Debug("session closed",
		"up", t.bytesUp,
		"down", t.bytesDown,
		logging.KeyStage, t.stage.String())

	close(t.done)
}

func clone(p []byte) []byte {
	return append([]byte(nil), p...)
}

// isClosedErr reports errors that mean the peer simply went away.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
