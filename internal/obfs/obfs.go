// Package obfs implements the traffic-shaping plugins applied around the
// encrypted relay stream. A plugin sees ciphertext only: outbound payloads are
// encoded after encryption, inbound payloads are decoded before decryption.
//
// Some plugins imitate a protocol in which the server speaks before
// application data may flow (for example a TLS handshake). Such plugins report
// ServerFirst and, when fed the server's opening frame, hand back a response
// frame the caller must write to the server before streaming continues.
package obfs

import (
	"fmt"
)

// ServerInfo carries the relay parameters a plugin needs to shape traffic.
// The tunnel seeds BufferSize and HeadLen once the destination record for a
// session is known.
type ServerInfo struct {
	Host  string
	Port  uint16
	Param string
	Key   []byte

	// BufferSize is the transfer buffer capacity of the owning tunnel.
	BufferSize int

	// HeadLen is the length of the destination record at the front of the
	// first payload.
	HeadLen int

	// MTU bounds the size of a single shaped frame.
	MTU int
}

// Plugin shapes the ciphertext stream.
type Plugin interface {
	// Name returns the plugin name as it appears in configuration.
	Name() string

	// ServerInfo returns the mutable parameter block shared with the tunnel.
	ServerInfo() *ServerInfo

	// ClientEncode transforms an outbound payload into its wire form.
	ClientEncode(p []byte) ([]byte, error)

	// ClientDecode transforms an inbound wire payload. data is the payload
	// stripped of shaping; sendback, when non-nil, is a frame that must be
	// written to the server before any further traffic.
	ClientDecode(p []byte) (data []byte, sendback []byte, err error)

	// ServerFirst reports whether the server must speak before application
	// data flows. When true the tunnel reads one frame from the server after
	// sending its opening payload and feeds it to ClientDecode.
	ServerFirst() bool
}

// Protocol transforms plaintext before encryption and after decryption. The
// relay protocol layer runs inside the cipher, the obfuscation layer outside.
type Protocol interface {
	Name() string
	ServerInfo() *ServerInfo
	ClientPreEncrypt(p []byte) ([]byte, error)
	ClientPostDecrypt(p []byte) ([]byte, error)
}

// New creates the named obfuscation plugin. The info block is copied; the
// plugin's ServerInfo pointer stays valid for the plugin's lifetime.
func New(name, param string, info ServerInfo) (Plugin, error) {
	info.Param = param
	switch name {
	case "", "plain":
		return &plain{info: info}, nil
	case "http-simple":
		return newHTTPSimple(info), nil
	case "tls-ticket":
		return newTLSTicket(info), nil
	default:
		return nil, fmt.Errorf("obfs: unknown plugin %q", name)
	}
}

// NewProtocol creates the named protocol plugin.
func NewProtocol(name, param string, info ServerInfo) (Protocol, error) {
	info.Param = param
	switch name {
	case "", "origin":
		return &origin{info: info}, nil
	default:
		return nil, fmt.Errorf("obfs: unknown protocol %q", name)
	}
}

// Names returns the obfuscation plugin names accepted by New.
func Names() []string {
	return []string{"plain", "http-simple", "tls-ticket"}
}

// ProtocolNames returns the protocol plugin names accepted by NewProtocol.
func ProtocolNames() []string {
	return []string{"origin"}
}

// plain passes traffic through unchanged.
type plain struct {
	info ServerInfo
}

func (p *plain) Name() string            { return "plain" }
func (p *plain) ServerInfo() *ServerInfo { return &p.info }
func (p *plain) ServerFirst() bool       { return false }

func (p *plain) ClientEncode(b []byte) ([]byte, error) {
	return b, nil
}

func (p *plain) ClientDecode(b []byte) ([]byte, []byte, error) {
	return b, nil, nil
}

// origin is the pass-through protocol plugin.
type origin struct {
	info ServerInfo
}

func (o *origin) Name() string            { return "origin" }
func (o *origin) ServerInfo() *ServerInfo { return &o.info }

func (o *origin) ClientPreEncrypt(p []byte) ([]byte, error) {
	return p, nil
}

func (o *origin) ClientPostDecrypt(p []byte) ([]byte, error) {
	return p, nil
}
